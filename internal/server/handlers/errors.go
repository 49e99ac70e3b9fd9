package handlers

import (
	"errors"
	"net/http"
	"sync"

	"github.com/3leaps/studyflow/internal/server/middleware"
	"github.com/3leaps/studyflow/pkg/joberr"
)

// HTTPErrorResponder writes err as a response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var (
	responderMu        sync.RWMutex
	httpErrorResponder HTTPErrorResponder = defaultErrorResponder
)

// SetHTTPErrorResponder replaces the responder used by the job handlers. A
// nil responder restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	responderMu.Lock()
	defer responderMu.Unlock()
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	SetHTTPErrorResponder(nil)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	responderMu.RLock()
	fn := httpErrorResponder
	responderMu.RUnlock()
	fn(w, r, err)
}

// defaultErrorResponder maps joberr kinds onto status codes.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case joberr.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case joberr.IsValidation(err):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, errBodyTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	}
	middleware.WriteError(w, r, status, code, err.Error(), nil)
}

// NotFound answers unrouted paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
}

// MethodNotAllowed answers routed paths hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		r.Method+" is not allowed on "+r.URL.Path, nil)
}

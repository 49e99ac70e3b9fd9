// Package middleware holds the HTTP middleware shared by the dev backend.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the JSON envelope written for every error.
//
// Detail repeats the message at the top level for clients that only read
// {"detail": "..."}.
type ErrorResponse struct {
	Error  ErrorDetail `json:"error"`
	Detail string      `json:"detail,omitempty"`
}

// WriteError writes an ErrorResponse with status. The request id is taken
// from r's context when RequestID ran first.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
		Detail: message,
	}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}
	writeErrorResponse(w, resp, status)
}

func writeErrorResponse(w http.ResponseWriter, resp ErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Recovery converts panics into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return RecoveryWithLogger(nil)(next)
}

// RecoveryWithLogger is Recovery that also logs the recovered value.
func RecoveryWithLogger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				msg := fmt.Sprintf("panic: %v", rec)
				log.Error("Handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.String("panic", msg),
				)
				WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", msg, nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandler is Recovery under the name used by older routers.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

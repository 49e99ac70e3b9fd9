package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/server/backend"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/match"
)

// DefaultMaxUploadBytes bounds a POST /jobs body.
const DefaultMaxUploadBytes int64 = 1 << 30

// multipartMemory is how much of a form is held in memory before spilling to
// temporary files.
const multipartMemory = 32 << 20

var errBodyTooLarge = errors.New("upload exceeds the size limit")

// Jobs serves the job endpoints over a backend store.
type Jobs struct {
	store     *backend.Store
	hub       *backend.Hub
	sim       *backend.Simulator
	extractor *archive.Extractor
	images    *match.Matcher
	maxUpload int64
	log       *zap.Logger
}

// NewJobs wires the handlers. maxUpload <= 0 uses DefaultMaxUploadBytes.
func NewJobs(store *backend.Store, hub *backend.Hub, sim *backend.Simulator, maxUpload int64, log *zap.Logger) *Jobs {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Jobs{
		store:     store,
		hub:       hub,
		sim:       sim,
		extractor: archive.New(),
		images:    match.Images(),
		maxUpload: maxUpload,
		log:       log,
	}
}

// Routes mounts the endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Post("/jobs", h.Create)
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	r.Get("/jobs/{id}/results", h.Results)
	r.Get("/jobs/{id}/file", h.File)
	r.Get("/ws/jobs/{id}", h.Subscribe)
}

// Create accepts a multipart form with a "file" part and optional "title"
// and "description" fields, stores a queued job and starts processing it.
// A .zip upload must be a readable archive.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	const op = "CreateJob"

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, r, fmt.Errorf("%w: %d bytes", errBodyTooLarge, tooLarge.Limit))
			return
		}
		respondWithError(w, r, joberr.Validation(op, "expected a multipart form: "+err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, r, joberr.Validation(op, "file is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		respondWithError(w, r, joberr.Wrap(op, "", joberr.ErrTransport, err))
		return
	}
	name := match.BaseName(header.Filename)
	if name == "" {
		respondWithError(w, r, joberr.Validation(op, "file name is required"))
		return
	}

	files, err := h.extractor.Extract(r.Context(), []archive.Blob{{Name: name, Data: data}})
	if err != nil {
		if joberr.IsParse(err) {
			respondWithError(w, r, joberr.Validation(op, "invalid ZIP archive"))
			return
		}
		respondWithError(w, r, err)
		return
	}
	entries := make([]string, 0, len(files))
	for _, f := range files {
		if f.SniffedAsImage || h.images.Match(f.Name) {
			entries = append(entries, f.Name)
		}
	}

	job := h.store.Create(backend.Submission{
		FileName:    name,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Data:        data,
		TotalFiles:  len(entries),
	})
	h.log.Info("Job created",
		zap.Int64("job_id", job.ID),
		zap.String("file", name),
		zap.Int("images", len(entries)),
	)
	h.sim.Start(job, entries)

	writeJSON(w, http.StatusCreated, job)
}

// List returns every job, newest first.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

// Get returns one job by numeric id or uuid.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Results returns parsed results, or 404 until the job has produced them.
func (h *Jobs) Results(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.Results(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// File downloads the submitted file.
func (h *Jobs) File(w http.ResponseWriter, r *http.Request) {
	name, data, err := h.store.File(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	contentType := "application/octet-stream"
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Subscribe upgrades to the job's push channel.
func (h *Jobs) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, chi.URLParam(r, "id"))
}

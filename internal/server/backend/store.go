// Package backend is the in-memory job service behind the dev server: job
// storage, a push hub for websocket subscribers, and a simulator that walks
// jobs through processing and produces a results workbook.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/results"
)

// Status spellings served on the wire.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Terminal reports whether status ends a job.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, "success", "completed":
		return true
	}
	return false
}

// Job is a job as the backend stores and serves it.
type Job struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Progress    float64   `json:"progress"`
	TotalFiles  int       `json:"total_files"`
	ETASeconds  *float64  `json:"eta_seconds,omitempty"`
	Message     string    `json:"message,omitempty"`

	ResultsPayload  json.RawMessage `json:"results_payload,omitempty"`
	ResultsParsedAt *time.Time      `json:"results_parsed_at,omitempty"`
}

// Listener observes committed job changes. It runs after the store lock is
// released, on the goroutine that made the change.
type Listener func(Job)

type entry struct {
	job      Job
	data     []byte
	workbook []byte
}

// Store keeps jobs in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	jobs      map[int64]*entry
	byUUID    map[string]int64
	listeners []Listener
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[int64]*entry),
		byUUID: make(map[string]int64),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers fn for every later change.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Submission is what POST /jobs hands the store.
type Submission struct {
	FileName    string
	Title       string
	Description string
	Data        []byte
	TotalFiles  int
}

// Create stores a queued job for sub. The title defaults to the file name.
func (s *Store) Create(sub Submission) Job {
	title := strings.TrimSpace(sub.Title)
	if title == "" {
		title = sub.FileName
	}

	s.mu.Lock()
	s.nextID++
	now := s.now()
	job := Job{
		ID:          s.nextID,
		UUID:        uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(sub.Description),
		Status:      StatusQueued,
		FileName:    sub.FileName,
		FileSize:    int64(len(sub.Data)),
		CreatedAt:   now,
		UpdatedAt:   now,
		TotalFiles:  sub.TotalFiles,
	}
	s.jobs[job.ID] = &entry{job: job, data: sub.Data}
	s.byUUID[job.UUID] = job.ID
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, job)
	return job
}

func (s *Store) resolve(key string) (*entry, bool) {
	key = strings.TrimSpace(key)
	if id, ok := s.byUUID[key]; ok {
		return s.jobs[id], true
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		e, ok := s.jobs[id]
		return e, ok
	}
	return nil, false
}

// Lookup finds a job by numeric id or uuid.
func (s *Store) Lookup(key string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resolve(key)
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Get is Lookup returning a NotFound error.
func (s *Store) Get(key string) (Job, error) {
	job, ok := s.Lookup(key)
	if !ok {
		return Job{}, notFound("GetJob", key, "job not found")
	}
	return job, nil
}

// List returns every job, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Update applies fn to the job with id and notifies listeners. Terminal jobs
// are left alone and reported with ok=false.
func (s *Store) Update(id int64, fn func(*Job)) (Job, bool) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || Terminal(e.job.Status) {
		s.mu.Unlock()
		return Job{}, false
	}
	fn(&e.job)
	e.job.UpdatedAt = s.now()
	job := e.job
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, job)
	return job, true
}

// File returns the uploaded file for key.
func (s *Store) File(key string) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resolve(key)
	if !ok {
		return "", nil, notFound("FetchJobFile", key, "job not found")
	}
	return e.job.FileName, e.data, nil
}

// SetWorkbook attaches the results workbook produced for id.
func (s *Store) SetWorkbook(id int64, workbook []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		e.workbook = workbook
	}
}

// Results returns the parsed results for key. The workbook is parsed once;
// later calls are served from the job's cached payload. A job without a
// workbook yields NotFound.
func (s *Store) Results(key string) (*apiclient.ResultsDocument, error) {
	const op = "FetchResults"

	s.mu.Lock()
	e, ok := s.resolve(key)
	if !ok {
		s.mu.Unlock()
		return nil, notFound(op, key, "job not found")
	}
	if len(e.job.ResultsPayload) > 0 {
		doc := resultsDocument(key, e.job, "cached")
		s.mu.Unlock()
		return doc, nil
	}
	if e.workbook == nil {
		s.mu.Unlock()
		return nil, notFound(op, key, "results not ready")
	}

	raw, err := results.ReadWorkbook(e.workbook)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		s.mu.Unlock()
		return nil, joberr.Wrap(op, key, joberr.ErrParse, err)
	}
	now := s.now()
	e.job.ResultsPayload = payload
	e.job.ResultsParsedAt = &now
	e.job.UpdatedAt = now
	job := e.job
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, job)
	return resultsDocument(key, job, "fresh"), nil
}

// CheckHealth implements the health checker contract.
func (s *Store) CheckHealth(ctx context.Context) error {
	return ctx.Err()
}

func resultsDocument(key string, job Job, source string) *apiclient.ResultsDocument {
	doc := &apiclient.ResultsDocument{
		JobID:   apiclient.FlexID(key),
		Results: job.ResultsPayload,
		Source:  source,
	}
	if job.ResultsParsedAt != nil {
		doc.ParsedAt = apiclient.FlexTime{Time: *job.ResultsParsedAt}
	}
	return doc
}

func notify(listeners []Listener, job Job) {
	for _, fn := range listeners {
		fn(job)
	}
}

func notFound(op, key, msg string) error {
	return joberr.Wrap(op, key, joberr.ErrNotFound, errors.New(msg))
}

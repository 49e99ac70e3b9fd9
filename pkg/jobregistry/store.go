package jobregistry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store caches server-assigned job records in an on-disk directory so the
// last known state survives restarts.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/submission.yaml
//
// Placeholder records are never written: they do not exist server-side.
type Store struct {
	root string

	// known holds the encoded record last read or written per job, so
	// unchanged records are not rewritten.
	mu    sync.Mutex
	known map[string][]byte
}

// Record is the persistent form of a Job written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	JobID        string          `json:"job_id"`
	Status       Status          `json:"status"`
	Progress     float64         `json:"progress"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
	TotalFiles   int             `json:"total_files,omitempty"`
	TotalBytes   int64           `json:"total_bytes,omitempty"`
	ETASeconds   *float64        `json:"eta_seconds,omitempty"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	FileName     string          `json:"file_name,omitempty"`
	PatientLabel string          `json:"patient_label,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Message      string          `json:"message,omitempty"`
	Results      *ResultsPayload `json:"results,omitempty"`
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), known: make(map[string][]byte)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

// SubmissionPath is where the submitted file set for jobID is recorded.
func (s *Store) SubmissionPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "submission.yaml")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job cache root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func encodeRecord(job Job) ([]byte, error) {
	b, err := json.MarshalIndent(toRecord(job), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}
	return append(b, '\n'), nil
}

func (s *Store) unchanged(jobID string, b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.known[jobID]
	return ok && bytes.Equal(prev, b)
}

func (s *Store) remember(jobID string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		delete(s.known, jobID)
		return
	}
	s.known[jobID] = b
}

// Write persists job atomically (temp file + rename). A record identical to
// the one last read or written for the job is not rewritten.
func (s *Store) Write(job Job) error {
	if !job.ID.IsAssigned() {
		return fmt.Errorf("only server-assigned jobs are cached")
	}
	jobID := job.ID.String()
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("job_id %q is not a valid directory name", jobID)
	}

	b, err := encodeRecord(job)
	if err != nil {
		return err
	}
	if s.unchanged(jobID, b) {
		return nil
	}

	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	s.remember(jobID, b)
	return nil
}

func (s *Store) Get(jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	job := fromRecord(rec)
	if b, err := encodeRecord(job); err == nil {
		s.remember(jobID, b)
	}
	return &job, nil
}

// List returns cached jobs, newest first.
func (s *Store) List() ([]Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job cache root: %w", err)
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *j)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes the cached record and any submission file for jobID.
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	s.remember(jobID, nil)
	err := os.RemoveAll(s.JobDir(jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// Persist returns a Listener that mirrors committed registry changes into s.
func Persist(s *Store, log *zap.Logger) Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c Change) {
		var err error
		switch c.Kind {
		case ChangeRemoved:
			if c.Job.ID.IsAssigned() {
				err = s.Delete(c.Job.ID.String())
			}
		default:
			if c.Job.ID.IsAssigned() {
				err = s.Write(c.Job)
			}
		}
		if err != nil {
			log.Warn("Failed to update job cache", zap.String("job_id", c.Job.ID.String()), zap.Error(err))
		}
	}
}

func toRecord(j Job) Record {
	rec := Record{
		JobID:        j.ID.String(),
		Status:       j.Status,
		Progress:     j.Progress,
		CreatedAt:    j.CreatedAt.UTC(),
		TotalFiles:   j.TotalFiles,
		TotalBytes:   j.TotalBytes,
		ETASeconds:   j.ETASeconds,
		Title:        j.Title,
		Description:  j.Description,
		FileName:     j.FileName,
		PatientLabel: j.PatientLabel,
		Tags:         j.Tags,
		Message:      j.Message,
		Results:      j.Results,
	}
	if !j.UpdatedAt.IsZero() {
		t := j.UpdatedAt.UTC()
		rec.UpdatedAt = &t
	}
	return rec
}

func fromRecord(rec Record) Job {
	j := Job{
		ID:           Assigned(rec.JobID),
		Status:       rec.Status,
		Progress:     rec.Progress,
		CreatedAt:    rec.CreatedAt,
		TotalFiles:   rec.TotalFiles,
		TotalBytes:   rec.TotalBytes,
		ETASeconds:   rec.ETASeconds,
		Title:        rec.Title,
		Description:  rec.Description,
		FileName:     rec.FileName,
		PatientLabel: rec.PatientLabel,
		Tags:         rec.Tags,
		Message:      rec.Message,
		Results:      rec.Results,
	}
	if rec.UpdatedAt != nil {
		j.UpdatedAt = *rec.UpdatedAt
	}
	if !j.Status.Valid() {
		j.Status = StatusIdle
	}
	return j
}

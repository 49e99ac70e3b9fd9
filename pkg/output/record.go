// Package output provides JSONL output for studyflow commands.
//
// Output is structured as typed record envelopes containing job snapshots,
// results, upload progress, channel state changes and errors. Each line is
// a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: studyflow.<type>.v<version>
const (
	// TypeJob identifies job snapshot records.
	TypeJob = "studyflow.job.v1"

	// TypeResults identifies normalized results records.
	TypeResults = "studyflow.results.v1"

	// TypeProgress identifies upload progress records.
	TypeProgress = "studyflow.progress.v1"

	// TypeChannel identifies push channel state records.
	TypeChannel = "studyflow.channel.v1"

	// TypeFile identifies extracted file records.
	TypeFile = "studyflow.file.v1"

	// TypeError identifies error records.
	TypeError = "studyflow.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "studyflow.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// SessionID correlates every record from one command invocation.
	SessionID string `json:"session_id"`

	// Source is the command that produced the record (e.g., "upload").
	Source string `json:"source"`

	// JobID is the job the record describes, if any.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is a job snapshot.
type JobRecord struct {
	JobID        string     `json:"job_id"`
	Pending      bool       `json:"pending,omitempty"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	Title        string     `json:"title,omitempty"`
	FileName     string     `json:"file_name,omitempty"`
	PatientLabel string     `json:"patient_label,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	TotalFiles   int        `json:"total_files,omitempty"`
	TotalBytes   int64      `json:"total_bytes,omitempty"`
	ETASeconds   *float64   `json:"eta_seconds,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	HasResults   bool       `json:"has_results"`
	Message      string     `json:"message,omitempty"`
}

// JobFrom converts a registry job.
func JobFrom(j jobregistry.Job) *JobRecord {
	rec := &JobRecord{
		JobID:        j.ID.String(),
		Pending:      j.ID.IsPending(),
		Status:       string(j.Status),
		Progress:     j.Progress,
		Title:        j.Title,
		FileName:     j.FileName,
		PatientLabel: j.PatientLabel,
		Tags:         j.Tags,
		TotalFiles:   j.TotalFiles,
		TotalBytes:   j.TotalBytes,
		ETASeconds:   j.ETASeconds,
		HasResults:   j.Results != nil,
		Message:      j.Message,
	}
	if !j.CreatedAt.IsZero() {
		t := j.CreatedAt.UTC()
		rec.CreatedAt = &t
	}
	if !j.UpdatedAt.IsZero() {
		t := j.UpdatedAt.UTC()
		rec.UpdatedAt = &t
	}
	return rec
}

// ResultsRecord carries a job's normalized results.
type ResultsRecord struct {
	JobID    string                  `json:"job_id"`
	ParsedAt *time.Time              `json:"parsed_at,omitempty"`
	Summary  map[string]string       `json:"summary"`
	Rows     []jobregistry.ResultRow `json:"rows"`
}

// ResultsFrom converts a payload attached to id.
func ResultsFrom(id jobregistry.JobID, p *jobregistry.ResultsPayload) *ResultsRecord {
	rec := &ResultsRecord{JobID: id.String(), Summary: map[string]string{}, Rows: []jobregistry.ResultRow{}}
	if p == nil {
		return rec
	}
	rec.ParsedAt = p.ParsedAt
	if p.Summary != nil {
		rec.Summary = p.Summary
	}
	if p.Rows != nil {
		rec.Rows = p.Rows
	}
	return rec
}

// ProgressRecord is the data payload for upload progress updates.
type ProgressRecord struct {
	JobID       string   `json:"job_id"`
	Phase       string   `json:"phase"`
	Percent     float64  `json:"percent"`
	BytesTotal  int64    `json:"bytes_total,omitempty"`
	ETASeconds  *float64 `json:"eta_seconds,omitempty"`
	AssignedID  string   `json:"assigned_id,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Progress phase constants.
const (
	// PhaseQueued indicates the optimistic record exists.
	PhaseQueued = "queued"

	// PhaseUploading indicates bytes are being sent.
	PhaseUploading = "uploading"

	// PhaseAssigned indicates the server accepted the job.
	PhaseAssigned = "assigned"

	// PhaseRolledBack indicates the optimistic record was removed.
	PhaseRolledBack = "rolled_back"

	// PhaseCancelled indicates the user aborted the upload.
	PhaseCancelled = "cancelled"
)

// ChannelRecord reports a push channel state change.
type ChannelRecord struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// FileRecord describes one extracted file.
type FileRecord struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	SniffedAsImage bool   `json:"sniffed_as_image"`
	Source         string `json:"source,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole command,
// allowing partial results when some operations fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeValidation = "VALIDATION"
	ErrCodeTransport  = "TRANSPORT"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeParse      = "PARSE"
	ErrCodeInternal   = "INTERNAL"
)

// ErrorCode classifies err by its joberr kind.
func ErrorCode(err error) string {
	switch {
	case joberr.IsValidation(err):
		return ErrCodeValidation
	case joberr.IsCancelled(err):
		return ErrCodeCancelled
	case joberr.IsNotFound(err):
		return ErrCodeNotFound
	case joberr.IsParse(err):
		return ErrCodeParse
	case joberr.IsTransport(err):
		return ErrCodeTransport
	}
	return ErrCodeInternal
}

// ErrorFrom builds an error record for err.
func ErrorFrom(jobID string, err error) *ErrorRecord {
	return &ErrorRecord{Code: ErrorCode(err), Message: err.Error(), JobID: jobID}
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

package jobregistry

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of an analysis job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// rank orders the forward path. Failed shares the terminal rank.
func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded, StatusFailed:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether a job in status s may move to next.
//
// Transitions are monotonic forward; Failed is reachable from any
// non-terminal state and terminal states never change.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() || s.Terminal() || s == next {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// ParseStatus maps the server's status spellings onto Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "pending", "created":
		return StatusIdle, true
	case "queued", "waiting":
		return StatusQueued, true
	case "running", "processing", "in_progress", "started":
		return StatusRunning, true
	case "succeeded", "success", "completed", "done":
		return StatusSucceeded, true
	case "failed", "error", "failure":
		return StatusFailed, true
	}
	return "", false
}

// JobID identifies a job either by a locally generated placeholder
// (Pending) or by the server-assigned id (Assigned).
//
// The zero value is not a valid id.
type JobID struct {
	value    string
	assigned bool
}

// Pending returns a placeholder id for an optimistic record.
func Pending(localID string) JobID {
	return JobID{value: strings.TrimSpace(localID)}
}

// Assigned returns an id issued by the server.
func Assigned(serverID string) JobID {
	return JobID{value: strings.TrimSpace(serverID), assigned: true}
}

// String returns the raw id value.
func (id JobID) String() string { return id.value }

// IsZero reports whether the id is empty.
func (id JobID) IsZero() bool { return id.value == "" }

// IsPending reports whether id is a local placeholder.
func (id JobID) IsPending() bool { return !id.IsZero() && !id.assigned }

// IsAssigned reports whether id was issued by the server.
func (id JobID) IsAssigned() bool { return !id.IsZero() && id.assigned }

// ResultRow is one normalized result row. Every field is optional.
type ResultRow struct {
	StudyUID                   *string  `json:"study_uid,omitempty"`
	SeriesUID                  *string  `json:"series_uid,omitempty"`
	ProbabilityOfPathology     *float64 `json:"probability_of_pathology,omitempty"`
	ProbabilityOfAnomaly       *float64 `json:"probability_of_anomaly,omitempty"`
	MostDangerousPathologyType *string  `json:"most_dangerous_pathology_type,omitempty"`
	ProcessingTime             *float64 `json:"processing_time,omitempty"`
}

// ResultsPayload is the normalized analysis output for a job.
//
// A payload is treated as immutable once it is attached to a job.
type ResultsPayload struct {
	ParsedAt *time.Time        `json:"parsed_at,omitempty"`
	Summary  map[string]string `json:"summary"`
	Rows     []ResultRow       `json:"rows"`
}

// Job is the registry's record of one analysis job.
type Job struct {
	ID         JobID
	Status     Status
	Progress   float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TotalFiles int
	TotalBytes int64
	ETASeconds *float64
	Results    *ResultsPayload

	Title        string
	Description  string
	FileName     string
	PatientLabel string
	Tags         []string

	// Message is user-facing text for failures and cancellations.
	Message string
}

// Clone returns a copy that shares no mutable slices with j.
func (j Job) Clone() Job {
	out := j
	out.Tags = slices.Clone(j.Tags)
	if j.ETASeconds != nil {
		eta := *j.ETASeconds
		out.ETASeconds = &eta
	}
	return out
}

// Patch is a partial job. Only non-nil fields are merged.
type Patch struct {
	ID JobID

	Status     *Status
	Progress   *float64
	CreatedAt  *time.Time
	UpdatedAt  *time.Time
	TotalFiles *int
	TotalBytes *int64
	ETASeconds *float64
	Results    *ResultsPayload

	Title        *string
	Description  *string
	FileName     *string
	PatientLabel *string
	Tags         []string
	Message      *string
}

// PatchOf returns a patch carrying every set field of j under id.
func PatchOf(id JobID, j Job) Patch {
	p := Patch{
		ID:         id,
		Status:     Ptr(j.Status),
		ETASeconds: j.ETASeconds,
		Results:    j.Results,
		Tags:       slices.Clone(j.Tags),
	}
	if j.Progress != 0 {
		p.Progress = Ptr(j.Progress)
	}
	if j.TotalFiles != 0 {
		p.TotalFiles = Ptr(j.TotalFiles)
	}
	if j.TotalBytes != 0 {
		p.TotalBytes = Ptr(j.TotalBytes)
	}
	if !j.CreatedAt.IsZero() {
		p.CreatedAt = Ptr(j.CreatedAt)
	}
	if !j.UpdatedAt.IsZero() {
		p.UpdatedAt = Ptr(j.UpdatedAt)
	}
	if j.Title != "" {
		p.Title = Ptr(j.Title)
	}
	if j.Description != "" {
		p.Description = Ptr(j.Description)
	}
	if j.FileName != "" {
		p.FileName = Ptr(j.FileName)
	}
	if j.PatientLabel != "" {
		p.PatientLabel = Ptr(j.PatientLabel)
	}
	if j.Message != "" {
		p.Message = Ptr(j.Message)
	}
	return p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

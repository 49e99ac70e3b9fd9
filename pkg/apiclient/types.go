package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/studyflow/pkg/jobregistry"
)

// FlexID is a job identifier the server may send as a string or a number.
type FlexID string

// UnmarshalJSON accepts strings, integers and null.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("job id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// FlexTime is a timestamp that tolerates the backend's formats: RFC 3339 with
// or without a zone, with or without fractional seconds. Zoneless values are
// taken as UTC.
type FlexTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexTime) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTime parses s using the layouts FlexTime accepts.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return v, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// JobDocument is the server's representation of a job.
type JobDocument struct {
	ID          FlexID `json:"id"`
	UUID        FlexID `json:"uuid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`

	CreatedAt FlexTime `json:"created_at"`
	UpdatedAt FlexTime `json:"updated_at"`

	Progress   *float64 `json:"progress"`
	TotalFiles *int     `json:"total_files"`
	ETASeconds *float64 `json:"eta_seconds"`

	PatientLabel string   `json:"patient_label"`
	Tags         []string `json:"tags"`
	Message      string   `json:"message"`

	// ResultsPayload is the embedded results object, if the backend has
	// already parsed one. It may be encoded as a JSON string.
	ResultsPayload  json.RawMessage `json:"results_payload"`
	ResultsParsedAt FlexTime        `json:"results_parsed_at"`
}

// JobID returns the assigned id, preferring "id" over "uuid".
func (d JobDocument) JobID() string {
	if d.ID != "" {
		return string(d.ID)
	}
	return string(d.UUID)
}

// HasResults reports whether a non-empty results payload is embedded.
func (d JobDocument) HasResults() bool {
	trimmed := bytes.TrimSpace(d.ResultsPayload)
	return len(trimmed) > 0 && string(trimmed) != "null" && string(trimmed) != `""`
}

// Patch converts d into a registry patch keyed by the assigned id. Only
// fields the server supplied are set. Unknown status spellings are left out.
// Results are not converted here; see results.FromDocument.
func (d JobDocument) Patch() jobregistry.Patch {
	p := jobregistry.Patch{ID: jobregistry.Assigned(d.JobID())}

	if s, ok := jobregistry.ParseStatus(d.Status); ok {
		p.Status = &s
	}
	if d.Progress != nil {
		p.Progress = jobregistry.Ptr(*d.Progress)
	}
	if d.TotalFiles != nil {
		p.TotalFiles = jobregistry.Ptr(*d.TotalFiles)
	}
	if d.FileSize > 0 {
		p.TotalBytes = jobregistry.Ptr(d.FileSize)
	}
	if d.ETASeconds != nil {
		p.ETASeconds = jobregistry.Ptr(*d.ETASeconds)
	}
	if !d.CreatedAt.IsZero() {
		p.CreatedAt = jobregistry.Ptr(d.CreatedAt.Time)
	}
	if !d.UpdatedAt.IsZero() {
		p.UpdatedAt = jobregistry.Ptr(d.UpdatedAt.Time)
	}
	if d.Title != "" {
		p.Title = jobregistry.Ptr(d.Title)
	}
	if d.Description != "" {
		p.Description = jobregistry.Ptr(d.Description)
	}
	if d.FileName != "" {
		p.FileName = jobregistry.Ptr(d.FileName)
	}
	if d.PatientLabel != "" {
		p.PatientLabel = jobregistry.Ptr(d.PatientLabel)
	}
	if d.Tags != nil {
		p.Tags = d.Tags
	}
	if d.Message != "" {
		p.Message = jobregistry.Ptr(d.Message)
	}
	return p
}

// ResultsDocument is the body of GET /jobs/{id}/results.
type ResultsDocument struct {
	JobID    FlexID          `json:"job_id"`
	ParsedAt FlexTime        `json:"parsed_at"`
	Results  json.RawMessage `json:"results"`
	Source   string          `json:"source,omitempty"`
}

// jobList accepts a bare array or a {"results": [...]} wrapper.
type jobList []JobDocument

func (l *jobList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var docs []JobDocument
		if err := json.Unmarshal(b, &docs); err != nil {
			return err
		}
		*l = docs
		return nil
	}
	var wrapped struct {
		Results []JobDocument `json:"results"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	*l = wrapped.Results
	return nil
}

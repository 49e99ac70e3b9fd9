// Package manifest records what was submitted for a job so the exact same
// file set can be resubmitted later.
//
// A submission manifest is a YAML file written next to the cached job record
// when an upload is accepted. Retrying a failed job reads it back, re-reads
// every listed file and checks that none of them changed.
//
// Manifests are validated against an embedded JSON Schema before use.
//
// Example manifest:
//
//	version: "1.0"
//	job_id: "42"
//	submitted_at: 2026-02-01T10:00:00Z
//	title: Head CT
//	primary:
//	  name: study.zip
//	  size: 1048576
//	  bundled: false
//	files:
//	  - path: /data/exports/study.zip
//	    size: 1048576
//	    sha256: 9f86d08...
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Submission is a validated submission manifest.
type Submission struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// JobID is the server-assigned job id. Empty until the server accepts
	// the upload.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`

	// SubmittedAt is when the upload started.
	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`

	Title        string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	PatientLabel string   `json:"patient_label,omitempty" yaml:"patient_label,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Primary describes the single file sent to the server.
	Primary PrimaryFile `json:"primary" yaml:"primary"`

	// Files lists the picked files in selection order.
	Files []FileEntry `json:"files" yaml:"files"`
}

// PrimaryFile describes the uploaded body.
type PrimaryFile struct {
	Name string `json:"name" yaml:"name"`
	Size int64  `json:"size" yaml:"size"`

	// Bundled is true when several picked files were packed into one zip.
	Bundled bool `json:"bundled,omitempty" yaml:"bundled,omitempty"`
}

// FileEntry is one picked file.
type FileEntry struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// ApplyDefaults fills in default values for optional fields.
func (s *Submission) ApplyDefaults() {
	if s.Version == "" {
		s.Version = DefaultVersion
	}
	if s.Files == nil {
		s.Files = []FileEntry{}
	}
}

// Entry describes data read from path.
func Entry(path string, data []byte) FileEntry {
	return FileEntry{Path: path, Size: int64(len(data)), SHA256: Digest(data)}
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

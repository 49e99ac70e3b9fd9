// Package resource fetches the files behind an existing job so they can be
// reassembled and fed to the archive extractor.
//
// A reference is either a server job id (the backend's /jobs/{id}/file
// endpoint) or an s3://bucket/key URI for studies kept in S3-compatible
// storage. A URI ending in "/" names a prefix and yields every accepted
// object below it.
package resource

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/joberr"
)

// Kind identifies where a resource lives.
type Kind string

const (
	// KindJob is a file held by the analysis backend.
	KindJob Kind = "job"

	// KindS3 is an object (or prefix) in S3-compatible storage.
	KindS3 Kind = "s3"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Ref names one resource.
type Ref struct {
	Kind Kind

	// JobID is set for KindJob.
	JobID string

	// Bucket and Key are set for KindS3.
	Bucket string
	Key    string
}

// IsPrefix reports whether an S3 ref names a prefix rather than one object.
func (r Ref) IsPrefix() bool {
	return r.Kind == KindS3 && (r.Key == "" || strings.HasSuffix(r.Key, "/"))
}

func (r Ref) String() string {
	if r.Kind == KindS3 {
		return "s3://" + r.Bucket + "/" + r.Key
	}
	return r.JobID
}

// Parse reads "s3://bucket/key", "job:<id>" or a bare job id.
func Parse(raw string) (Ref, error) {
	const op = "ParseResource"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, joberr.Validation(op, "resource reference is empty")
	}

	if strings.HasPrefix(raw, "s3://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Ref{}, joberr.Wrap(op, "", joberr.ErrValidation, err)
		}
		if u.Host == "" {
			return Ref{}, joberr.Validation(op, fmt.Sprintf("missing bucket in %q", raw))
		}
		return Ref{Kind: KindS3, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	}
	if strings.Contains(raw, "://") {
		return Ref{}, joberr.Validation(op, fmt.Sprintf("unsupported scheme in %q", raw))
	}

	id := strings.TrimPrefix(raw, "job:")
	if id == "" || strings.ContainsAny(id, `/\`) {
		return Ref{}, joberr.Validation(op, fmt.Sprintf("invalid job id %q", raw))
	}
	return Ref{Kind: KindJob, JobID: id}, nil
}

// Source fetches the blobs behind a reference.
type Source interface {
	Fetch(ctx context.Context, ref Ref) ([]archive.Blob, error)
}

// Router dispatches a reference to the source registered for its kind.
type Router struct {
	sources map[Kind]Source
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[Kind]Source)}
}

// Handle registers src for kind.
func (r *Router) Handle(kind Kind, src Source) *Router {
	r.sources[kind] = src
	return r
}

// Fetch implements Source.
func (r *Router) Fetch(ctx context.Context, ref Ref) ([]archive.Blob, error) {
	src, ok := r.sources[ref.Kind]
	if !ok {
		return nil, joberr.Validation("FetchResource", fmt.Sprintf("no source configured for %s references", ref.Kind))
	}
	return src.Fetch(ctx, ref)
}

// Load fetches ref and extracts its images.
func Load(ctx context.Context, src Source, ext *archive.Extractor, ref Ref) ([]archive.File, error) {
	blobs, err := src.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		ext = archive.New()
	}
	files, err := ext.Extract(ctx, blobs)
	if err != nil {
		return nil, err
	}
	return files, nil
}

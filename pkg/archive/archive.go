// Package archive turns uploaded blobs into a flat, order-preserving list of
// candidate image files.
//
// Archives (.zip) are opened and their entries flattened to the trailing
// path segment. Every other blob is passed through as a single candidate.
// Whether a candidate is an image is decided by Sniff, which looks at the
// name and at the DICOM preamble, never at the folder it came from.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/match"
)

const (
	// preambleLen is the size of the DICOM file preamble.
	preambleLen = 128

	// magic follows the preamble in a Part 10 file.
	magic = "DICM"

	// MinSniffLen is the shortest buffer that can be recognized by content.
	MinSniffLen = preambleLen + len(magic)

	// DefaultMaxEntrySize caps a single decompressed archive entry.
	DefaultMaxEntrySize int64 = 2 << 30
)

// Blob is one user-supplied input.
type Blob struct {
	Name string
	Data []byte
}

// File is an extracted candidate.
type File struct {
	// Name is the flattened name (trailing path segment).
	Name string

	// Data is the decompressed content.
	Data []byte

	// SniffedAsImage is Sniff(Data, Name).
	SniffedAsImage bool
}

// Size returns len(Data).
func (f File) Size() int64 { return int64(len(f.Data)) }

// Sniff and IsArchive judge by extension alone, so dotfiles count.
var (
	images   = match.MustNew(match.Config{Includes: match.ImagePatterns, IncludeHidden: true})
	archives = match.MustNew(match.Config{Includes: match.ArchivePatterns, IncludeHidden: true})
)

// Sniff reports whether data named name looks like a DICOM image.
//
// The name matches case-insensitively against the image extensions; failing
// that, the buffer must be at least MinSniffLen bytes with "DICM" at offset
// 128. Shorter buffers can only match by name.
func Sniff(data []byte, name string) bool {
	if images.Match(name) {
		return true
	}
	if len(data) < MinSniffLen {
		return false
	}
	return string(data[preambleLen:MinSniffLen]) == magic
}

// IsArchive reports whether name has a recognized archive extension.
func IsArchive(name string) bool {
	return archives.Match(name)
}

// Extractor expands blobs into candidate files.
type Extractor struct {
	maxEntrySize int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxEntrySize caps the decompressed size of one archive entry.
func WithMaxEntrySize(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxEntrySize = n
		}
	}
}

// New returns an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{maxEntrySize: DefaultMaxEntrySize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract expands blobs using a default Extractor.
func Extract(ctx context.Context, blobs []Blob) ([]File, error) {
	return New().Extract(ctx, blobs)
}

// Extract returns archive entries in iteration order, standalone blobs in
// input order. Directory entries are skipped; duplicate names are kept.
func (e *Extractor) Extract(ctx context.Context, blobs []Blob) ([]File, error) {
	var out []File
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, joberr.Wrap("Extract", "", joberr.ErrCancelled, err)
		}
		if !IsArchive(b.Name) {
			out = append(out, newFile(match.BaseName(b.Name), b.Data))
			continue
		}
		entries, err := e.expand(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (e *Extractor) expand(ctx context.Context, b Blob) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(b.Data), int64(len(b.Data)))
	if err != nil {
		return nil, joberr.Wrap("Extract", "", joberr.ErrParse, fmt.Errorf("open archive %s: %w", b.Name, err))
	}

	out := make([]File, 0, len(zr.File))
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, joberr.Wrap("Extract", "", joberr.ErrCancelled, err)
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		name := match.BaseName(zf.Name)
		if name == "" {
			continue
		}
		data, err := e.readEntry(zf)
		if err != nil {
			return nil, joberr.Wrap("Extract", "", joberr.ErrParse, fmt.Errorf("read %s in %s: %w", zf.Name, b.Name, err))
		}
		out = append(out, newFile(name, data))
	}
	return out, nil
}

func (e *Extractor) readEntry(zf *zip.File) ([]byte, error) {
	if zf.UncompressedSize64 > uint64(e.maxEntrySize) {
		return nil, fmt.Errorf("entry exceeds %d bytes", e.maxEntrySize)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, e.maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > e.maxEntrySize {
		return nil, fmt.Errorf("entry exceeds %d bytes", e.maxEntrySize)
	}
	return data, nil
}

func newFile(name string, data []byte) File {
	return File{Name: name, Data: data, SniffedAsImage: Sniff(data, name)}
}

// Images returns the files that sniffed as images, preserving order.
func Images(files []File) []File {
	out := make([]File, 0, len(files))
	for _, f := range files {
		if f.SniffedAsImage {
			out = append(out, f)
		}
	}
	return out
}

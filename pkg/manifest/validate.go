package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/studyflow/pkg/match"
)

// ErrValidationFailed is wrapped by every Problems value.
var ErrValidationFailed = errors.New("submission manifest validation failed")

// Problem is one reason a manifest cannot be used for a resubmission.
type Problem struct {
	// Path is a JSON pointer into the manifest, e.g. "/files/0/path".
	Path    string
	Message string
}

func (p Problem) Error() string {
	if p.Path == "" {
		return p.Message
	}
	return p.Path + ": " + p.Message
}

// Problems collects every Problem found in one manifest.
type Problems []Problem

func (ps Problems) Error() string {
	switch len(ps) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return ps[0].Error()
	}
	msgs := make([]string, len(ps))
	for i, p := range ps {
		msgs[i] = "  - " + p.Error()
	}
	return fmt.Sprintf("%s (%d problems):\n%s", ErrValidationFailed, len(ps), strings.Join(msgs, "\n"))
}

func (ps Problems) Unwrap() error { return ErrValidationFailed }

// Validate checks s against the submission schema and then checks that the
// primary file is consistent with the picked files.
func Validate(s *Submission) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("serialize submission manifest: %w", err)
	}
	if err := checkSchema(data); err != nil {
		return err
	}
	return checkPrimary(s)
}

// checkPrimary verifies the primary/files relationship the upload path
// produces: one picked file is sent as-is under its base name, several are
// bundled into one zip.
func checkPrimary(s *Submission) error {
	var ps Problems
	p := s.Primary

	if strings.ContainsAny(p.Name, `/\`) {
		ps = append(ps, Problem{Path: "/primary/name", Message: "must be a file name, not a path"})
	}

	if p.Bundled {
		if len(s.Files) < 2 {
			ps = append(ps, Problem{Path: "/primary/bundled", Message: fmt.Sprintf("a bundle needs at least 2 files, got %d", len(s.Files))})
		}
		if !match.Archives().Match(p.Name) {
			ps = append(ps, Problem{Path: "/primary/name", Message: fmt.Sprintf("bundle %q is not a zip archive", p.Name)})
		}
	} else {
		switch len(s.Files) {
		case 0:
		case 1:
			f := s.Files[0]
			if base := match.BaseName(f.Path); base != p.Name {
				ps = append(ps, Problem{Path: "/primary/name", Message: fmt.Sprintf("%q does not match file %q", p.Name, base)})
			}
			if f.Size != p.Size {
				ps = append(ps, Problem{Path: "/primary/size", Message: fmt.Sprintf("%d does not match file size %d", p.Size, f.Size)})
			}
		default:
			ps = append(ps, Problem{Path: "/primary/bundled", Message: fmt.Sprintf("%d files must be bundled", len(s.Files))})
		}
	}

	if len(ps) == 0 {
		return nil
	}
	return ps
}

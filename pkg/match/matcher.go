package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Default pattern sets.
var (
	// ImagePatterns match single-file DICOM images by extension.
	ImagePatterns = []string{"*.dcm", "*.dicom"}

	// ArchivePatterns match compressed containers the extractor can open.
	ArchivePatterns = []string{"*.zip"}

	// UploadPatterns match everything the client accepts for upload.
	UploadPatterns = append(append([]string{}, ImagePatterns...), ArchivePatterns...)
)

// Matcher evaluates patterns against file names.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: name must match at least one
//   - Exclude patterns: name must not match any
//
// Only the trailing path segment is matched, lowercased. The Matcher is safe
// for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that names must match (at least one).
	// Required: at least one include pattern must be specified.
	Includes []string

	// Excludes are glob patterns that names must not match (any).
	Excludes []string

	// IncludeHidden controls whether dotfiles are matched.
	// Default: false (hidden files are excluded).
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a new Matcher from the given configuration.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// MustNew is like New but panics on error. It is meant for the built-in
// pattern sets.
func MustNew(cfg Config) *Matcher {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// Upload returns a matcher for UploadPatterns.
func Upload() *Matcher { return MustNew(Config{Includes: UploadPatterns}) }

// Images returns a matcher for ImagePatterns.
func Images() *Matcher { return MustNew(Config{Includes: ImagePatterns}) }

// Archives returns a matcher for ArchivePatterns.
func Archives() *Matcher { return MustNew(Config{Includes: ArchivePatterns}) }

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		normalized := NormalizePattern(p)
		if normalized == "" {
			continue
		}
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match returns true if name matches the include/exclude patterns.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	if !m.includeHidden && IsHidden(name) {
		return false
	}

	base := NormalizeName(name)
	if base == "" {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, base) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, base) {
			return false
		}
	}
	return true
}

// Filter returns the names that match, preserving order.
func (m *Matcher) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if m.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// NormalizeName returns the lowercased trailing segment of name.
func NormalizeName(name string) string {
	return strings.ToLower(BaseName(name))
}

// matchPattern matches a name against a doublestar pattern.
func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// Pattern was validated at construction time, so this shouldn't happen
		return false
	}
	return matched
}

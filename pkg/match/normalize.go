// Package match decides which picked files the client accepts for upload
// and which archive entries count as candidate images.
//
// Patterns use doublestar semantics and are matched case-insensitively
// against the trailing segment of a file name.
package match

import (
	"strings"
)

// globEscapable contains glob metacharacters that may be escaped with '\'.
const globEscapable = "*?[]{}\\"

// NormalizePattern lowercases a pattern and converts Windows-style separators
// to '/' while preserving escape sequences for glob metacharacters.
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(strings.ToLower(strings.TrimSpace(pattern)))
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			result.WriteRune('/')
			continue
		}

		if r == '\\' {
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// BaseName returns the trailing path segment of name, accepting both '/'
// and '\' as separators.
func BaseName(name string) string {
	name = strings.TrimRight(name, `/\`)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// IsHidden reports whether the trailing segment of name starts with '.'
// (dotfiles, macOS resource forks).
func IsHidden(name string) bool {
	return strings.HasPrefix(BaseName(name), ".")
}

// Package sanitize normalizes identifiers and confines paths to a root.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxIdentifierLength bounds skill names and other on-disk identifiers.
	MaxIdentifierLength = 64

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "skill"
)

var (
	// ErrPathEscape indicates a path resolves outside its root.
	ErrPathEscape = errors.New("path escapes root")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// Identifier lowercases s, replaces anything outside [a-z0-9_] with an
// underscore, collapses runs and truncates long results with a hash suffix.
//
//	"Add Two Numbers!" -> "add_two_numbers"
//	"" or "!!!"        -> "skill"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevUnderscore := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		sum := sha256.Sum256([]byte(out))
		suffix := "_" + hex.EncodeToString(sum[:])[:8]
		out = strings.TrimRight(out[:MaxIdentifierLength-len(suffix)], "_") + suffix
	}
	return out
}

// Confine resolves path against root and returns the absolute result if it
// stays inside root. Relative paths are taken relative to root. Symlinks on
// the existing prefix of the path are followed, so a link inside root that
// points outside is an escape. "~" is never expanded and always escapes.
func Confine(path, root string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(path, "~") {
		return "", fmt.Errorf("%w: home-relative path %q", ErrPathEscape, path)
	}

	absRoot, err := resolveExisting(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := resolveExisting(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if !Within(resolved, absRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, path)
	}
	return resolved, nil
}

// Within reports whether the absolute, clean path p is root or below it.
func Within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting makes p absolute and evaluates symlinks on the longest
// prefix of p that exists. The missing remainder is appended unchanged.
func resolveExisting(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing, rest := abs, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, rest), nil
}

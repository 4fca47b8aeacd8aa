package filestore

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName is returned for upload names that are empty, hidden or
// attempt to escape the video root.
var ErrInvalidName = errors.New("filestore: invalid file name")

const maxNameBytes = 255

var nameTransformer = transform.Chain(
	norm.NFC,
	runes.Remove(runes.Predicate(func(r rune) bool {
		return unicode.IsControl(r) || r == utf8.RuneError
	})),
)

// SanitizeFileName reduces a client supplied file name to a single safe path
// element. Backslashes are treated as separators, any ".." element is rejected
// outright, and only the final element is kept. The result is NFC normalized
// with control characters stripped.
func SanitizeFileName(name string) (string, error) {
	unified := strings.ReplaceAll(name, "\\", "/")
	parts := strings.Split(unified, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == ".." {
			return "", fmt.Errorf("%w: path traversal in %q", ErrInvalidName, name)
		}
	}
	base := parts[len(parts)-1]

	cleaned, _, err := transform.String(nameTransformer, base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	cleaned = strings.TrimSpace(cleaned)
	switch {
	case cleaned == "":
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	case strings.HasPrefix(cleaned, "."):
		return "", fmt.Errorf("%w: hidden name %q", ErrInvalidName, cleaned)
	case strings.ContainsRune(cleaned, ':'):
		return "", fmt.Errorf("%w: drive or stream designator in %q", ErrInvalidName, cleaned)
	}
	if len(cleaned) > maxNameBytes {
		cleaned = truncateName(cleaned, maxNameBytes)
	}
	return cleaned, nil
}

// truncateName shortens the stem so the extension survives, without splitting
// a multi-byte rune.
func truncateName(name string, limit int) string {
	ext := ""
	if idx := strings.LastIndexByte(name, '.'); idx > 0 && len(name)-idx <= 16 {
		ext = name[idx:]
		name = name[:idx]
	}
	budget := limit - len(ext)
	for len(name) > budget {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name + ext
}

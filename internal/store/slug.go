// ABOUTME: Slug derivation for conversation URLs
// ABOUTME: Builds a short kebab-case slug from the first user message

package store

import (
	"strconv"
	"strings"
	"unicode"
)

const (
	slugMaxWords    = 6
	slugMaxLen      = 48
	slugFallback    = "conversation"
	slugMaxAttempts = 1000
)

// Slugify lowercases s, collapses every run of non-alphanumerics to a single
// dash and keeps at most six words and 48 bytes.
func Slugify(s string) string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			cur.WriteRune(r)
			continue
		}
		flush()
		if len(words) >= slugMaxWords {
			break
		}
	}
	flush()

	if len(words) > slugMaxWords {
		words = words[:slugMaxWords]
	}
	slug := strings.Join(words, "-")
	if len(slug) > slugMaxLen {
		slug = strings.TrimRight(slug[:slugMaxLen], "-")
	}
	if slug == "" {
		return slugFallback
	}
	return slug
}

// slugCandidate returns the n-th candidate for base: base, base-2, base-3...
func slugCandidate(base string, n int) string {
	if n <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(n)
}

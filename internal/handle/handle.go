// Package handle canonicalises user handles.
package handle

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	MinLength = 3
	MaxLength = 24
	fallback  = "user"
)

// Fold returns s with diacritics stripped and case folded, for
// case-insensitive comparisons of names and handles.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

// Canonical maps an arbitrary string onto [a-z0-9_], collapsing runs of
// other characters into a single underscore. The result may be empty.
func Canonical(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range Fold(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
		if b.Len() >= MaxLength {
			break
		}
	}
	out := b.String()
	if len(out) > MaxLength {
		out = out[:MaxLength]
	}
	return strings.Trim(out, "_")
}

// Derive picks a handle from the first usable candidate: the requested
// handle, then the display name, then the local part of the email.
func Derive(requested, name, email string) string {
	local, _, _ := strings.Cut(email, "@")
	for _, candidate := range []string{requested, name, local} {
		if h := Canonical(candidate); len(h) >= MinLength {
			return h
		}
	}
	return fallback
}

// WithSuffix returns base with a numeric suffix, trimmed to fit MaxLength.
func WithSuffix(base string, n int) string {
	suffix := "_" + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxLength {
		base = strings.TrimRight(base[:MaxLength-len(suffix)], "_")
	}
	return base + suffix
}

package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// FoldIdentity canonicalizes a user-supplied identity for comparison:
// trimmed, NFKC-normalized and Unicode case-folded.
func FoldIdentity(s string) string {
	return cases.Fold().String(Normalize(strings.TrimSpace(s)))
}

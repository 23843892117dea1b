// Package normalize holds the pure string transforms applied to extracted
// entity names before resolution. No I/O, no state.
package normalize

import (
	"regexp"
	"strings"
)

// legalSuffixes matches legal-entity suffixes on word boundaries, optionally
// followed by a trailing period. Word boundaries keep substrings of longer
// words (e.g. "Corporation") intact.
var legalSuffixes = regexp.MustCompile(
	`(?i)\b(SA|SARL|SAS|SASU|EURL|SNC|GmbH|AG|BV|NV|Ltd|LLC|Inc|PLC)\b\.?`)

// leadingQty matches a leading quantity-and-unit token on material names,
// e.g. "50kg ", "2.5t ", "25m ".
var leadingQty = regexp.MustCompile(`(?i)^\d+[\s,.]?\d*\s*(kg|t|m|l)\s+`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// Supplier normalizes a supplier name: strip legal suffixes, collapse
// whitespace, uppercase. Idempotent.
func Supplier(name string) string {
	n := legalSuffixes.ReplaceAllString(name, "")
	return collapse(n)
}

// Material normalizes a material description: strip a leading quantity token,
// drop everything after the first " - " separator (operational annotations),
// collapse whitespace, uppercase. Idempotent.
func Material(name string) string {
	n := leadingQty.ReplaceAllString(name, "")
	if i := strings.Index(n, " - "); i >= 0 {
		n = n[:i]
	}
	return collapse(n)
}

func collapse(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.ToUpper(strings.TrimSpace(s))
}

// Package resolve maps raw extracted values to canonical forms. Resolution is
// applied at read time over query results; stored raw values are never
// rewritten by this package.
package resolve

import (
	"sort"
)

// Value resolves a raw value against an exact-match table and an optional
// prefix table. Exact match wins over prefix; among prefixes the longest
// match wins. An unmatched value passes through unchanged.
func Value(value string, mappings map[string]string, prefixMappings map[string]string) string {
	if canonical, ok := mappings[value]; ok {
		return canonical
	}
	if len(prefixMappings) > 0 {
		best := ""
		for prefix := range prefixMappings {
			if len(prefix) <= len(value) && value[:len(prefix)] == prefix {
				if len(prefix) > len(best) || (len(prefix) == len(best) && prefix < best) {
					best = prefix
				}
			}
		}
		if best != "" {
			return prefixMappings[best]
		}
	}
	return value
}

// NullableValue is Value for optional columns: a nil input (the missing-data
// marker) passes through as nil, never resolved and never an error.
func NullableValue(value *string, mappings map[string]string, prefixMappings map[string]string) *string {
	if value == nil {
		return nil
	}
	resolved := Value(*value, mappings, prefixMappings)
	return &resolved
}

// ExpandCanonical returns all raw aliases of a canonical value plus the
// canonical value itself, deduplicated and lexicographically sorted. With no
// known aliases the result is the canonical value alone.
func ExpandCanonical(canonical string, reverse map[string][]string) []string {
	seen := map[string]bool{canonical: true}
	out := []string{canonical}
	for _, raw := range reverse[canonical] {
		if !seen[raw] {
			seen[raw] = true
			out = append(out, raw)
		}
	}
	sort.Strings(out)
	return out
}

package autoresolve

import (
	"github.com/agnivade/levenshtein"
)

// Ratio scores the similarity of two strings as a normalized edit-distance
// ratio in [0,100]. 100 means identical, 0 means nothing in common.
func Ratio(a, b string) float64 {
	if a == b {
		return 100
	}
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (1 - float64(dist)/float64(maxLen)) * 100
}

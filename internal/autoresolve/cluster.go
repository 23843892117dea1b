// Package autoresolve clusters near-duplicate raw values for an entity type
// and proposes canonical mappings: strong matches are merged automatically,
// weaker ones are queued for human review.
package autoresolve

import (
	"sort"
)

// ValueCount is one distinct raw value and how often it occurs in the data.
type ValueCount struct {
	Value string
	Count int
}

// Cluster is a group of near-duplicate raw values. Canonical is the member
// elected by occurrence vote; Confidence is the strongest pairwise similarity
// found while building the group, in [0,1].
type Cluster struct {
	Canonical  string
	Aliases    []string
	Confidence float64
}

// ClusterValues groups values whose similarity to a seed value reaches
// reviewThreshold (in [0,1]). Similarity is computed on norm(value) so that
// case and formatting noise does not mask duplicates; the cluster members
// stay the original raw strings. Singletons produce no cluster.
//
// The pass is deterministic: values are visited in sorted order and the
// canonical vote breaks ties by higher count, then lexicographic order.
func ClusterValues(values []ValueCount, norm func(string) string, reviewThreshold float64) []Cluster {
	if norm == nil {
		norm = func(s string) string { return s }
	}

	sorted := make([]ValueCount, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	normed := make(map[string]string, len(sorted))
	for _, v := range sorted {
		normed[v.Value] = norm(v.Value)
	}

	var clusters []Cluster
	used := make(map[string]bool, len(sorted))

	for i, seed := range sorted {
		if used[seed.Value] {
			continue
		}

		members := []ValueCount{seed}
		best := 0.0
		for _, cand := range sorted[i+1:] {
			if used[cand.Value] {
				continue
			}
			score := Ratio(normed[seed.Value], normed[cand.Value])
			if score < reviewThreshold*100 {
				continue
			}
			members = append(members, cand)
			if score > best {
				best = score
			}
		}
		if len(members) == 1 {
			continue
		}

		canonical := electCanonical(members)
		aliases := make([]string, 0, len(members)-1)
		for _, m := range members {
			used[m.Value] = true
			if m.Value != canonical {
				aliases = append(aliases, m.Value)
			}
		}
		sort.Strings(aliases)

		clusters = append(clusters, Cluster{
			Canonical:  canonical,
			Aliases:    aliases,
			Confidence: best / 100,
		})
	}
	return clusters
}

// electCanonical picks the most frequent member; ties prefer the
// lexicographically smaller value so repeated runs agree.
func electCanonical(members []ValueCount) string {
	winner := members[0]
	for _, m := range members[1:] {
		if m.Count > winner.Count || (m.Count == winner.Count && m.Value < winner.Value) {
			winner = m
		}
	}
	return winner.Value
}

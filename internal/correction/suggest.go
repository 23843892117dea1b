// Package correction implements the human-correction workflow: applying a
// verified value to a line field, suggesting fixes from past corrections,
// and propagating one fix to every line still carrying the same mistake.
package correction

import (
	"github.com/atrium-data/rationalize/internal/model"
)

// Suggest scans the correction history for applied entries matching the
// field and raw value and returns the most frequently chosen replacement.
// Ties break by first-seen order in the history sequence. Returns nil when
// no history matches; callers must not substitute a default.
func Suggest(field model.Field, rawValue string, history []model.Correction) *string {
	counts := map[string]int{}
	firstSeen := map[string]int{}
	for i, c := range history {
		if c.Field != field || c.Status != model.CorrectionApplied {
			continue
		}
		if c.OldValue == nil || *c.OldValue != rawValue || c.NewValue == nil {
			continue
		}
		v := *c.NewValue
		if _, seen := counts[v]; !seen {
			firstSeen[v] = i
		}
		counts[v]++
	}
	if len(counts) == 0 {
		return nil
	}

	var best string
	bestCount := -1
	for v, n := range counts {
		if n > bestCount || (n == bestCount && firstSeen[v] < firstSeen[best]) {
			best, bestCount = v, n
		}
	}
	return &best
}

// Eligible filters propagation candidates down to the lines still worth
// overwriting: the field's current value equals rawValue exactly AND its
// confidence is below the threshold or missing. Lines a separate extraction
// already got right with high confidence are left alone, as are deleted
// lines.
func Eligible(field model.Field, rawValue string, candidates []model.LineItem, threshold float64) []model.LineItem {
	var out []model.LineItem
	for _, line := range candidates {
		if line.Deleted {
			continue
		}
		v, ok := line.Value(field)
		if !ok || v != rawValue {
			continue
		}
		if conf := line.Confidence.Get(field); conf != nil && *conf >= threshold {
			continue
		}
		out = append(out, line)
	}
	return out
}

// WeakFields lists the fields of a line whose confidence sits below the
// threshold. A missing confidence counts as weak.
func WeakFields(line *model.LineItem, threshold float64) []model.Field {
	var out []model.Field
	for _, f := range model.Fields() {
		if conf := line.Confidence.Get(f); conf == nil || *conf < threshold {
			out = append(out, f)
		}
	}
	return out
}

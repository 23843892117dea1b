package rules

import (
	"fmt"
	"math"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/resolve"
)

// Snapshot is the read-only input to one detection pass. Scope holds the
// documents being evaluated, lines populated. All holds the full document
// population for cross-document rules (duplicates, price history); when
// empty, Scope doubles as the population.
type Snapshot struct {
	Scope []model.Document
	All   []model.Document

	MaterialExact  map[string]string
	MaterialPrefix map[string]string
}

func (s *Snapshot) population() []model.Document {
	if len(s.All) > 0 {
		return s.All
	}
	return s.Scope
}

func (s *Snapshot) resolveMaterial(raw string) string {
	return resolve.Value(raw, s.MaterialExact, s.MaterialPrefix)
}

type handler func(snap *Snapshot, r Rule) []model.Anomaly

var handlers = map[string]handler{
	TypeCalcCoherence: checkCalcCoherence,
	TypeDateOrder:     checkDateOrder,
	TypeLowConfidence: checkLowConfidence,
	TypeDuplicateDoc:  checkDuplicateDocuments,
	TypePriceDrift:    checkPriceDrift,
}

// checkCalcCoherence flags lines where unit price times quantity strays from
// the line total by more than the tolerance. Lines missing any of the three
// values pass vacuously.
func checkCalcCoherence(snap *Snapshot, r Rule) []model.Anomaly {
	tolerance := r.Tolerance
	if tolerance == 0 {
		tolerance = 0.01
	}
	var out []model.Anomaly
	for _, doc := range snap.Scope {
		for i := range doc.Lines {
			line := &doc.Lines[i]
			if line.Deleted || line.UnitPrice == nil || line.Quantity == nil || line.LineTotal == nil {
				continue
			}
			if *line.LineTotal == 0 {
				continue
			}
			expected := *line.UnitPrice * *line.Quantity
			gap := math.Abs(expected-*line.LineTotal) / math.Abs(*line.LineTotal)
			if gap <= tolerance {
				continue
			}
			lineID := line.ID
			out = append(out, model.Anomaly{
				DocumentID: doc.ID,
				LineID:     &lineID,
				RuleID:     r.ID,
				RuleType:   r.Type,
				Severity:   r.Severity,
				Description: fmt.Sprintf("unit price %.2f x quantity %.2f = %.2f differs from line total %.2f by %.1f%%",
					*line.UnitPrice, *line.Quantity, expected, *line.LineTotal, gap*100),
				Expected: fmt.Sprintf("%.2f", expected),
				Found:    fmt.Sprintf("%.2f", *line.LineTotal),
			})
		}
	}
	return out
}

// checkDateOrder flags lines whose arrival date precedes the departure date.
// Lines missing either date pass vacuously.
func checkDateOrder(snap *Snapshot, r Rule) []model.Anomaly {
	var out []model.Anomaly
	for _, doc := range snap.Scope {
		for i := range doc.Lines {
			line := &doc.Lines[i]
			if line.Deleted || line.DepartureDate == nil || line.ArrivalDate == nil {
				continue
			}
			if !line.ArrivalDate.Before(*line.DepartureDate) {
				continue
			}
			lineID := line.ID
			out = append(out, model.Anomaly{
				DocumentID: doc.ID,
				LineID:     &lineID,
				RuleID:     r.ID,
				RuleType:   r.Type,
				Severity:   r.Severity,
				Description: fmt.Sprintf("arrival date %s precedes departure date %s",
					line.ArrivalDate.Format(model.DateLayout), line.DepartureDate.Format(model.DateLayout)),
				Expected: ">= " + line.DepartureDate.Format(model.DateLayout),
				Found:    line.ArrivalDate.Format(model.DateLayout),
			})
		}
	}
	return out
}

// checkLowConfidence flags documents whose global confidence sits strictly
// below the threshold. Documents with no confidence pass vacuously.
func checkLowConfidence(snap *Snapshot, r Rule) []model.Anomaly {
	threshold := r.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.6
	}
	var out []model.Anomaly
	for _, doc := range snap.Scope {
		if doc.GlobalConfidence == nil || *doc.GlobalConfidence >= threshold {
			continue
		}
		out = append(out, model.Anomaly{
			DocumentID:  doc.ID,
			RuleID:      r.ID,
			RuleType:    r.Type,
			Severity:    r.Severity,
			Description: fmt.Sprintf("global confidence %.2f below threshold %.2f", *doc.GlobalConfidence, threshold),
			Expected:    fmt.Sprintf(">= %.2f", threshold),
			Found:       fmt.Sprintf("%.2f", *doc.GlobalConfidence),
		})
	}
	return out
}

// checkDuplicateDocuments flags documents sharing supplier and total amount
// with another document dated within the day window. Documents missing the
// supplier, total, or date pass vacuously.
func checkDuplicateDocuments(snap *Snapshot, r Rule) []model.Anomaly {
	window := r.WindowDays
	if window == 0 {
		window = 7
	}
	type key struct {
		supplier int64
		total    string
	}
	population := map[key][]model.Document{}
	for _, doc := range snap.population() {
		if doc.SupplierID == nil || doc.TotalInclTax == nil || doc.DocumentDate == nil {
			continue
		}
		k := key{supplier: *doc.SupplierID, total: fmt.Sprintf("%.2f", *doc.TotalInclTax)}
		population[k] = append(population[k], doc)
	}

	var out []model.Anomaly
	for _, doc := range snap.Scope {
		if doc.SupplierID == nil || doc.TotalInclTax == nil || doc.DocumentDate == nil {
			continue
		}
		k := key{supplier: *doc.SupplierID, total: fmt.Sprintf("%.2f", *doc.TotalInclTax)}
		for _, other := range population[k] {
			if other.ID == doc.ID {
				continue
			}
			days := math.Abs(doc.DocumentDate.Sub(*other.DocumentDate).Hours()) / 24
			if days > float64(window) {
				continue
			}
			out = append(out, model.Anomaly{
				DocumentID: doc.ID,
				RuleID:     r.ID,
				RuleType:   r.Type,
				Severity:   r.Severity,
				Description: fmt.Sprintf("same supplier and total %.2f as %s within %d days",
					*doc.TotalInclTax, other.Filename, window),
				Expected: "no duplicate within window",
				Found:    other.Filename,
			})
			break
		}
	}
	return out
}

// checkPriceDrift flags lines whose unit price strays from the historical
// mean for the same resolved material by more than the multiplier, in either
// direction. Materials with too few other samples pass vacuously.
func checkPriceDrift(snap *Snapshot, r Rule) []model.Anomaly {
	multiplier := r.DriftMultiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	minSamples := r.MinSamples
	if minSamples == 0 {
		minSamples = 3
	}

	prices := map[string][]float64{}
	for _, doc := range snap.population() {
		for i := range doc.Lines {
			line := &doc.Lines[i]
			if line.Deleted || line.Material == nil || line.UnitPrice == nil {
				continue
			}
			material := snap.resolveMaterial(*line.Material)
			prices[material] = append(prices[material], *line.UnitPrice)
		}
	}

	var out []model.Anomaly
	for _, doc := range snap.Scope {
		for i := range doc.Lines {
			line := &doc.Lines[i]
			if line.Deleted || line.Material == nil || line.UnitPrice == nil {
				continue
			}
			material := snap.resolveMaterial(*line.Material)
			history := historyWithout(prices[material], *line.UnitPrice)
			if len(history) < minSamples {
				continue
			}
			mean := meanOf(history)
			if mean == 0 {
				continue
			}
			price := *line.UnitPrice
			if price <= mean*multiplier && price >= mean/multiplier {
				continue
			}
			lineID := line.ID
			out = append(out, model.Anomaly{
				DocumentID: doc.ID,
				LineID:     &lineID,
				RuleID:     r.ID,
				RuleType:   r.Type,
				Severity:   r.Severity,
				Description: fmt.Sprintf("unit price %.2f for %s deviates from historical mean %.2f by more than x%.1f",
					price, material, mean, multiplier),
				Expected: fmt.Sprintf("within [%.2f, %.2f]", mean/multiplier, mean*multiplier),
				Found:    fmt.Sprintf("%.2f", price),
			})
		}
	}
	return out
}

// historyWithout drops one occurrence of the line's own price so a value
// cannot vouch for itself.
func historyWithout(samples []float64, own float64) []float64 {
	out := make([]float64, 0, len(samples))
	dropped := false
	for _, s := range samples {
		if !dropped && s == own {
			dropped = true
			continue
		}
		out = append(out, s)
	}
	return out
}

func meanOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

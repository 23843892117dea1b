// Package analytics computes read-only aggregates over ingested documents.
// Material figures are grouped under canonical names through the approved
// mapping tables at read time, so merges and corrections show up immediately
// without rewriting any line.
package analytics

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/resolve"
	"github.com/atrium-data/rationalize/internal/store"
)

// Store is the read surface analytics needs.
type Store interface {
	ActiveLines(ctx context.Context) ([]model.LineItem, error)
	DocumentsWithLines(ctx context.Context) ([]model.Document, error)
	Mappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	ReverseMappings(ctx context.Context, et model.EntityType) (map[string][]string, error)
	Anomalies(ctx context.Context, filter store.AnomalyFilter) ([]model.Anomaly, error)
	Corrections(ctx context.Context, documentID *int64) ([]model.Correction, error)
}

// Service answers aggregate queries.
type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// MaterialSummary aggregates purchasing figures for one canonical material.
type MaterialSummary struct {
	Material      string   `json:"material"`
	RawValues     []string `json:"raw_values,omitempty"`
	Lines         int      `json:"lines"`
	TotalQuantity float64  `json:"total_quantity"`
	TotalSpend    float64  `json:"total_spend"`
	AvgUnitPrice  float64  `json:"avg_unit_price"`
}

// MaterialSummaries aggregates active lines by resolved material name,
// ordered by total spend descending then name. Lines without a material are
// skipped.
func (s *Service) MaterialSummaries(ctx context.Context) ([]MaterialSummary, error) {
	lines, err := s.store.ActiveLines(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load lines")
	}
	exact, err := s.store.Mappings(ctx, model.EntityMaterial)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load material mappings")
	}
	prefix, err := s.store.PrefixMappings(ctx, model.EntityMaterial)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load material prefix mappings")
	}
	reverse, err := s.store.ReverseMappings(ctx, model.EntityMaterial)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load reverse mappings")
	}

	type acc struct {
		lines    int
		quantity float64
		spend    float64
		priceSum float64
		priceObs int
	}
	byMaterial := map[string]*acc{}
	for i := range lines {
		line := &lines[i]
		if line.Material == nil {
			continue
		}
		name := resolve.Value(*line.Material, exact, prefix)
		a := byMaterial[name]
		if a == nil {
			a = &acc{}
			byMaterial[name] = a
		}
		a.lines++
		if line.Quantity != nil {
			a.quantity += *line.Quantity
		}
		a.spend += lineSpend(line)
		if line.UnitPrice != nil {
			a.priceSum += *line.UnitPrice
			a.priceObs++
		}
	}

	out := make([]MaterialSummary, 0, len(byMaterial))
	for name, a := range byMaterial {
		sum := MaterialSummary{
			Material:      name,
			RawValues:     resolve.ExpandCanonical(name, reverse),
			Lines:         a.lines,
			TotalQuantity: a.quantity,
			TotalSpend:    a.spend,
		}
		if a.priceObs > 0 {
			sum.AvgUnitPrice = a.priceSum / float64(a.priceObs)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSpend != out[j].TotalSpend {
			return out[i].TotalSpend > out[j].TotalSpend
		}
		return out[i].Material < out[j].Material
	})
	return out, nil
}

// lineSpend prefers the extracted line total and falls back to unit price
// times quantity.
func lineSpend(line *model.LineItem) float64 {
	if line.LineTotal != nil {
		return *line.LineTotal
	}
	if line.UnitPrice != nil && line.Quantity != nil {
		return *line.UnitPrice * *line.Quantity
	}
	return 0
}

// AnomalyStats counts current anomalies by severity, rule type, and rule.
type AnomalyStats struct {
	Total      int                    `json:"total"`
	BySeverity map[model.Severity]int `json:"by_severity"`
	ByType     map[string]int         `json:"by_type"`
	ByRule     map[string]int         `json:"by_rule"`
}

func (s *Service) AnomalyStats(ctx context.Context) (*AnomalyStats, error) {
	anomalies, err := s.store.Anomalies(ctx, store.AnomalyFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load anomalies")
	}
	stats := &AnomalyStats{
		BySeverity: map[model.Severity]int{},
		ByType:     map[string]int{},
		ByRule:     map[string]int{},
	}
	for _, a := range anomalies {
		stats.Total++
		stats.BySeverity[a.Severity]++
		stats.ByType[a.RuleType]++
		stats.ByRule[a.RuleID]++
	}
	return stats, nil
}

// ReviewItem is one line whose extraction looks too weak to trust.
type ReviewItem struct {
	DocumentID int64         `json:"document_id"`
	Filename   string        `json:"fichier"`
	LineID     int64         `json:"ligne_id"`
	LineNumber int           `json:"ligne_numero"`
	WeakFields []model.Field `json:"weak_fields"`
}

// DocumentsNeedingReview lists active lines that carry at least one set field
// whose confidence is missing or below threshold. Ordered by document then
// line number.
func (s *Service) DocumentsNeedingReview(ctx context.Context, threshold float64) ([]ReviewItem, error) {
	docs, err := s.store.DocumentsWithLines(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load documents")
	}
	var out []ReviewItem
	for i := range docs {
		doc := &docs[i]
		for j := range doc.Lines {
			line := &doc.Lines[j]
			if line.Deleted {
				continue
			}
			weak := setWeakFields(line, threshold)
			if len(weak) == 0 {
				continue
			}
			out = append(out, ReviewItem{
				DocumentID: doc.ID,
				Filename:   doc.Filename,
				LineID:     line.ID,
				LineNumber: line.Number,
				WeakFields: weak,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].LineNumber < out[j].LineNumber
	})
	return out, nil
}

// setWeakFields keeps only weak fields that actually hold a value. A field
// the extractor never filled is absent, not suspect.
func setWeakFields(line *model.LineItem, threshold float64) []model.Field {
	var out []model.Field
	for _, f := range correction.WeakFields(line, threshold) {
		if _, ok := line.Value(f); ok {
			out = append(out, f)
		}
	}
	return out
}

// CorrectionStats counts the applied correction history.
type CorrectionStats struct {
	Total     int                 `json:"total"`
	Deletions int                 `json:"deletions"`
	ByField   map[model.Field]int `json:"by_field"`
	ByAuthor  map[string]int      `json:"by_author"`
}

func (s *Service) CorrectionStats(ctx context.Context) (*CorrectionStats, error) {
	all, err := s.store.Corrections(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load corrections")
	}
	stats := &CorrectionStats{
		ByField:  map[model.Field]int{},
		ByAuthor: map[string]int{},
	}
	for _, c := range all {
		if c.Status != model.CorrectionApplied {
			continue
		}
		stats.Total++
		stats.ByAuthor[c.CorrectedBy]++
		if c.Field == model.FieldLineDeleted {
			stats.Deletions++
			continue
		}
		stats.ByField[c.Field]++
	}
	return stats, nil
}

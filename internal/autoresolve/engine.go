package autoresolve

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/normalize"
	"github.com/atrium-data/rationalize/internal/resolve"
)

// Store is the persistence surface the engine needs.
type Store interface {
	DistinctEntityValues(ctx context.Context, et model.EntityType) (map[string]int, error)
	Mappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	SavePendingMappings(ctx context.Context, mappings []model.EntityMapping) error
}

// Merger commits an approved merge. Satisfied by *resolve.Resolver.
type Merger interface {
	Merge(ctx context.Context, req resolve.MergeRequest) (*model.MergeAuditEntry, error)
}

// Config carries the decision thresholds, both in [0,1].
type Config struct {
	AutoMergeThreshold float64
	ReviewThreshold    float64
}

// DefaultConfig matches the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{AutoMergeThreshold: 0.90, ReviewThreshold: 0.50}
}

// Report summarizes one engine pass.
type Report struct {
	EntityType    model.EntityType
	Clusters      int
	AutoMerged    int
	PendingReview int
}

// Engine scans the distinct raw values of an entity type, clusters the near
// duplicates, and either merges them or queues them for review depending on
// how strong the match is.
type Engine struct {
	store  Store
	merger Merger
	cfg    Config
}

// NewEngine creates an Engine.
func NewEngine(store Store, merger Merger, cfg Config) *Engine {
	if cfg.AutoMergeThreshold == 0 {
		cfg.AutoMergeThreshold = DefaultConfig().AutoMergeThreshold
	}
	if cfg.ReviewThreshold == 0 {
		cfg.ReviewThreshold = DefaultConfig().ReviewThreshold
	}
	return &Engine{store: store, merger: merger, cfg: cfg}
}

// Run performs one pass for a single entity type. Raw values already covered
// by an approved mapping are left alone; the pass never touches a human
// decision. Repeated runs over unchanged data produce the same outcome.
func (e *Engine) Run(ctx context.Context, et model.EntityType) (*Report, error) {
	distinct, err := e.store.DistinctEntityValues(ctx, et)
	if err != nil {
		return nil, eris.Wrapf(err, "autoresolve: distinct values for %s", et)
	}
	exact, err := e.store.Mappings(ctx, et)
	if err != nil {
		return nil, eris.Wrapf(err, "autoresolve: mappings for %s", et)
	}
	prefix, err := e.store.PrefixMappings(ctx, et)
	if err != nil {
		return nil, eris.Wrapf(err, "autoresolve: prefix mappings for %s", et)
	}

	candidates := make([]ValueCount, 0, len(distinct))
	for raw, count := range distinct {
		if _, mapped := exact[raw]; mapped {
			continue
		}
		if resolve.Value(raw, nil, prefix) != raw {
			continue
		}
		candidates = append(candidates, ValueCount{Value: raw, Count: count})
	}

	clusters := ClusterValues(candidates, normalizerFor(et), e.cfg.ReviewThreshold)

	report := &Report{EntityType: et, Clusters: len(clusters)}
	var pending []model.EntityMapping
	for _, c := range clusters {
		if c.Confidence >= e.cfg.AutoMergeThreshold {
			_, err := e.merger.Merge(ctx, resolve.MergeRequest{
				EntityType: et,
				Canonical:  c.Canonical,
				RawValues:  c.Aliases,
				Source:     model.SourceAutoFuzzy,
				Confidence: c.Confidence,
				By:         "auto_resolution",
			})
			if err != nil {
				return nil, eris.Wrapf(err, "autoresolve: merge cluster %q", c.Canonical)
			}
			report.AutoMerged++
			continue
		}
		for _, alias := range c.Aliases {
			pending = append(pending, model.EntityMapping{
				EntityType:     et,
				RawValue:       alias,
				CanonicalValue: c.Canonical,
				MatchMode:      model.MatchExact,
				Status:         model.MappingPendingReview,
				Source:         model.SourceAutoFuzzy,
				Confidence:     c.Confidence,
				CreatedBy:      "auto_resolution",
			})
		}
		report.PendingReview++
	}
	if len(pending) > 0 {
		if err := e.store.SavePendingMappings(ctx, pending); err != nil {
			return nil, eris.Wrapf(err, "autoresolve: save pending mappings for %s", et)
		}
	}

	zap.L().Info("auto-resolution pass complete",
		zap.String("entity_type", string(et)),
		zap.Int("candidates", len(candidates)),
		zap.Int("clusters", report.Clusters),
		zap.Int("auto_merged", report.AutoMerged),
		zap.Int("pending_review", report.PendingReview),
	)
	return report, nil
}

// RunAll runs one pass per entity type, in the stable type order.
func (e *Engine) RunAll(ctx context.Context) ([]Report, error) {
	reports := make([]Report, 0, len(model.EntityTypes()))
	for _, et := range model.EntityTypes() {
		r, err := e.Run(ctx, et)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

// normalizerFor picks the scoring normalizer for an entity type. Suppliers
// and companies share the legal-suffix stripping; materials drop leading
// quantities; locations only fold case and whitespace.
func normalizerFor(et model.EntityType) func(string) string {
	switch et {
	case model.EntitySupplier, model.EntityCompany:
		return normalize.Supplier
	case model.EntityMaterial:
		return normalize.Material
	default:
		return func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	}
}

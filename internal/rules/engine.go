package rules

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
)

// Store is the persistence surface the engine needs.
type Store interface {
	DocumentsWithLines(ctx context.Context) ([]model.Document, error)
	DocumentWithLines(ctx context.Context, id int64) (*model.Document, error)
	Mappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	ReplaceAnomalies(ctx context.Context, scope model.AnomalyScope, anomalies []model.Anomaly) error
}

// Engine loads a snapshot of the data, evaluates the configured rules, and
// replaces the anomaly rows for the scope with the fresh result.
type Engine struct {
	store Store
	rules []Rule
}

// NewEngine creates an Engine. A nil rule set falls back to DefaultRules.
func NewEngine(store Store, ruleSet []Rule) *Engine {
	if len(ruleSet) == 0 {
		ruleSet = DefaultRules()
	}
	return &Engine{store: store, rules: ruleSet}
}

// Detect runs one pass over the scope. Cross-document rules always see the
// full population even when the scope is a single document; only the scoped
// documents receive anomaly rows. Running twice on unchanged data yields the
// identical anomaly set.
func (e *Engine) Detect(ctx context.Context, scope model.AnomalyScope) ([]model.Anomaly, error) {
	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var anomalies []model.Anomaly
	for _, r := range e.rules {
		check, ok := handlers[r.Type]
		if !ok {
			return nil, eris.Errorf("rules: unknown rule type %q (rule %s)", r.Type, r.ID)
		}
		found := check(snap, r)
		for i := range found {
			found[i].DetectedAt = now
		}
		anomalies = append(anomalies, found...)
	}

	if err := e.store.ReplaceAnomalies(ctx, scope, anomalies); err != nil {
		return nil, eris.Wrap(err, "rules: replace anomalies")
	}

	zap.L().Info("anomaly detection pass complete",
		zap.Int("documents", len(snap.Scope)),
		zap.Int("rules", len(e.rules)),
		zap.Int("anomalies", len(anomalies)),
	)
	return anomalies, nil
}

func (e *Engine) loadSnapshot(ctx context.Context, scope model.AnomalyScope) (*Snapshot, error) {
	all, err := e.store.DocumentsWithLines(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rules: load documents")
	}
	snap := &Snapshot{Scope: all, All: all}
	if scope.DocumentID != nil {
		doc, err := e.store.DocumentWithLines(ctx, *scope.DocumentID)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: load document %d", *scope.DocumentID)
		}
		if doc == nil {
			return nil, eris.Errorf("rules: document not found: %d", *scope.DocumentID)
		}
		snap.Scope = []model.Document{*doc}
	}

	snap.MaterialExact, err = e.store.Mappings(ctx, model.EntityMaterial)
	if err != nil {
		return nil, eris.Wrap(err, "rules: material mappings")
	}
	snap.MaterialPrefix, err = e.store.PrefixMappings(ctx, model.EntityMaterial)
	if err != nil {
		return nil, eris.Wrap(err, "rules: material prefix mappings")
	}
	return snap, nil
}

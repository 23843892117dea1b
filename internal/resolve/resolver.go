package resolve

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	Mappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	ReverseMappings(ctx context.Context, et model.EntityType) (map[string][]string, error)
	ApplyMerge(ctx context.Context, mappings []model.EntityMapping, audit *model.MergeAuditEntry) error
	RevertMerge(ctx context.Context, auditID int64) (bool, error)
	PendingMappings(ctx context.Context, et model.EntityType) ([]model.EntityMapping, error)
	GetMappingByID(ctx context.Context, id int64) (*model.EntityMapping, error)
	UpdateMappingStatus(ctx context.Context, id int64, status model.MappingStatus) error
	DistinctEntityValues(ctx context.Context, et model.EntityType) (map[string]int, error)
}

// Resolver coordinates merge, revert, and review operations on the mapping
// table. Every merge writes an audit entry in the same transaction.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// MergeRequest folds a set of raw values into one canonical value.
type MergeRequest struct {
	EntityType model.EntityType
	Canonical  string
	RawValues  []string
	MatchMode  model.MatchMode
	Source     string
	Confidence float64
	By         string
	Notes      *string
}

// Merge upserts an approved mapping for every raw value and records the merge
// in the audit log, atomically. Approving a raw value that already carries a
// mapping supersedes the old canonical value.
func (r *Resolver) Merge(ctx context.Context, req MergeRequest) (*model.MergeAuditEntry, error) {
	if req.Canonical == "" || len(req.RawValues) == 0 {
		return nil, eris.New("resolve: merge requires a canonical value and at least one raw value")
	}
	mode := req.MatchMode
	if mode == "" {
		mode = model.MatchExact
	}
	source := req.Source
	if source == "" {
		source = model.SourceManual
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	mappings := make([]model.EntityMapping, 0, len(req.RawValues))
	for _, raw := range req.RawValues {
		mappings = append(mappings, model.EntityMapping{
			EntityType:     req.EntityType,
			RawValue:       raw,
			CanonicalValue: req.Canonical,
			MatchMode:      mode,
			Status:         model.MappingApproved,
			Source:         source,
			Confidence:     confidence,
			CreatedBy:      req.By,
			Notes:          req.Notes,
		})
	}

	audit := &model.MergeAuditEntry{
		EntityType:     req.EntityType,
		Action:         "merge",
		CanonicalValue: req.Canonical,
		RawValues:      req.RawValues,
		PerformedBy:    req.By,
		Notes:          req.Notes,
		CreatedAt:      time.Now().UTC(),
	}

	if err := r.store.ApplyMerge(ctx, mappings, audit); err != nil {
		return nil, eris.Wrap(err, "resolve: apply merge")
	}

	zap.L().Info("entities merged",
		zap.String("entity_type", string(req.EntityType)),
		zap.String("canonical", req.Canonical),
		zap.Int("raw_values", len(req.RawValues)),
		zap.String("source", source),
	)
	return audit, nil
}

// RevertMerge removes the mappings created by a past merge and flags the
// audit entry as reverted. Returns false when the entry is unknown or was
// already reverted. The audit entry itself is never deleted.
func (r *Resolver) RevertMerge(ctx context.Context, auditID int64) (bool, error) {
	ok, err := r.store.RevertMerge(ctx, auditID)
	if err != nil {
		return false, eris.Wrapf(err, "resolve: revert merge %d", auditID)
	}
	if ok {
		zap.L().Info("merge reverted", zap.Int64("audit_id", auditID))
	}
	return ok, nil
}

// PendingReviews lists medium-confidence mappings awaiting a human decision,
// highest confidence first.
func (r *Resolver) PendingReviews(ctx context.Context, et model.EntityType) ([]model.EntityMapping, error) {
	pending, err := r.store.PendingMappings(ctx, et)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: pending mappings")
	}
	return pending, nil
}

// Approve promotes a pending mapping to approved via a merge, so the decision
// lands in the audit log like any manual merge.
func (r *Resolver) Approve(ctx context.Context, mappingID int64, by string) error {
	m, err := r.store.GetMappingByID(ctx, mappingID)
	if err != nil {
		return eris.Wrapf(err, "resolve: load mapping %d", mappingID)
	}
	if m == nil {
		return eris.Errorf("resolve: mapping not found: %d", mappingID)
	}
	_, err = r.Merge(ctx, MergeRequest{
		EntityType: m.EntityType,
		Canonical:  m.CanonicalValue,
		RawValues:  []string{m.RawValue},
		MatchMode:  m.MatchMode,
		Source:     m.Source,
		Confidence: m.Confidence,
		By:         by,
	})
	return err
}

// Reject marks a pending mapping as rejected. The row stays for history; a
// rejected raw value passes through resolution unchanged.
func (r *Resolver) Reject(ctx context.Context, mappingID int64) error {
	if err := r.store.UpdateMappingStatus(ctx, mappingID, model.MappingRejected); err != nil {
		return eris.Wrapf(err, "resolve: reject mapping %d", mappingID)
	}
	return nil
}

// DistinctValues returns the sorted distinct canonical names for an entity
// type: every raw value observed in the data, resolved through the approved
// mapping tables, deduplicated.
func (r *Resolver) DistinctValues(ctx context.Context, et model.EntityType) ([]string, error) {
	raw, err := r.store.DistinctEntityValues(ctx, et)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: distinct values")
	}
	exact, err := r.store.Mappings(ctx, et)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: mappings")
	}
	prefix, err := r.store.PrefixMappings(ctx, et)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: prefix mappings")
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for v := range raw {
		resolved := Value(v, exact, prefix)
		if !seen[resolved] {
			seen[resolved] = true
			out = append(out, resolved)
		}
	}
	sort.Strings(out)
	return out, nil
}

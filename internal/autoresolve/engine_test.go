package autoresolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/resolve"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	distinct map[model.EntityType]map[string]int
	exact    map[model.EntityType]map[string]string
	prefix   map[model.EntityType]map[string]string
	pending  []model.EntityMapping
}

func (s *fakeStore) DistinctEntityValues(_ context.Context, et model.EntityType) (map[string]int, error) {
	return s.distinct[et], nil
}

func (s *fakeStore) Mappings(_ context.Context, et model.EntityType) (map[string]string, error) {
	return s.exact[et], nil
}

func (s *fakeStore) PrefixMappings(_ context.Context, et model.EntityType) (map[string]string, error) {
	return s.prefix[et], nil
}

func (s *fakeStore) SavePendingMappings(_ context.Context, mappings []model.EntityMapping) error {
	s.pending = append(s.pending, mappings...)
	return nil
}

type fakeMerger struct {
	merges []resolve.MergeRequest
}

func (m *fakeMerger) Merge(_ context.Context, req resolve.MergeRequest) (*model.MergeAuditEntry, error) {
	m.merges = append(m.merges, req)
	return &model.MergeAuditEntry{ID: int64(len(m.merges))}, nil
}

func TestEngine_AutoMergesStrongClusters(t *testing.T) {
	st := &fakeStore{distinct: map[model.EntityType]map[string]int{
		model.EntityMaterial: {
			"Sable":   5,
			"sable":   2,
			"sble":    1,
			"Gravier": 3,
		},
	}}
	m := &fakeMerger{}
	e := NewEngine(st, m, DefaultConfig())

	report, err := e.Run(context.Background(), model.EntityMaterial)
	require.NoError(t, err)

	// "Sable"/"sable" normalize to the same string, pulling "sble" along.
	assert.Equal(t, 1, report.Clusters)
	assert.Equal(t, 1, report.AutoMerged)
	assert.Equal(t, 0, report.PendingReview)

	require.Len(t, m.merges, 1)
	assert.Equal(t, "Sable", m.merges[0].Canonical)
	assert.ElementsMatch(t, []string{"sable", "sble"}, m.merges[0].RawValues)
	assert.Equal(t, model.SourceAutoFuzzy, m.merges[0].Source)
	assert.Equal(t, "auto_resolution", m.merges[0].By)
	assert.Empty(t, st.pending)
}

func TestEngine_QueuesMediumClustersForReview(t *testing.T) {
	st := &fakeStore{distinct: map[model.EntityType]map[string]int{
		model.EntityMaterial: {
			"Beton": 3,
			"Betom": 1,
		},
	}}
	m := &fakeMerger{}
	e := NewEngine(st, m, DefaultConfig())

	report, err := e.Run(context.Background(), model.EntityMaterial)
	require.NoError(t, err)

	assert.Equal(t, 0, report.AutoMerged)
	assert.Equal(t, 1, report.PendingReview)
	assert.Empty(t, m.merges)

	require.Len(t, st.pending, 1)
	p := st.pending[0]
	assert.Equal(t, "Betom", p.RawValue)
	assert.Equal(t, "Beton", p.CanonicalValue)
	assert.Equal(t, model.MappingPendingReview, p.Status)
	assert.Equal(t, model.SourceAutoFuzzy, p.Source)
	assert.InDelta(t, 0.80, p.Confidence, 0.001)
}

func TestEngine_SkipsApprovedRawValues(t *testing.T) {
	st := &fakeStore{
		distinct: map[model.EntityType]map[string]int{
			model.EntityMaterial: {"Sable": 5, "sable": 2},
		},
		exact: map[model.EntityType]map[string]string{
			model.EntityMaterial: {"sable": "SABLE"},
		},
	}
	m := &fakeMerger{}
	e := NewEngine(st, m, DefaultConfig())

	report, err := e.Run(context.Background(), model.EntityMaterial)
	require.NoError(t, err)

	// "sable" is already decided, leaving "Sable" a singleton.
	assert.Equal(t, 0, report.Clusters)
	assert.Empty(t, m.merges)
	assert.Empty(t, st.pending)
}

func TestEngine_DistantValuesIgnored(t *testing.T) {
	st := &fakeStore{distinct: map[model.EntityType]map[string]int{
		model.EntitySupplier: {"Acme SA": 3, "Transports Durand": 2},
	}}
	m := &fakeMerger{}
	e := NewEngine(st, m, DefaultConfig())

	report, err := e.Run(context.Background(), model.EntitySupplier)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Clusters)
}

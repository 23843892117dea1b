package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	docs      []model.Document
	anomalies []model.Anomaly
	lastScope model.AnomalyScope
	replaced  int
}

func (s *fakeStore) DocumentsWithLines(context.Context) ([]model.Document, error) {
	return s.docs, nil
}

func (s *fakeStore) DocumentWithLines(_ context.Context, id int64) (*model.Document, error) {
	for _, d := range s.docs {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Mappings(context.Context, model.EntityType) (map[string]string, error) {
	return nil, nil
}

func (s *fakeStore) PrefixMappings(context.Context, model.EntityType) (map[string]string, error) {
	return nil, nil
}

func (s *fakeStore) ReplaceAnomalies(_ context.Context, scope model.AnomalyScope, anomalies []model.Anomaly) error {
	s.lastScope = scope
	s.anomalies = anomalies
	s.replaced++
	return nil
}

func testDocs() []model.Document {
	return []model.Document{
		{ID: 1, Filename: "ok.json", GlobalConfidence: f64(0.9), Lines: []model.LineItem{
			calcLine(1, f64(10), f64(5), f64(50)),
		}},
		{ID: 2, Filename: "bad.json", GlobalConfidence: f64(0.4), Lines: []model.LineItem{
			calcLine(2, f64(10), f64(5), f64(100)),
			{ID: 3, DepartureDate: day("2024-06-10"), ArrivalDate: day("2024-06-05")},
		}},
	}
}

func TestEngine_DetectGlobal(t *testing.T) {
	st := &fakeStore{docs: testDocs()}
	e := NewEngine(st, nil)

	anomalies, err := e.Detect(context.Background(), model.GlobalScope())
	require.NoError(t, err)

	var ruleIDs []string
	for _, a := range anomalies {
		ruleIDs = append(ruleIDs, a.RuleID)
	}
	assert.ElementsMatch(t, []string{"CALC_001", "DATE_001", "CONF_001"}, ruleIDs)
	assert.Equal(t, anomalies, st.anomalies)
	assert.Nil(t, st.lastScope.DocumentID)
}

func TestEngine_DetectSingleDocumentScope(t *testing.T) {
	st := &fakeStore{docs: testDocs()}
	e := NewEngine(st, nil)

	anomalies, err := e.Detect(context.Background(), model.DocumentScope(1))
	require.NoError(t, err)

	assert.Empty(t, anomalies)
	require.NotNil(t, st.lastScope.DocumentID)
	assert.Equal(t, int64(1), *st.lastScope.DocumentID)
}

func TestEngine_DetectUnknownDocument(t *testing.T) {
	st := &fakeStore{docs: testDocs()}
	e := NewEngine(st, nil)

	_, err := e.Detect(context.Background(), model.DocumentScope(99))
	assert.Error(t, err)
}

func TestEngine_RecomputationIsPure(t *testing.T) {
	st := &fakeStore{docs: testDocs()}
	e := NewEngine(st, nil)
	ctx := context.Background()

	first, err := e.Detect(ctx, model.GlobalScope())
	require.NoError(t, err)
	second, err := e.Detect(ctx, model.GlobalScope())
	require.NoError(t, err)

	// Identical set both times, no accumulation across runs.
	require.Len(t, second, len(first))
	for i := range first {
		first[i].DetectedAt = second[i].DetectedAt
	}
	assert.Equal(t, first, second)
	assert.Equal(t, 2, st.replaced)
}

func TestParseRules(t *testing.T) {
	yml := []byte(`
rules:
  - id: CALC_001
    type: calc_coherence
    severity: warning
    tolerance: 0.02
  - id: DUP_001
    type: duplicate_document
    severity: critical
    window_days: 14
`)
	rules, err := ParseRules(yml)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 0.02, rules[0].Tolerance)
	assert.Equal(t, 14, rules[1].WindowDays)
	assert.Equal(t, model.SeverityCritical, rules[1].Severity)
}

func TestParseRules_Invalid(t *testing.T) {
	_, err := ParseRules([]byte("rules: []"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - id: X_001\n    type: no_such_rule\n    severity: info\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - id: X_001\n    type: calc_coherence\n    severity: fatal\n"))
	assert.Error(t, err)
}

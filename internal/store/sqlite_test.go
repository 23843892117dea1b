package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strp(v string) *string   { return &v }
func f64p(v float64) *float64 { return &v }

func sampleDocument(filename string) *model.Document {
	dep, _ := time.Parse(model.DateLayout, "2024-03-10")
	arr, _ := time.Parse(model.DateLayout, "2024-03-12")
	line1 := model.LineItem{
		Number:         1,
		Material:       strp("Gravier 0/20"),
		Unit:           strp("t"),
		UnitPrice:      f64p(25.5),
		Quantity:       f64p(10),
		LineTotal:      f64p(255),
		DepartureDate:  &dep,
		ArrivalDate:    &arr,
		DeparturePlace: strp("Lyon"),
		ArrivalPlace:   strp("Paris"),
	}
	line1.Confidence.Set(model.FieldMaterial, 0.92)
	line1.Confidence.Set(model.FieldUnitPrice, 0.85)
	line2 := model.LineItem{Number: 2, Material: strp("sble"), UnitPrice: f64p(12)}
	line2.Confidence.Set(model.FieldMaterial, 0.41)

	return &model.Document{
		Filename:         filename,
		Type:             model.DocInvoice,
		Strategy:         "llm_vision",
		TotalInclTax:     f64p(306),
		Currency:         "EUR",
		GlobalConfidence: f64p(0.73),
		Lines:            []model.LineItem{line1, line2},
	}
}

func TestSQLite_DocumentRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := sampleDocument("facture_001.json")
	require.NoError(t, st.CreateDocument(ctx, doc))
	assert.NotZero(t, doc.ID)
	assert.NotZero(t, doc.Lines[0].ID)

	got, err := st.GetDocumentByFilename(ctx, "facture_001.json")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, model.DocInvoice, got.Type)
	assert.Equal(t, "llm_vision", got.Strategy)
	assert.InDelta(t, 0.73, *got.GlobalConfidence, 0.001)

	full, err := st.DocumentWithLines(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, full.Lines, 2)
	line := full.Lines[0]
	assert.Equal(t, "Gravier 0/20", *line.Material)
	assert.Equal(t, 25.5, *line.UnitPrice)
	assert.Equal(t, "2024-03-10", line.DepartureDate.Format(model.DateLayout))
	assert.InDelta(t, 0.92, *line.Confidence.Get(model.FieldMaterial), 0.001)
	assert.Nil(t, line.Confidence.Get(model.FieldQuantity))
}

func TestSQLite_DocumentFilenameUnique(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, sampleDocument("dup.json")))
	err := st.CreateDocument(ctx, sampleDocument("dup.json"))
	assert.Error(t, err)
}

func TestSQLite_GetDocumentByFilename_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetDocumentByFilename(context.Background(), "nope.json")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_FindOrCreateSupplier(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.FindOrCreateSupplier(ctx, "Acme SA", "ACME")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	// A spelling variant with the same normalized name reuses the row.
	second, err := st.FindOrCreateSupplier(ctx, "ACME S.A", "ACME")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Acme SA", second.Name)

	other, err := st.FindOrCreateSupplier(ctx, "Durand", "DURAND")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSQLite_ActiveLinesSkipsDeleted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := sampleDocument("a.json")
	doc.Lines[1].Deleted = true
	require.NoError(t, st.CreateDocument(ctx, doc))

	lines, err := st.ActiveLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Gravier 0/20", *lines[0].Material)
}

func TestSQLite_DistinctEntityValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, sampleDocument("a.json")))
	doc := sampleDocument("b.json")
	doc.Lines = doc.Lines[:1]
	require.NoError(t, st.CreateDocument(ctx, doc))

	materials, err := st.DistinctEntityValues(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Gravier 0/20": 2, "sble": 1}, materials)

	locations, err := st.DistinctEntityValues(ctx, model.EntityLocation)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Lyon": 2, "Paris": 2}, locations)
}

func TestSQLite_MergeAndRevert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mappings := []model.EntityMapping{
		{EntityType: model.EntityMaterial, RawValue: "sble", CanonicalValue: "SABLE",
			MatchMode: model.MatchExact, Status: model.MappingApproved, Source: model.SourceManual, Confidence: 1.0},
		{EntityType: model.EntityMaterial, RawValue: "SABL", CanonicalValue: "SABLE",
			MatchMode: model.MatchExact, Status: model.MappingApproved, Source: model.SourceManual, Confidence: 1.0},
	}
	audit := &model.MergeAuditEntry{
		EntityType: model.EntityMaterial, Action: "merge", CanonicalValue: "SABLE",
		RawValues: []string{"sble", "SABL"}, PerformedBy: "admin", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.ApplyMerge(ctx, mappings, audit))
	assert.NotZero(t, audit.ID)

	exact, err := st.Mappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sble": "SABLE", "SABL": "SABLE"}, exact)

	reverse, err := st.ReverseMappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sble", "SABL"}, reverse["SABLE"])

	ok, err := st.RevertMerge(ctx, audit.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	exact, err = st.Mappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Empty(t, exact)

	// The audit entry survives, flagged.
	audits, err := st.MergeAudits(ctx, model.EntityMaterial)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Reverted)
	assert.NotNil(t, audits[0].RevertedAt)

	// Second revert is a no-op.
	ok, err = st.RevertMerge(ctx, audit.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_RevertMerge_UnknownID(t *testing.T) {
	st := newTestSQLiteStore(t)

	ok, err := st.RevertMerge(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_MergeUpsertSupersedes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	merge := func(canonical string) {
		audit := &model.MergeAuditEntry{EntityType: model.EntityMaterial, Action: "merge",
			CanonicalValue: canonical, RawValues: []string{"sble"}, CreatedAt: time.Now().UTC()}
		require.NoError(t, st.ApplyMerge(ctx, []model.EntityMapping{{
			EntityType: model.EntityMaterial, RawValue: "sble", CanonicalValue: canonical,
			MatchMode: model.MatchExact, Status: model.MappingApproved, Source: model.SourceManual, Confidence: 1.0,
		}}, audit))
	}
	merge("OLD")
	merge("NEW")

	exact, err := st.Mappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sble": "NEW"}, exact)
}

func TestSQLite_PendingMappingsNeverOverwriteDecisions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	audit := &model.MergeAuditEntry{EntityType: model.EntityMaterial, Action: "merge",
		CanonicalValue: "SABLE", RawValues: []string{"sble"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.ApplyMerge(ctx, []model.EntityMapping{{
		EntityType: model.EntityMaterial, RawValue: "sble", CanonicalValue: "SABLE",
		MatchMode: model.MatchExact, Status: model.MappingApproved, Source: model.SourceManual, Confidence: 1.0,
	}}, audit))

	require.NoError(t, st.SavePendingMappings(ctx, []model.EntityMapping{
		{EntityType: model.EntityMaterial, RawValue: "sble", CanonicalValue: "OTHER",
			MatchMode: model.MatchExact, Status: model.MappingPendingReview, Source: model.SourceAutoFuzzy, Confidence: 0.6},
		{EntityType: model.EntityMaterial, RawValue: "gravier 020", CanonicalValue: "GRAVIER 0/20",
			MatchMode: model.MatchExact, Status: model.MappingPendingReview, Source: model.SourceAutoFuzzy, Confidence: 0.8},
	}))

	exact, err := st.Mappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Equal(t, "SABLE", exact["sble"])

	pending, err := st.PendingMappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "gravier 020", pending[0].RawValue)
	assert.Equal(t, model.SourceAutoFuzzy, pending[0].Source)
}

func TestSQLite_UpdateMappingStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SavePendingMappings(ctx, []model.EntityMapping{
		{EntityType: model.EntityMaterial, RawValue: "bton", CanonicalValue: "BETON",
			MatchMode: model.MatchExact, Status: model.MappingPendingReview, Source: model.SourceAutoFuzzy, Confidence: 0.7},
	}))
	pending, err := st.PendingMappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.UpdateMappingStatus(ctx, pending[0].ID, model.MappingRejected))

	pending, err = st.PendingMappings(ctx, model.EntityMaterial)
	require.NoError(t, err)
	assert.Empty(t, pending)

	m, err := st.GetMappingByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.MappingRejected, m.Status)
}

func TestSQLite_ReplaceAnomaliesIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := sampleDocument("a.json")
	require.NoError(t, st.CreateDocument(ctx, doc))

	set := []model.Anomaly{
		{DocumentID: doc.ID, RuleID: "CALC_001", RuleType: "calc_coherence",
			Severity: model.SeverityWarning, Description: "mismatch", DetectedAt: time.Now().UTC()},
		{DocumentID: doc.ID, RuleID: "CONF_001", RuleType: "low_confidence",
			Severity: model.SeverityWarning, Description: "low", DetectedAt: time.Now().UTC()},
	}
	require.NoError(t, st.ReplaceAnomalies(ctx, model.GlobalScope(), set))
	require.NoError(t, st.ReplaceAnomalies(ctx, model.GlobalScope(), set))

	got, err := st.Anomalies(ctx, AnomalyFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLite_ReplaceAnomaliesScopedToDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	docA := sampleDocument("a.json")
	docB := sampleDocument("b.json")
	require.NoError(t, st.CreateDocument(ctx, docA))
	require.NoError(t, st.CreateDocument(ctx, docB))

	now := time.Now().UTC()
	require.NoError(t, st.ReplaceAnomalies(ctx, model.GlobalScope(), []model.Anomaly{
		{DocumentID: docA.ID, RuleID: "CALC_001", RuleType: "calc_coherence", Severity: model.SeverityWarning, Description: "x", DetectedAt: now},
		{DocumentID: docB.ID, RuleID: "CALC_001", RuleType: "calc_coherence", Severity: model.SeverityWarning, Description: "y", DetectedAt: now},
	}))

	// Re-running for docA only must leave docB's anomalies alone.
	require.NoError(t, st.ReplaceAnomalies(ctx, model.DocumentScope(docA.ID), nil))

	got, err := st.Anomalies(ctx, AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, docB.ID, got[0].DocumentID)

	scoped, err := st.Anomalies(ctx, AnomalyFilter{DocumentID: &docA.ID})
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestSQLite_ApplyCorrections(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := sampleDocument("a.json")
	require.NoError(t, st.CreateDocument(ctx, doc))

	line := doc.Lines[1]
	line.Material = strp("Sable")
	line.Confidence.Set(model.FieldMaterial, 1.0)

	old := "sble"
	batch := correction.Batch{
		Lines: []model.LineItem{line},
		Corrections: []model.Correction{{
			LineID: line.ID, DocumentID: doc.ID, Field: model.FieldMaterial,
			OldValue: &old, NewValue: strp("Sable"), OldConfidence: f64p(0.41),
			Status: model.CorrectionApplied, CorrectedBy: "alice", CorrectedAt: time.Now().UTC(),
		}},
		Confidences: map[int64]*float64{doc.ID: f64p(0.925)},
	}
	require.NoError(t, st.ApplyCorrections(ctx, batch))

	got, err := st.LineByID(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sable", *got.Material)
	assert.Equal(t, 1.0, *got.Confidence.Get(model.FieldMaterial))

	updated, err := st.DocumentWithLines(ctx, doc.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.925, *updated.GlobalConfidence, 0.001)

	history, err := st.CorrectionsForField(ctx, model.FieldMaterial)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "sble", *history[0].OldValue)
	assert.Equal(t, "Sable", *history[0].NewValue)
	assert.Equal(t, "alice", history[0].CorrectedBy)

	all, err := st.Corrections(ctx, &doc.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_ApplyCorrections_UnknownLineRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := sampleDocument("a.json")
	require.NoError(t, st.CreateDocument(ctx, doc))

	good := doc.Lines[0]
	good.Material = strp("GRAVIER")
	bad := model.LineItem{ID: 9999, DocumentID: doc.ID}

	err := st.ApplyCorrections(ctx, correction.Batch{Lines: []model.LineItem{good, bad}})
	require.Error(t, err)

	// The batch failed as a whole; the good line kept its old value.
	got, err := st.LineByID(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gravier 0/20", *got.Material)
}

func TestSQLite_ListDocumentsFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	invoice := sampleDocument("f.json")
	require.NoError(t, st.CreateDocument(ctx, invoice))
	note := sampleDocument("bl.json")
	note.Type = model.DocDeliveryNote
	require.NoError(t, st.CreateDocument(ctx, note))

	docs, err := st.ListDocuments(ctx, DocumentFilter{Type: model.DocDeliveryNote})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bl.json", docs[0].Filename)

	all, err := st.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

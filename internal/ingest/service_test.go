package ingest

import (
	"context"
	"os"
	"path/filepath"
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
	docs      map[string]*model.Document
	suppliers map[string]*model.Supplier
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:      map[string]*model.Document{},
		suppliers: map[string]*model.Supplier{},
	}
}

func (f *fakeStore) GetDocumentByFilename(_ context.Context, filename string) (*model.Document, error) {
	return f.docs[filename], nil
}

func (f *fakeStore) CreateDocument(_ context.Context, doc *model.Document) error {
	f.nextID++
	doc.ID = f.nextID
	for i := range doc.Lines {
		f.nextID++
		doc.Lines[i].ID = f.nextID
		doc.Lines[i].DocumentID = doc.ID
	}
	f.docs[doc.Filename] = doc
	return nil
}

func (f *fakeStore) FindOrCreateSupplier(_ context.Context, name, normalized string) (*model.Supplier, error) {
	if sup, ok := f.suppliers[normalized]; ok {
		return sup, nil
	}
	f.nextID++
	sup := &model.Supplier{ID: f.nextID, Name: name}
	f.suppliers[normalized] = sup
	return sup, nil
}

const sampleExtraction = `{
	"fichier": "facture_001.pdf",
	"type_document": "facture",
	"strategie_utilisee": "vision",
	"confiance_globale": 0.87,
	"champs_manquants": ["conditions_paiement"],
	"warnings": ["page 2 partiellement lisible"],
	"metadonnees": {
		"fournisseur": {"nom": "Carrieres Martin SARL", "siret": "12345678900011"},
		"client": {"nom": "BTP Construction", "adresse": "12 rue des Lilas, Lyon"},
		"references": {"commande": "CMD-77"},
		"date_document": "2024-03-15",
		"numero_document": "F-2024-001",
		"montant_ht": 1250.0,
		"montant_ttc": 1500.0
	},
	"lignes": [
		{
			"ligne_numero": 1,
			"type_matiere": "Gravier 0/20",
			"unite": "tonne",
			"prix_unitaire": 25.0,
			"quantite": 50.0,
			"prix_total": 1250.0,
			"date_depart": "2024-03-10",
			"date_arrivee": "2024-03-12",
			"lieu_depart": "Carriere Nord",
			"lieu_arrivee": "Chantier A",
			"confiance": {"type_matiere": 0.95, "prix_unitaire": 0.9, "date_depart": 0.8}
		},
		{
			"ligne_numero": 2,
			"type_matiere": "sble",
			"date_arrivee": "pas une date",
			"confiance": {"type_matiere": 0.4}
		}
	]
}`

func TestParse_RejectsMissingFilename(t *testing.T) {
	_, err := Parse([]byte(`{"type_document": "facture"}`))
	require.Error(t, err)

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestIngest_CreatesDocumentWithLines(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 1)

	ex, err := Parse([]byte(sampleExtraction))
	require.NoError(t, err)

	doc, created, err := svc.Ingest(context.Background(), ex)
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, model.DocInvoice, doc.Type)
	assert.Equal(t, "vision", doc.Strategy)
	assert.Equal(t, "EUR", doc.Currency)
	require.NotNil(t, doc.GlobalConfidence)
	assert.InDelta(t, 0.87, *doc.GlobalConfidence, 1e-9)
	require.NotNil(t, doc.DocumentDate)
	assert.Equal(t, "2024-03-15", doc.DocumentDate.Format(model.DateLayout))
	require.NotNil(t, doc.ClientName)
	assert.Equal(t, "BTP Construction", *doc.ClientName)
	require.NotNil(t, doc.OrderRef)
	assert.Equal(t, "CMD-77", *doc.OrderRef)

	require.Len(t, doc.Lines, 2)
	first := doc.Lines[0]
	require.NotNil(t, first.Material)
	assert.Equal(t, "Gravier 0/20", *first.Material)
	require.NotNil(t, first.Confidence.Material)
	assert.InDelta(t, 0.95, *first.Confidence.Material, 1e-9)
	require.NotNil(t, first.DepartureDate)
	assert.Equal(t, "2024-03-10", first.DepartureDate.Format(model.DateLayout))

	// Malformed line date is dropped, the rest of the line survives.
	second := doc.Lines[1]
	assert.Nil(t, second.ArrivalDate)
	require.NotNil(t, second.Material)
	assert.Equal(t, "sble", *second.Material)
}

func TestIngest_SupplierFoundOrCreatedByNormalizedName(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 1)

	ex, err := Parse([]byte(sampleExtraction))
	require.NoError(t, err)
	doc, _, err := svc.Ingest(context.Background(), ex)
	require.NoError(t, err)
	require.NotNil(t, doc.SupplierID)

	// Same supplier under a spelling variant reuses the record.
	ex2 := *ex
	ex2.Filename = "facture_002.pdf"
	ex2.Metadata.Supplier = &Party{Name: "carrieres  martin"}
	doc2, _, err := svc.Ingest(context.Background(), &ex2)
	require.NoError(t, err)
	require.NotNil(t, doc2.SupplierID)
	assert.Equal(t, *doc.SupplierID, *doc2.SupplierID)
	assert.Len(t, store.suppliers, 1)
}

func TestIngest_IdempotentOnFilename(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 1)

	ex, err := Parse([]byte(sampleExtraction))
	require.NoError(t, err)

	first, created, err := svc.Ingest(context.Background(), ex)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.Ingest(context.Background(), ex)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, store.docs, 1)
}

func TestIngestDir_ReportsPerFileOutcomes(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	writeFile("a_extraction.json", sampleExtraction)
	writeFile("b_extraction.json", `{"fichier": "facture_b.pdf", "type_document": "bon_livraison"}`)
	writeFile("broken_extraction.json", `{"type_document": "facture"`)
	writeFile("notes.txt", "ignored")

	store := newFakeStore()
	svc := NewService(store, 4)

	report, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, report.BatchID)
	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.Files, 3)
	assert.Equal(t, StatusIngested, report.Files[0].Status)
	assert.Equal(t, StatusError, report.Files[2].Status)

	// Second run skips everything already ingested.
	report, err = svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Ingested)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Errors)
}

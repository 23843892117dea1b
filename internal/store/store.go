// Package store persists documents, line items, suppliers, entity mappings,
// anomalies, and corrections. Two adapters implement the same Store
// contract: SQLite for local single-user work, Postgres for shared
// deployments. Service packages declare their own narrower interfaces; both
// adapters satisfy them structurally.
package store

import (
	"context"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
)

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	Type     model.DocumentType
	Supplier *int64
	Limit    int
	Offset   int
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	DocumentID *int64
	Severity   model.Severity
}

// Store is the full persistence contract.
type Store interface {
	// Documents and lines
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocumentByFilename(ctx context.Context, filename string) (*model.Document, error)
	DocumentWithLines(ctx context.Context, id int64) (*model.Document, error)
	DocumentsWithLines(ctx context.Context) ([]model.Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error)
	LineByID(ctx context.Context, id int64) (*model.LineItem, error)
	ActiveLines(ctx context.Context) ([]model.LineItem, error)
	DistinctEntityValues(ctx context.Context, et model.EntityType) (map[string]int, error)

	// Suppliers
	FindOrCreateSupplier(ctx context.Context, name, normalized string) (*model.Supplier, error)
	GetSupplier(ctx context.Context, id int64) (*model.Supplier, error)

	// Entity mappings and merge audit
	Mappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error)
	ReverseMappings(ctx context.Context, et model.EntityType) (map[string][]string, error)
	ApplyMerge(ctx context.Context, mappings []model.EntityMapping, audit *model.MergeAuditEntry) error
	RevertMerge(ctx context.Context, auditID int64) (bool, error)
	PendingMappings(ctx context.Context, et model.EntityType) ([]model.EntityMapping, error)
	GetMappingByID(ctx context.Context, id int64) (*model.EntityMapping, error)
	UpdateMappingStatus(ctx context.Context, id int64, status model.MappingStatus) error
	SavePendingMappings(ctx context.Context, mappings []model.EntityMapping) error
	MergeAudits(ctx context.Context, et model.EntityType) ([]model.MergeAuditEntry, error)

	// Anomalies
	ReplaceAnomalies(ctx context.Context, scope model.AnomalyScope, anomalies []model.Anomaly) error
	Anomalies(ctx context.Context, filter AnomalyFilter) ([]model.Anomaly, error)

	// Corrections
	ApplyCorrections(ctx context.Context, batch correction.Batch) error
	CorrectionsForField(ctx context.Context, f model.Field) ([]model.Correction, error)
	Corrections(ctx context.Context, documentID *int64) ([]model.Correction, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

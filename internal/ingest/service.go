package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/normalize"
)

// Pattern selects extraction files inside an ingestion directory.
const Pattern = "*_extraction.json"

// Store is the persistence surface ingestion needs.
type Store interface {
	GetDocumentByFilename(ctx context.Context, filename string) (*model.Document, error)
	CreateDocument(ctx context.Context, doc *model.Document) error
	FindOrCreateSupplier(ctx context.Context, name, normalized string) (*model.Supplier, error)
}

// Status classifies the outcome for one file.
type Status string

const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusError    Status = "error"
)

// FileResult is the per-file outcome of a directory run.
type FileResult struct {
	File   string `json:"file"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes a directory run. BatchID ties the run's log lines
// together.
type Report struct {
	BatchID  string       `json:"batch_id"`
	Ingested int          `json:"ingested"`
	Skipped  int          `json:"skipped"`
	Errors   int          `json:"errors"`
	Files    []FileResult `json:"files"`
}

// Service ingests extraction payloads.
type Service struct {
	store         Store
	maxConcurrent int
}

// NewService builds an ingestion service. maxConcurrent bounds directory
// ingestion; values below 1 mean sequential.
func NewService(store Store, maxConcurrent int) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{store: store, maxConcurrent: maxConcurrent}
}

// Ingest stores one extraction. The returned bool is false when the filename
// was already known and the payload was skipped.
func (s *Service) Ingest(ctx context.Context, ex *Extraction) (*model.Document, bool, error) {
	existing, err := s.store.GetDocumentByFilename(ctx, ex.Filename)
	if err != nil {
		return nil, false, eris.Wrapf(err, "ingest: lookup %s", ex.Filename)
	}
	if existing != nil {
		zap.L().Debug("document already ingested", zap.String("fichier", ex.Filename))
		return existing, false, nil
	}

	doc := ex.toDocument()
	if sup := ex.Metadata.Supplier; sup != nil && sup.Name != "" {
		rec, err := s.store.FindOrCreateSupplier(ctx, sup.Name, normalize.Supplier(sup.Name))
		if err != nil {
			return nil, false, eris.Wrapf(err, "ingest: supplier for %s", ex.Filename)
		}
		doc.SupplierID = &rec.ID
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, false, eris.Wrapf(err, "ingest: create %s", ex.Filename)
	}
	zap.L().Info("document ingested",
		zap.String("fichier", doc.Filename),
		zap.Int64("document_id", doc.ID),
		zap.Int("lignes", len(doc.Lines)),
		zap.Strings("warnings", ex.Warnings))
	return doc, true, nil
}

// IngestFile reads and ingests one extraction JSON file.
func (s *Service) IngestFile(ctx context.Context, path string) (*model.Document, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, eris.Wrapf(err, "ingest: read %s", path)
	}
	ex, err := Parse(data)
	if err != nil {
		return nil, false, err
	}
	return s.Ingest(ctx, ex)
}

// IngestDir ingests every matching file in dir with bounded concurrency.
// Per-file failures are recorded in the report, not returned as errors.
func (s *Service) IngestDir(ctx context.Context, dir string) (*Report, error) {
	paths, err := filepath.Glob(filepath.Join(dir, Pattern))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: glob %s", dir)
	}
	sort.Strings(paths)

	report := &Report{BatchID: uuid.NewString()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			name := filepath.Base(path)
			_, created, err := s.IngestFile(gctx, path)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors++
				report.Files = append(report.Files, FileResult{File: name, Status: StatusError, Error: err.Error()})
				zap.L().Warn("ingestion failed",
					zap.String("batch_id", report.BatchID),
					zap.String("file", name), zap.Error(err))
			case created:
				report.Ingested++
				report.Files = append(report.Files, FileResult{File: name, Status: StatusIngested})
			default:
				report.Skipped++
				report.Files = append(report.Files, FileResult{File: name, Status: StatusSkipped})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].File < report.Files[j].File })
	zap.L().Info("directory ingested",
		zap.String("batch_id", report.BatchID),
		zap.String("dir", dir),
		zap.Int("ingested", report.Ingested),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors))
	return report, nil
}

package correction

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
)

// Sentinel errors, matchable with errors.Is through the eris wrap chain.
var (
	ErrLineNotFound = eris.New("correction: line not found")
	ErrUnknownField = eris.New("correction: unknown field")
	ErrValidation   = eris.New("correction: invalid value")
)

// Batch is one atomic write: updated line rows, their audit entries, and the
// recomputed global confidence per affected document. Either every part
// lands or none does.
type Batch struct {
	Lines       []model.LineItem
	Corrections []model.Correction
	Confidences map[int64]*float64
}

// Store is the persistence surface the service needs.
type Store interface {
	LineByID(ctx context.Context, id int64) (*model.LineItem, error)
	DocumentWithLines(ctx context.Context, id int64) (*model.Document, error)
	ActiveLines(ctx context.Context) ([]model.LineItem, error)
	CorrectionsForField(ctx context.Context, f model.Field) ([]model.Correction, error)
	ApplyCorrections(ctx context.Context, batch Batch) error
}

// Service coordinates corrections: every mutation goes through one Batch so
// the field write, its audit entry, and the document confidence recompute
// commit together.
type Service struct {
	store     Store
	threshold float64
}

// NewService creates a Service. threshold is the default propagation
// eligibility bound on per-field confidence.
func NewService(store Store, threshold float64) *Service {
	if threshold == 0 {
		threshold = 0.70
	}
	return &Service{store: store, threshold: threshold}
}

// ApplyRequest corrects one field of one line.
type ApplyRequest struct {
	LineID   int64
	Field    model.Field
	NewValue string
	By       string
	Notes    *string
}

// Apply overwrites the field, raises its confidence to 1.0, records the
// correction, and recomputes the owning document's global confidence, all in
// one batch. This is the only path by which a confidence score increases.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*model.Correction, error) {
	if !req.Field.Valid() {
		return nil, eris.Wrapf(ErrUnknownField, "%q", req.Field)
	}
	if req.NewValue == "" {
		return nil, eris.Wrap(ErrValidation, "empty value")
	}

	line, err := s.store.LineByID(ctx, req.LineID)
	if err != nil {
		return nil, eris.Wrapf(err, "correction: load line %d", req.LineID)
	}
	if line == nil {
		return nil, eris.Wrapf(ErrLineNotFound, "%d", req.LineID)
	}

	corr, err := s.edit(line, req.Field, req.NewValue, req.By, req.Notes)
	if err != nil {
		return nil, err
	}

	batch := Batch{Lines: []model.LineItem{*line}, Corrections: []model.Correction{*corr}}
	batch.Confidences, err = s.recomputeConfidences(ctx, batch.Lines)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplyCorrections(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "correction: apply batch")
	}

	zap.L().Info("correction applied",
		zap.Int64("line_id", req.LineID),
		zap.String("field", string(req.Field)),
		zap.String("by", corr.CorrectedBy),
	)
	return corr, nil
}

// PropagateRequest pushes one verified fix onto every line still carrying
// the same low-confidence value.
type PropagateRequest struct {
	Field     model.Field
	RawValue  string
	NewValue  string
	Threshold *float64
	By        string
	Notes     *string
}

// Propagate applies the fix to every eligible line (same current value,
// confidence below the threshold or missing) as a single atomic batch, one
// audit entry per line. Returns the number of lines corrected.
func (s *Service) Propagate(ctx context.Context, req PropagateRequest) (int, error) {
	if !req.Field.Valid() {
		return 0, eris.Wrapf(ErrUnknownField, "%q", req.Field)
	}
	if req.NewValue == "" {
		return 0, eris.Wrap(ErrValidation, "empty value")
	}
	threshold := s.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	candidates, err := s.store.ActiveLines(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "correction: load candidate lines")
	}
	eligible := Eligible(req.Field, req.RawValue, candidates, threshold)
	if len(eligible) == 0 {
		return 0, nil
	}

	batch := Batch{}
	for i := range eligible {
		line := eligible[i]
		corr, err := s.edit(&line, req.Field, req.NewValue, req.By, req.Notes)
		if err != nil {
			return 0, err
		}
		batch.Lines = append(batch.Lines, line)
		batch.Corrections = append(batch.Corrections, *corr)
	}
	batch.Confidences, err = s.recomputeConfidences(ctx, batch.Lines)
	if err != nil {
		return 0, err
	}
	if err := s.store.ApplyCorrections(ctx, batch); err != nil {
		return 0, eris.Wrap(err, "correction: apply propagation batch")
	}

	zap.L().Info("correction propagated",
		zap.String("field", string(req.Field)),
		zap.String("raw_value", req.RawValue),
		zap.Int("lines", len(eligible)),
	)
	return len(eligible), nil
}

// DeleteLine soft-deletes a line and logs the action as a correction entry.
// The document's global confidence no longer counts the deleted line.
func (s *Service) DeleteLine(ctx context.Context, lineID int64, by string, notes *string) (*model.Correction, error) {
	line, err := s.store.LineByID(ctx, lineID)
	if err != nil {
		return nil, eris.Wrapf(err, "correction: load line %d", lineID)
	}
	if line == nil {
		return nil, eris.Wrapf(ErrLineNotFound, "%d", lineID)
	}

	oldValue, _ := line.Value(model.FieldMaterial)
	line.Deleted = true
	deleted := "supprimee"
	corr := &model.Correction{
		LineID:      line.ID,
		DocumentID:  line.DocumentID,
		Field:       model.FieldLineDeleted,
		OldValue:    &oldValue,
		NewValue:    &deleted,
		Status:      model.CorrectionApplied,
		CorrectedBy: defaultBy(by),
		Notes:       notes,
		CorrectedAt: time.Now().UTC(),
	}

	batch := Batch{Lines: []model.LineItem{*line}, Corrections: []model.Correction{*corr}}
	batch.Confidences, err = s.recomputeConfidences(ctx, batch.Lines)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplyCorrections(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "correction: apply deletion")
	}
	return corr, nil
}

// SuggestFor mines the stored correction history for the most frequent fix
// of this field and raw value. Nil means no suggestion.
func (s *Service) SuggestFor(ctx context.Context, field model.Field, rawValue string) (*string, error) {
	if !field.Valid() {
		return nil, eris.Wrapf(ErrUnknownField, "%q", field)
	}
	history, err := s.store.CorrectionsForField(ctx, field)
	if err != nil {
		return nil, eris.Wrap(err, "correction: load history")
	}
	return Suggest(field, rawValue, history), nil
}

// edit mutates the line in place and builds its audit entry.
func (s *Service) edit(line *model.LineItem, field model.Field, newValue, by string, notes *string) (*model.Correction, error) {
	var oldPtr *string
	if old, ok := line.Value(field); ok {
		oldPtr = &old
	}
	var oldConf *float64
	if c := line.Confidence.Get(field); c != nil {
		v := *c
		oldConf = &v
	}

	if err := line.SetValue(field, newValue); err != nil {
		return nil, eris.Wrapf(ErrValidation, "%s=%q: %v", field, newValue, err)
	}
	line.Confidence.Set(field, 1.0)

	return &model.Correction{
		LineID:        line.ID,
		DocumentID:    line.DocumentID,
		Field:         field,
		OldValue:      oldPtr,
		NewValue:      &newValue,
		OldConfidence: oldConf,
		Status:        model.CorrectionApplied,
		CorrectedBy:   defaultBy(by),
		Notes:         notes,
		CorrectedAt:   time.Now().UTC(),
	}, nil
}

// recomputeConfidences rebuilds the global confidence of every document
// touched by the edited lines, folding the edits into the stored snapshot.
func (s *Service) recomputeConfidences(ctx context.Context, edited []model.LineItem) (map[int64]*float64, error) {
	byLine := map[int64]model.LineItem{}
	docIDs := map[int64]bool{}
	for _, l := range edited {
		byLine[l.ID] = l
		docIDs[l.DocumentID] = true
	}

	out := make(map[int64]*float64, len(docIDs))
	for docID := range docIDs {
		doc, err := s.store.DocumentWithLines(ctx, docID)
		if err != nil {
			return nil, eris.Wrapf(err, "correction: load document %d", docID)
		}
		if doc == nil {
			return nil, eris.Errorf("correction: document not found: %d", docID)
		}
		for i := range doc.Lines {
			if l, ok := byLine[doc.Lines[i].ID]; ok {
				doc.Lines[i] = l
			}
		}
		doc.RecomputeGlobalConfidence()
		out[docID] = doc.GlobalConfidence
	}
	return out, nil
}

func defaultBy(by string) string {
	if by == "" {
		return "admin"
	}
	return by
}

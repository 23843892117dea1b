package model

import "time"

// CorrectionStatus is the terminal state of a correction record.
type CorrectionStatus string

const (
	CorrectionApplied  CorrectionStatus = "applied"
	CorrectionRejected CorrectionStatus = "rejected"
)

// FieldLineDeleted marks a soft-deletion entry in the correction log. It is
// not an editable field and never passes Field.Valid.
const FieldLineDeleted Field = "__suppression__"

// Correction is the immutable audit record of one human edit to one field of
// one line. A revert is a new Correction, never a mutation of an old one.
// The suggestion engine mines this history for the most frequent fix.
type Correction struct {
	ID            int64            `json:"id,omitempty"`
	LineID        int64            `json:"ligne_id"`
	DocumentID    int64            `json:"document_id"`
	Field         Field            `json:"champ"`
	OldValue      *string          `json:"ancienne_valeur,omitempty"`
	NewValue      *string          `json:"nouvelle_valeur,omitempty"`
	OldConfidence *float64         `json:"ancienne_confiance,omitempty"`
	Status        CorrectionStatus `json:"status"`
	CorrectedBy   string           `json:"corrige_par"`
	Notes         *string          `json:"notes,omitempty"`
	CorrectedAt   time.Time        `json:"corrige_at,omitempty"`
}

package model

import "time"

// Severity grades a detected anomaly.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyScope selects which part of the data a detection pass re-evaluates:
// one document, or the whole corpus when DocumentID is nil.
type AnomalyScope struct {
	DocumentID *int64
}

// GlobalScope covers every document.
func GlobalScope() AnomalyScope { return AnomalyScope{} }

// DocumentScope covers a single document.
func DocumentScope(id int64) AnomalyScope { return AnomalyScope{DocumentID: &id} }

// Anomaly is one detected data-quality issue, attached to a document and
// optionally to a specific line. The anomaly table is recomputed on each
// detection pass, never accumulated.
type Anomaly struct {
	ID          int64     `json:"id,omitempty"`
	DocumentID  int64     `json:"document_id"`
	LineID      *int64    `json:"ligne_id,omitempty"`
	RuleID      string    `json:"regle_id"`
	RuleType    string    `json:"type_anomalie"`
	Severity    Severity  `json:"severite"`
	Description string    `json:"description"`
	Expected    string    `json:"valeur_attendue,omitempty"`
	Found       string    `json:"valeur_trouvee,omitempty"`
	DetectedAt  time.Time `json:"detected_at,omitempty"`
}

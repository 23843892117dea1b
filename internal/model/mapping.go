package model

import "time"

// EntityType scopes a resolution mapping to one kind of raw value.
type EntityType string

const (
	EntitySupplier EntityType = "supplier"
	EntityMaterial EntityType = "material"
	EntityLocation EntityType = "location"
	EntityCompany  EntityType = "company"
)

// EntityTypes returns all known entity types.
func EntityTypes() []EntityType {
	return []EntityType{EntitySupplier, EntityMaterial, EntityLocation, EntityCompany}
}

// MappingStatus is the review state of an entity mapping.
type MappingStatus string

const (
	MappingApproved      MappingStatus = "approved"
	MappingPendingReview MappingStatus = "pending_review"
	MappingRejected      MappingStatus = "rejected"
)

// MatchMode selects how a mapping's raw value matches incoming data.
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchPrefix MatchMode = "prefix"
)

// Mapping sources.
const (
	SourceManual    = "manual"
	SourceAutoFuzzy = "auto-fuzzy"
)

// EntityMapping maps one raw value to its canonical form. At most one
// approved mapping exists per (entity_type, raw_value); approving a new one
// supersedes the old.
type EntityMapping struct {
	ID             int64         `json:"id,omitempty"`
	EntityType     EntityType    `json:"entity_type"`
	RawValue       string        `json:"raw_value"`
	CanonicalValue string        `json:"canonical_value"`
	MatchMode      MatchMode     `json:"match_mode"`
	Status         MappingStatus `json:"status"`
	Source         string        `json:"source"`
	Confidence     float64       `json:"confidence"`
	CreatedBy      string        `json:"created_by,omitempty"`
	Notes          *string       `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at,omitempty"`
}

// MergeAuditEntry is an append-only record of a merge or revert. Reverting a
// merge removes the mappings it created and flags the entry; the entry itself
// is never deleted.
type MergeAuditEntry struct {
	ID             int64      `json:"id,omitempty"`
	EntityType     EntityType `json:"entity_type"`
	Action         string     `json:"action"`
	CanonicalValue string     `json:"canonical_value"`
	RawValues      []string   `json:"raw_values"`
	PerformedBy    string     `json:"performed_by"`
	Notes          *string    `json:"notes,omitempty"`
	Reverted       bool       `json:"reverted"`
	RevertedAt     *time.Time `json:"reverted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
}

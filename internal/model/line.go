package model

import (
	"strconv"
	"time"
)

// Field identifies one of the nine editable extraction fields on a line item.
// The same closed set drives correction validation, anomaly field iteration,
// and the per-field confidence vector.
type Field string

const (
	FieldMaterial       Field = "type_matiere"
	FieldUnit           Field = "unite"
	FieldUnitPrice      Field = "prix_unitaire"
	FieldQuantity       Field = "quantite"
	FieldLineTotal      Field = "prix_total"
	FieldDepartureDate  Field = "date_depart"
	FieldArrivalDate    Field = "date_arrivee"
	FieldDeparturePlace Field = "lieu_depart"
	FieldArrivalPlace   Field = "lieu_arrivee"
)

// DateLayout is the wire format for line item dates.
const DateLayout = "2006-01-02"

// Fields returns all editable fields in stable declaration order.
func Fields() []Field {
	return []Field{
		FieldMaterial, FieldUnit, FieldUnitPrice, FieldQuantity, FieldLineTotal,
		FieldDepartureDate, FieldArrivalDate, FieldDeparturePlace, FieldArrivalPlace,
	}
}

// Valid reports whether f is one of the nine editable fields.
func (f Field) Valid() bool {
	switch f {
	case FieldMaterial, FieldUnit, FieldUnitPrice, FieldQuantity, FieldLineTotal,
		FieldDepartureDate, FieldArrivalDate, FieldDeparturePlace, FieldArrivalPlace:
		return true
	}
	return false
}

// ConfidenceVector holds one extraction confidence score in [0,1] per field.
// Nil means the extractor reported nothing for that field.
type ConfidenceVector struct {
	Material       *float64 `json:"type_matiere,omitempty"`
	Unit           *float64 `json:"unite,omitempty"`
	UnitPrice      *float64 `json:"prix_unitaire,omitempty"`
	Quantity       *float64 `json:"quantite,omitempty"`
	LineTotal      *float64 `json:"prix_total,omitempty"`
	DepartureDate  *float64 `json:"date_depart,omitempty"`
	ArrivalDate    *float64 `json:"date_arrivee,omitempty"`
	DeparturePlace *float64 `json:"lieu_depart,omitempty"`
	ArrivalPlace   *float64 `json:"lieu_arrivee,omitempty"`
}

// Get returns the confidence for the given field, or nil.
func (c *ConfidenceVector) Get(f Field) *float64 {
	switch f {
	case FieldMaterial:
		return c.Material
	case FieldUnit:
		return c.Unit
	case FieldUnitPrice:
		return c.UnitPrice
	case FieldQuantity:
		return c.Quantity
	case FieldLineTotal:
		return c.LineTotal
	case FieldDepartureDate:
		return c.DepartureDate
	case FieldArrivalDate:
		return c.ArrivalDate
	case FieldDeparturePlace:
		return c.DeparturePlace
	case FieldArrivalPlace:
		return c.ArrivalPlace
	}
	return nil
}

// Set overwrites the confidence for the given field.
func (c *ConfidenceVector) Set(f Field, v float64) {
	switch f {
	case FieldMaterial:
		c.Material = &v
	case FieldUnit:
		c.Unit = &v
	case FieldUnitPrice:
		c.UnitPrice = &v
	case FieldQuantity:
		c.Quantity = &v
	case FieldLineTotal:
		c.LineTotal = &v
	case FieldDepartureDate:
		c.DepartureDate = &v
	case FieldArrivalDate:
		c.ArrivalDate = &v
	case FieldDeparturePlace:
		c.DeparturePlace = &v
	case FieldArrivalPlace:
		c.ArrivalPlace = &v
	}
}

// LineItem is one purchased or shipped item row, owned by its Document.
type LineItem struct {
	ID             int64            `json:"id,omitempty"`
	DocumentID     int64            `json:"document_id"`
	Number         int              `json:"ligne_numero"`
	Material       *string          `json:"type_matiere,omitempty"`
	Unit           *string          `json:"unite,omitempty"`
	UnitPrice      *float64         `json:"prix_unitaire,omitempty"`
	Quantity       *float64         `json:"quantite,omitempty"`
	LineTotal      *float64         `json:"prix_total,omitempty"`
	DepartureDate  *time.Time       `json:"date_depart,omitempty"`
	ArrivalDate    *time.Time       `json:"date_arrivee,omitempty"`
	DeparturePlace *string          `json:"lieu_depart,omitempty"`
	ArrivalPlace   *string          `json:"lieu_arrivee,omitempty"`
	Deleted        bool             `json:"supprime,omitempty"`
	Confidence     ConfidenceVector `json:"confiance"`
}

// Value returns the string form of the named field, and whether it is set.
// Numeric fields use the shortest decimal representation, dates use DateLayout.
func (l *LineItem) Value(f Field) (string, bool) {
	switch f {
	case FieldMaterial:
		return strValue(l.Material)
	case FieldUnit:
		return strValue(l.Unit)
	case FieldUnitPrice:
		return floatValue(l.UnitPrice)
	case FieldQuantity:
		return floatValue(l.Quantity)
	case FieldLineTotal:
		return floatValue(l.LineTotal)
	case FieldDepartureDate:
		return dateValue(l.DepartureDate)
	case FieldArrivalDate:
		return dateValue(l.ArrivalDate)
	case FieldDeparturePlace:
		return strValue(l.DeparturePlace)
	case FieldArrivalPlace:
		return strValue(l.ArrivalPlace)
	}
	return "", false
}

// SetValue parses raw into the named field's native type and stores it.
func (l *LineItem) SetValue(f Field, raw string) error {
	switch f {
	case FieldMaterial:
		l.Material = &raw
	case FieldUnit:
		l.Unit = &raw
	case FieldDeparturePlace:
		l.DeparturePlace = &raw
	case FieldArrivalPlace:
		l.ArrivalPlace = &raw
	case FieldUnitPrice, FieldQuantity, FieldLineTotal:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		switch f {
		case FieldUnitPrice:
			l.UnitPrice = &v
		case FieldQuantity:
			l.Quantity = &v
		case FieldLineTotal:
			l.LineTotal = &v
		}
	case FieldDepartureDate, FieldArrivalDate:
		t, err := time.Parse(DateLayout, raw)
		if err != nil {
			return err
		}
		if f == FieldDepartureDate {
			l.DepartureDate = &t
		} else {
			l.ArrivalDate = &t
		}
	}
	return nil
}

func strValue(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	return *p, true
}

func floatValue(p *float64) (string, bool) {
	if p == nil {
		return "", false
	}
	return strconv.FormatFloat(*p, 'f', -1, 64), true
}

func dateValue(p *time.Time) (string, bool) {
	if p == nil {
		return "", false
	}
	return p.Format(DateLayout), true
}

// Package ingest loads extraction JSON files into the store. Ingestion is
// idempotent on the source filename: a document that already exists is
// skipped, never overwritten.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/atrium-data/rationalize/internal/model"
)

// Extraction is the wire contract produced by the upstream PDF extraction
// pipeline, one JSON file per source document.
type Extraction struct {
	Filename         string     `json:"fichier"`
	TypeDocument     string     `json:"type_document"`
	Strategy         string     `json:"strategie_utilisee"`
	GlobalConfidence *float64   `json:"confiance_globale"`
	MissingFields    []string   `json:"champs_manquants"`
	Warnings         []string   `json:"warnings"`
	Metadata         Metadata   `json:"metadonnees"`
	Lines            []WireLine `json:"lignes"`
}

// Metadata carries document-level extraction results.
type Metadata struct {
	Supplier       *Party     `json:"fournisseur"`
	Client         *Party     `json:"client"`
	References     References `json:"references"`
	DocumentDate   string     `json:"date_document"`
	DocumentNumber *string    `json:"numero_document"`
	TotalExclTax   *float64   `json:"montant_ht"`
	TaxAmount      *float64   `json:"montant_tva"`
	TotalInclTax   *float64   `json:"montant_ttc"`
	Currency       string     `json:"devise"`
	PaymentTerms   *string    `json:"conditions_paiement"`
}

// Party is a supplier or client block.
type Party struct {
	Name      string  `json:"nom"`
	Address   *string `json:"adresse"`
	SIRET     *string `json:"siret"`
	VATNumber *string `json:"tva_intra"`
}

// References holds cross-document reference numbers.
type References struct {
	Order        *string `json:"commande"`
	Contract     *string `json:"contrat"`
	DeliveryNote *string `json:"bon_livraison"`
}

// WireLine is one extracted line item. Dates arrive as ISO strings and are
// parsed leniently: an empty or malformed date becomes nil.
type WireLine struct {
	Number         int                    `json:"ligne_numero"`
	Material       *string                `json:"type_matiere"`
	Unit           *string                `json:"unite"`
	UnitPrice      *float64               `json:"prix_unitaire"`
	Quantity       *float64               `json:"quantite"`
	LineTotal      *float64               `json:"prix_total"`
	DepartureDate  string                 `json:"date_depart"`
	ArrivalDate    string                 `json:"date_arrivee"`
	DeparturePlace *string                `json:"lieu_depart"`
	ArrivalPlace   *string                `json:"lieu_arrivee"`
	Confidence     model.ConfidenceVector `json:"confiance"`
}

// Parse decodes a single extraction JSON payload.
func Parse(data []byte) (*Extraction, error) {
	var ex Extraction
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, eris.Wrap(err, "ingest: decode extraction")
	}
	if ex.Filename == "" {
		return nil, eris.New("ingest: extraction has no fichier")
	}
	return &ex, nil
}

func (ex *Extraction) toDocument() *model.Document {
	meta := ex.Metadata
	doc := &model.Document{
		Filename:         ex.Filename,
		Type:             model.ParseDocumentType(ex.TypeDocument),
		Strategy:         ex.Strategy,
		DocumentDate:     parseDate(meta.DocumentDate),
		DocumentNumber:   meta.DocumentNumber,
		TotalExclTax:     meta.TotalExclTax,
		TaxAmount:        meta.TaxAmount,
		TotalInclTax:     meta.TotalInclTax,
		Currency:         meta.Currency,
		PaymentTerms:     meta.PaymentTerms,
		OrderRef:         meta.References.Order,
		ContractRef:      meta.References.Contract,
		DeliveryNoteRef:  meta.References.DeliveryNote,
		GlobalConfidence: ex.GlobalConfidence,
	}
	if doc.Currency == "" {
		doc.Currency = "EUR"
	}
	if meta.Client != nil {
		if meta.Client.Name != "" {
			doc.ClientName = &meta.Client.Name
		}
		doc.ClientAddress = meta.Client.Address
	}
	for _, wl := range ex.Lines {
		doc.Lines = append(doc.Lines, model.LineItem{
			Number:         wl.Number,
			Material:       wl.Material,
			Unit:           wl.Unit,
			UnitPrice:      wl.UnitPrice,
			Quantity:       wl.Quantity,
			LineTotal:      wl.LineTotal,
			DepartureDate:  parseDate(wl.DepartureDate),
			ArrivalDate:    parseDate(wl.ArrivalDate),
			DeparturePlace: wl.DeparturePlace,
			ArrivalPlace:   wl.ArrivalPlace,
			Confidence:     wl.Confidence,
		})
	}
	return doc
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

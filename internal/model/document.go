package model

import "time"

// DocumentType classifies a source document.
type DocumentType string

const (
	DocInvoice       DocumentType = "facture"
	DocDeliveryNote  DocumentType = "bon_livraison"
	DocQuote         DocumentType = "devis"
	DocPurchaseOrder DocumentType = "bon_commande"
	DocCreditNote    DocumentType = "avoir"
	DocStatement     DocumentType = "releve"
	DocOther         DocumentType = "autre"
)

// ParseDocumentType maps a wire value to a DocumentType, defaulting to DocOther.
func ParseDocumentType(s string) DocumentType {
	switch DocumentType(s) {
	case DocInvoice, DocDeliveryNote, DocQuote, DocPurchaseOrder, DocCreditNote, DocStatement:
		return DocumentType(s)
	}
	return DocOther
}

// Document is one source file's extraction result. The filename is the
// idempotency key: re-ingesting a known filename is a no-op.
type Document struct {
	ID               int64        `json:"id,omitempty"`
	Filename         string       `json:"fichier"`
	Type             DocumentType `json:"type_document"`
	Strategy         string       `json:"strategie_utilisee,omitempty"`
	SupplierID       *int64       `json:"fournisseur_id,omitempty"`
	ClientName       *string      `json:"client_nom,omitempty"`
	ClientAddress    *string      `json:"client_adresse,omitempty"`
	DocumentDate     *time.Time   `json:"date_document,omitempty"`
	DocumentNumber   *string      `json:"numero_document,omitempty"`
	TotalExclTax     *float64     `json:"montant_ht,omitempty"`
	TaxAmount        *float64     `json:"montant_tva,omitempty"`
	TotalInclTax     *float64     `json:"montant_ttc,omitempty"`
	Currency         string       `json:"devise,omitempty"`
	PaymentTerms     *string      `json:"conditions_paiement,omitempty"`
	OrderRef         *string      `json:"ref_commande,omitempty"`
	ContractRef      *string      `json:"ref_contrat,omitempty"`
	DeliveryNoteRef  *string      `json:"ref_bon_livraison,omitempty"`
	GlobalConfidence *float64     `json:"confiance_globale,omitempty"`
	Lines            []LineItem   `json:"lignes,omitempty"`
}

// RecomputeGlobalConfidence sets GlobalConfidence to the mean of all non-nil
// per-field confidences across active (non-deleted) lines, or nil when no
// confidence was ever reported.
func (d *Document) RecomputeGlobalConfidence() {
	var sum float64
	var n int
	for i := range d.Lines {
		if d.Lines[i].Deleted {
			continue
		}
		for _, f := range Fields() {
			if c := d.Lines[i].Confidence.Get(f); c != nil {
				sum += *c
				n++
			}
		}
	}
	if n == 0 {
		d.GlobalConfidence = nil
		return
	}
	mean := sum / float64(n)
	d.GlobalConfidence = &mean
}

// Supplier is a deduplicated party referenced by many documents. Lookup at
// ingestion time is by normalized name; finer-grained deduplication of
// near-duplicate names happens through entity resolution mappings.
type Supplier struct {
	ID        int64   `json:"id,omitempty"`
	Name      string  `json:"nom"`
	Address   *string `json:"adresse,omitempty"`
	SIRET     *string `json:"siret,omitempty"`
	VATNumber *string `json:"tva_intra,omitempty"`
}

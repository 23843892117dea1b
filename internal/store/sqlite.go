package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fournisseurs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	nom           TEXT NOT NULL,
	nom_normalise TEXT NOT NULL UNIQUE,
	adresse       TEXT,
	siret         TEXT,
	tva_intra     TEXT
);

CREATE TABLE IF NOT EXISTS documents (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	fichier             TEXT NOT NULL UNIQUE,
	type_document       TEXT NOT NULL DEFAULT 'autre',
	strategie           TEXT,
	fournisseur_id      INTEGER REFERENCES fournisseurs(id),
	client_nom          TEXT,
	client_adresse      TEXT,
	date_document       TEXT,
	numero_document     TEXT,
	montant_ht          REAL,
	montant_tva         REAL,
	montant_ttc         REAL,
	devise              TEXT,
	conditions_paiement TEXT,
	ref_commande        TEXT,
	ref_contrat         TEXT,
	ref_bon_livraison   TEXT,
	confiance_globale   REAL,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lignes (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id       INTEGER NOT NULL REFERENCES documents(id),
	ligne_numero      INTEGER NOT NULL,
	type_matiere      TEXT,
	unite             TEXT,
	prix_unitaire     REAL,
	quantite          REAL,
	prix_total        REAL,
	date_depart       TEXT,
	date_arrivee      TEXT,
	lieu_depart       TEXT,
	lieu_arrivee      TEXT,
	supprime          INTEGER NOT NULL DEFAULT 0,
	conf_type_matiere  REAL,
	conf_unite         REAL,
	conf_prix_unitaire REAL,
	conf_quantite      REAL,
	conf_prix_total    REAL,
	conf_date_depart   REAL,
	conf_date_arrivee  REAL,
	conf_lieu_depart   REAL,
	conf_lieu_arrivee  REAL
);

CREATE TABLE IF NOT EXISTS entity_mappings (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT NOT NULL,
	raw_value       TEXT NOT NULL,
	canonical_value TEXT NOT NULL,
	match_mode      TEXT NOT NULL DEFAULT 'exact',
	status          TEXT NOT NULL DEFAULT 'approved',
	source          TEXT NOT NULL DEFAULT 'manual',
	confidence      REAL NOT NULL DEFAULT 1.0,
	created_by      TEXT,
	notes           TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(entity_type, raw_value)
);

CREATE TABLE IF NOT EXISTS merge_audit (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT NOT NULL,
	action          TEXT NOT NULL,
	canonical_value TEXT NOT NULL,
	raw_values      TEXT NOT NULL,
	performed_by    TEXT,
	notes           TEXT,
	reverted        INTEGER NOT NULL DEFAULT 0,
	reverted_at     DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS anomalies (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id     INTEGER NOT NULL REFERENCES documents(id),
	ligne_id        INTEGER REFERENCES lignes(id),
	regle_id        TEXT NOT NULL,
	type_anomalie   TEXT NOT NULL,
	severite        TEXT NOT NULL,
	description     TEXT NOT NULL,
	valeur_attendue TEXT,
	valeur_trouvee  TEXT,
	detected_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS corrections (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	ligne_id           INTEGER NOT NULL REFERENCES lignes(id),
	document_id        INTEGER NOT NULL REFERENCES documents(id),
	champ              TEXT NOT NULL,
	ancienne_valeur    TEXT,
	nouvelle_valeur    TEXT,
	ancienne_confiance REAL,
	status             TEXT NOT NULL DEFAULT 'applied',
	corrige_par        TEXT NOT NULL,
	notes              TEXT,
	corrige_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lignes_document_id ON lignes(document_id);
CREATE INDEX IF NOT EXISTS idx_lignes_type_matiere ON lignes(type_matiere);
CREATE INDEX IF NOT EXISTS idx_mappings_type_status ON entity_mappings(entity_type, status);
CREATE INDEX IF NOT EXISTS idx_anomalies_document_id ON anomalies(document_id);
CREATE INDEX IF NOT EXISTS idx_corrections_champ ON corrections(champ);
CREATE INDEX IF NOT EXISTS idx_corrections_document_id ON corrections(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const documentColumns = `id, fichier, type_document, strategie, fournisseur_id, client_nom,
	client_adresse, date_document, numero_document, montant_ht, montant_tva, montant_ttc,
	devise, conditions_paiement, ref_commande, ref_contrat, ref_bon_livraison, confiance_globale`

const lineColumns = `id, document_id, ligne_numero, type_matiere, unite, prix_unitaire,
	quantite, prix_total, date_depart, date_arrivee, lieu_depart, lieu_arrivee, supprime,
	conf_type_matiere, conf_unite, conf_prix_unitaire, conf_quantite, conf_prix_total,
	conf_date_depart, conf_date_arrivee, conf_lieu_depart, conf_lieu_arrivee`

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (fichier, type_document, strategie, fournisseur_id, client_nom,
			client_adresse, date_document, numero_document, montant_ht, montant_tva, montant_ttc,
			devise, conditions_paiement, ref_commande, ref_contrat, ref_bon_livraison, confiance_globale)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.Filename, string(doc.Type), nullIfEmpty(doc.Strategy), doc.SupplierID, doc.ClientName,
		doc.ClientAddress, dateArg(doc.DocumentDate), doc.DocumentNumber, doc.TotalExclTax,
		doc.TaxAmount, doc.TotalInclTax, nullIfEmpty(doc.Currency), doc.PaymentTerms,
		doc.OrderRef, doc.ContractRef, doc.DeliveryNoteRef, doc.GlobalConfidence,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert document %s", doc.Filename)
	}
	doc.ID, err = res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: document id")
	}

	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.DocumentID = doc.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO lignes (document_id, ligne_numero, type_matiere, unite, prix_unitaire,
				quantite, prix_total, date_depart, date_arrivee, lieu_depart, lieu_arrivee, supprime,
				conf_type_matiere, conf_unite, conf_prix_unitaire, conf_quantite, conf_prix_total,
				conf_date_depart, conf_date_arrivee, conf_lieu_depart, conf_lieu_arrivee)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			line.DocumentID, line.Number, line.Material, line.Unit, line.UnitPrice,
			line.Quantity, line.LineTotal, dateArg(line.DepartureDate), dateArg(line.ArrivalDate),
			line.DeparturePlace, line.ArrivalPlace, line.Deleted,
			line.Confidence.Material, line.Confidence.Unit, line.Confidence.UnitPrice,
			line.Confidence.Quantity, line.Confidence.LineTotal, line.Confidence.DepartureDate,
			line.Confidence.ArrivalDate, line.Confidence.DeparturePlace, line.Confidence.ArrivalPlace,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert line %d of %s", line.Number, doc.Filename)
		}
		if line.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: line id")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit document")
}

func (s *SQLiteStore) GetDocumentByFilename(ctx context.Context, filename string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE fichier = ?`, filename)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func (s *SQLiteStore) DocumentWithLines(ctx context.Context, id int64) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Lines, err = s.linesForDocument(ctx, id)
	return doc, err
}

func (s *SQLiteStore) DocumentsWithLines(ctx context.Context) ([]model.Document, error) {
	docs, err := s.ListDocuments(ctx, DocumentFilter{Limit: -1})
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Lines, err = s.linesForDocument(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type_document = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Supplier != nil {
		query += ` AND fournisseur_id = ?`
		args = append(args, *filter.Supplier)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents")
}

func (s *SQLiteStore) linesForDocument(ctx context.Context, docID int64) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE document_id = ? ORDER BY ligne_numero`, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lines for document %d", docID)
	}
	defer rows.Close()
	return collectLines(rows)
}

func (s *SQLiteStore) LineByID(ctx context.Context, id int64) (*model.LineItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE id = ?`, id)
	line, err := scanLine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return line, err
}

func (s *SQLiteStore) ActiveLines(ctx context.Context) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE supprime = 0 ORDER BY document_id, ligne_numero`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active lines")
	}
	defer rows.Close()
	return collectLines(rows)
}

func (s *SQLiteStore) DistinctEntityValues(ctx context.Context, et model.EntityType) (map[string]int, error) {
	var query string
	switch et {
	case model.EntitySupplier:
		query = `SELECT f.nom, COUNT(*) FROM documents d
			JOIN fournisseurs f ON d.fournisseur_id = f.id GROUP BY f.nom`
	case model.EntityMaterial:
		query = `SELECT type_matiere, COUNT(*) FROM lignes
			WHERE type_matiere IS NOT NULL AND supprime = 0 GROUP BY type_matiere`
	case model.EntityLocation:
		query = `SELECT v, COUNT(*) FROM (
			SELECT lieu_depart AS v FROM lignes WHERE lieu_depart IS NOT NULL AND supprime = 0
			UNION ALL
			SELECT lieu_arrivee FROM lignes WHERE lieu_arrivee IS NOT NULL AND supprime = 0
		) GROUP BY v`
	case model.EntityCompany:
		query = `SELECT client_nom, COUNT(*) FROM documents
			WHERE client_nom IS NOT NULL GROUP BY client_nom`
	default:
		return nil, eris.Errorf("sqlite: unknown entity type %q", et)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: distinct values for %s", et)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan distinct value")
		}
		out[v] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: distinct values")
}

func (s *SQLiteStore) FindOrCreateSupplier(ctx context.Context, name, normalized string) (*model.Supplier, error) {
	sup := &model.Supplier{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nom, adresse, siret, tva_intra FROM fournisseurs WHERE nom_normalise = ?`,
		normalized,
	).Scan(&sup.ID, &sup.Name, &sup.Address, &sup.SIRET, &sup.VATNumber)
	if err == nil {
		return sup, nil
	}
	if err != sql.ErrNoRows {
		return nil, eris.Wrapf(err, "sqlite: find supplier %q", normalized)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fournisseurs (nom, nom_normalise) VALUES (?, ?)`, name, normalized)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create supplier %q", name)
	}
	if sup.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: supplier id")
	}
	return sup, nil
}

func (s *SQLiteStore) GetSupplier(ctx context.Context, id int64) (*model.Supplier, error) {
	sup := &model.Supplier{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nom, adresse, siret, tva_intra FROM fournisseurs WHERE id = ?`, id,
	).Scan(&sup.ID, &sup.Name, &sup.Address, &sup.SIRET, &sup.VATNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get supplier %d", id)
	}
	return sup, nil
}

func (s *SQLiteStore) mappingsWhere(ctx context.Context, et model.EntityType, mode model.MatchMode) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_value, canonical_value FROM entity_mappings
		 WHERE entity_type = ? AND status = ? AND match_mode = ?`,
		string(et), string(model.MappingApproved), string(mode))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mappings for %s", et)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var raw, canonical string
		if err := rows.Scan(&raw, &canonical); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		out[raw] = canonical
	}
	return out, eris.Wrap(rows.Err(), "sqlite: mappings")
}

func (s *SQLiteStore) Mappings(ctx context.Context, et model.EntityType) (map[string]string, error) {
	return s.mappingsWhere(ctx, et, model.MatchExact)
}

func (s *SQLiteStore) PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error) {
	return s.mappingsWhere(ctx, et, model.MatchPrefix)
}

func (s *SQLiteStore) ReverseMappings(ctx context.Context, et model.EntityType) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_value, canonical_value FROM entity_mappings
		 WHERE entity_type = ? AND status = ?`,
		string(et), string(model.MappingApproved))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reverse mappings for %s", et)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var raw, canonical string
		if err := rows.Scan(&raw, &canonical); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		out[canonical] = append(out[canonical], raw)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: reverse mappings")
}

func (s *SQLiteStore) ApplyMerge(ctx context.Context, mappings []model.EntityMapping, audit *model.MergeAuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	for i := range mappings {
		m := &mappings[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_mappings
				(entity_type, raw_value, canonical_value, match_mode, status, source, confidence, created_by, notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(entity_type, raw_value) DO UPDATE SET
				canonical_value = excluded.canonical_value,
				match_mode      = excluded.match_mode,
				status          = excluded.status,
				source          = excluded.source,
				confidence      = excluded.confidence,
				created_by      = excluded.created_by,
				notes           = excluded.notes`,
			string(m.EntityType), m.RawValue, m.CanonicalValue, string(m.MatchMode),
			string(m.Status), m.Source, m.Confidence, m.CreatedBy, m.Notes,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert mapping %q", m.RawValue)
		}
	}

	rawJSON, err := json.Marshal(audit.RawValues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal raw values")
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO merge_audit (entity_type, action, canonical_value, raw_values, performed_by, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(audit.EntityType), audit.Action, audit.CanonicalValue, string(rawJSON),
		audit.PerformedBy, audit.Notes, audit.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert merge audit")
	}
	if audit.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: audit id")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit merge")
}

func (s *SQLiteStore) RevertMerge(ctx context.Context, auditID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var entityType, rawJSON string
	var reverted bool
	err = tx.QueryRowContext(ctx,
		`SELECT entity_type, raw_values, reverted FROM merge_audit WHERE id = ?`, auditID,
	).Scan(&entityType, &rawJSON, &reverted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: load merge audit %d", auditID)
	}
	if reverted {
		return false, nil
	}

	var rawValues []string
	if err := json.Unmarshal([]byte(rawJSON), &rawValues); err != nil {
		return false, eris.Wrapf(err, "sqlite: unmarshal raw values of audit %d", auditID)
	}
	if len(rawValues) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rawValues)), ",")
		args := []any{entityType}
		for _, v := range rawValues {
			args = append(args, v)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM entity_mappings WHERE entity_type = ? AND raw_value IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return false, eris.Wrapf(err, "sqlite: delete mappings of audit %d", auditID)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE merge_audit SET reverted = 1, reverted_at = ? WHERE id = ?`,
		time.Now().UTC(), auditID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: flag audit %d reverted", auditID)
	}

	return true, eris.Wrap(tx.Commit(), "sqlite: commit revert")
}

const mappingColumns = `id, entity_type, raw_value, canonical_value, match_mode, status,
	source, confidence, created_by, notes, created_at`

func (s *SQLiteStore) PendingMappings(ctx context.Context, et model.EntityType) ([]model.EntityMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM entity_mappings
		 WHERE entity_type = ? AND status = ?
		 ORDER BY confidence DESC, raw_value`,
		string(et), string(model.MappingPendingReview))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending mappings for %s", et)
	}
	defer rows.Close()

	var out []model.EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending mappings")
}

func (s *SQLiteStore) GetMappingByID(ctx context.Context, id int64) (*model.EntityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM entity_mappings WHERE id = ?`, id)
	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) UpdateMappingStatus(ctx context.Context, id int64, status model.MappingStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entity_mappings SET status = ? WHERE id = ?`, string(status), id)
	return eris.Wrapf(err, "sqlite: update mapping %d status", id)
}

func (s *SQLiteStore) SavePendingMappings(ctx context.Context, mappings []model.EntityMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	for i := range mappings {
		m := &mappings[i]
		// Existing rows keep their decision; a proposal never overwrites.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_mappings
				(entity_type, raw_value, canonical_value, match_mode, status, source, confidence, created_by, notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(entity_type, raw_value) DO NOTHING`,
			string(m.EntityType), m.RawValue, m.CanonicalValue, string(m.MatchMode),
			string(m.Status), m.Source, m.Confidence, m.CreatedBy, m.Notes,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save pending mapping %q", m.RawValue)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit pending mappings")
}

func (s *SQLiteStore) MergeAudits(ctx context.Context, et model.EntityType) ([]model.MergeAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, action, canonical_value, raw_values, performed_by, notes,
			reverted, reverted_at, created_at
		 FROM merge_audit WHERE entity_type = ? ORDER BY created_at DESC, id DESC`,
		string(et))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: merge audits for %s", et)
	}
	defer rows.Close()

	var out []model.MergeAuditEntry
	for rows.Next() {
		var e model.MergeAuditEntry
		var rawJSON string
		var revertedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.EntityType, &e.Action, &e.CanonicalValue, &rawJSON,
			&e.PerformedBy, &e.Notes, &e.Reverted, &revertedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merge audit")
		}
		if err := json.Unmarshal([]byte(rawJSON), &e.RawValues); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal raw values of audit %d", e.ID)
		}
		if revertedAt.Valid {
			t := revertedAt.Time
			e.RevertedAt = &t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: merge audits")
}

func (s *SQLiteStore) ReplaceAnomalies(ctx context.Context, scope model.AnomalyScope, anomalies []model.Anomaly) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	if scope.DocumentID != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM anomalies WHERE document_id = ?`, *scope.DocumentID)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM anomalies`)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: clear anomalies")
	}

	for i := range anomalies {
		a := &anomalies[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO anomalies (document_id, ligne_id, regle_id, type_anomalie, severite,
				description, valeur_attendue, valeur_trouvee, detected_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.DocumentID, a.LineID, a.RuleID, a.RuleType, string(a.Severity),
			a.Description, nullIfEmpty(a.Expected), nullIfEmpty(a.Found), a.DetectedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert anomaly %s", a.RuleID)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: anomaly id")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit anomalies")
}

func (s *SQLiteStore) Anomalies(ctx context.Context, filter AnomalyFilter) ([]model.Anomaly, error) {
	query := `SELECT id, document_id, ligne_id, regle_id, type_anomalie, severite,
		description, valeur_attendue, valeur_trouvee, detected_at FROM anomalies WHERE 1=1`
	var args []any
	if filter.DocumentID != nil {
		query += ` AND document_id = ?`
		args = append(args, *filter.DocumentID)
	}
	if filter.Severity != "" {
		query += ` AND severite = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list anomalies")
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var a model.Anomaly
		var expected, found sql.NullString
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.LineID, &a.RuleID, &a.RuleType,
			&a.Severity, &a.Description, &expected, &found, &a.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan anomaly")
		}
		a.Expected = expected.String
		a.Found = found.String
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list anomalies")
}

func (s *SQLiteStore) ApplyCorrections(ctx context.Context, batch correction.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	for i := range batch.Lines {
		line := &batch.Lines[i]
		res, err := tx.ExecContext(ctx,
			`UPDATE lignes SET
				type_matiere = ?, unite = ?, prix_unitaire = ?, quantite = ?, prix_total = ?,
				date_depart = ?, date_arrivee = ?, lieu_depart = ?, lieu_arrivee = ?, supprime = ?,
				conf_type_matiere = ?, conf_unite = ?, conf_prix_unitaire = ?, conf_quantite = ?,
				conf_prix_total = ?, conf_date_depart = ?, conf_date_arrivee = ?,
				conf_lieu_depart = ?, conf_lieu_arrivee = ?
			 WHERE id = ?`,
			line.Material, line.Unit, line.UnitPrice, line.Quantity, line.LineTotal,
			dateArg(line.DepartureDate), dateArg(line.ArrivalDate), line.DeparturePlace,
			line.ArrivalPlace, line.Deleted,
			line.Confidence.Material, line.Confidence.Unit, line.Confidence.UnitPrice,
			line.Confidence.Quantity, line.Confidence.LineTotal, line.Confidence.DepartureDate,
			line.Confidence.ArrivalDate, line.Confidence.DeparturePlace, line.Confidence.ArrivalPlace,
			line.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update line %d", line.ID)
		}
		if err := checkRowsAffected(res, "line", line.ID); err != nil {
			return err
		}
	}

	for i := range batch.Corrections {
		c := &batch.Corrections[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO corrections (ligne_id, document_id, champ, ancienne_valeur,
				nouvelle_valeur, ancienne_confiance, status, corrige_par, notes, corrige_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.LineID, c.DocumentID, string(c.Field), c.OldValue, c.NewValue,
			c.OldConfidence, string(c.Status), c.CorrectedBy, c.Notes, c.CorrectedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert correction for line %d", c.LineID)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: correction id")
		}
	}

	for docID, conf := range batch.Confidences {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET confiance_globale = ? WHERE id = ?`, conf, docID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update document %d confidence", docID)
		}
		if err := checkRowsAffected(res, "document", docID); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit corrections")
}

const correctionColumns = `id, ligne_id, document_id, champ, ancienne_valeur, nouvelle_valeur,
	ancienne_confiance, status, corrige_par, notes, corrige_at`

func (s *SQLiteStore) CorrectionsForField(ctx context.Context, f model.Field) ([]model.Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+correctionColumns+` FROM corrections WHERE champ = ? ORDER BY id`, string(f))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: corrections for field %s", f)
	}
	defer rows.Close()
	return collectCorrections(rows)
}

func (s *SQLiteStore) Corrections(ctx context.Context, documentID *int64) ([]model.Correction, error) {
	query := `SELECT ` + correctionColumns + ` FROM corrections`
	var args []any
	if documentID != nil {
		query += ` WHERE document_id = ?`
		args = append(args, *documentID)
	}
	query += ` ORDER BY corrige_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list corrections")
	}
	defer rows.Close()
	return collectCorrections(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*model.Document, error) {
	doc := &model.Document{}
	var docType string
	var strategy, currency, docDate sql.NullString
	err := row.Scan(&doc.ID, &doc.Filename, &docType, &strategy, &doc.SupplierID,
		&doc.ClientName, &doc.ClientAddress, &docDate, &doc.DocumentNumber,
		&doc.TotalExclTax, &doc.TaxAmount, &doc.TotalInclTax, &currency,
		&doc.PaymentTerms, &doc.OrderRef, &doc.ContractRef, &doc.DeliveryNoteRef,
		&doc.GlobalConfidence)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan document")
	}
	doc.Type = model.DocumentType(docType)
	doc.Strategy = strategy.String
	doc.Currency = currency.String
	if doc.DocumentDate, err = parseDate(docDate); err != nil {
		return nil, err
	}
	return doc, nil
}

func scanLine(row scanner) (*model.LineItem, error) {
	line := &model.LineItem{}
	var departure, arrival sql.NullString
	err := row.Scan(&line.ID, &line.DocumentID, &line.Number, &line.Material, &line.Unit,
		&line.UnitPrice, &line.Quantity, &line.LineTotal, &departure, &arrival,
		&line.DeparturePlace, &line.ArrivalPlace, &line.Deleted,
		&line.Confidence.Material, &line.Confidence.Unit, &line.Confidence.UnitPrice,
		&line.Confidence.Quantity, &line.Confidence.LineTotal, &line.Confidence.DepartureDate,
		&line.Confidence.ArrivalDate, &line.Confidence.DeparturePlace, &line.Confidence.ArrivalPlace)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan line")
	}
	if line.DepartureDate, err = parseDate(departure); err != nil {
		return nil, err
	}
	if line.ArrivalDate, err = parseDate(arrival); err != nil {
		return nil, err
	}
	return line, nil
}

func collectLines(rows *sql.Rows) ([]model.LineItem, error) {
	var out []model.LineItem
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *line)
	}
	return out, eris.Wrap(rows.Err(), "store: collect lines")
}

func scanMapping(row scanner) (*model.EntityMapping, error) {
	m := &model.EntityMapping{}
	var et, mode, status string
	var createdBy sql.NullString
	err := row.Scan(&m.ID, &et, &m.RawValue, &m.CanonicalValue, &mode, &status,
		&m.Source, &m.Confidence, &createdBy, &m.Notes, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan mapping")
	}
	m.EntityType = model.EntityType(et)
	m.MatchMode = model.MatchMode(mode)
	m.Status = model.MappingStatus(status)
	m.CreatedBy = createdBy.String
	return m, nil
}

func collectCorrections(rows *sql.Rows) ([]model.Correction, error) {
	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		var field, status string
		if err := rows.Scan(&c.ID, &c.LineID, &c.DocumentID, &field, &c.OldValue,
			&c.NewValue, &c.OldConfidence, &status, &c.CorrectedBy, &c.Notes,
			&c.CorrectedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan correction")
		}
		c.Field = model.Field(field)
		c.Status = model.CorrectionStatus(status)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "store: collect corrections")
}

func checkRowsAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "store: rows affected")
	}
	if n == 0 {
		return eris.Errorf("store: %s not found: %d", kind, id)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func dateArg(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(model.DateLayout)
	return &v
}

func parseDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(model.DateLayout, ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "store: parse date %q", ns.String)
	}
	return &t, nil
}

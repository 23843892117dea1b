package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock.PgxPoolIface
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fournisseurs (
	id            BIGSERIAL PRIMARY KEY,
	nom           TEXT NOT NULL,
	nom_normalise TEXT NOT NULL UNIQUE,
	adresse       TEXT,
	siret         TEXT,
	tva_intra     TEXT
);

CREATE TABLE IF NOT EXISTS documents (
	id                  BIGSERIAL PRIMARY KEY,
	fichier             TEXT NOT NULL UNIQUE,
	type_document       TEXT NOT NULL DEFAULT 'autre',
	strategie           TEXT,
	fournisseur_id      BIGINT REFERENCES fournisseurs(id),
	client_nom          TEXT,
	client_adresse      TEXT,
	date_document       DATE,
	numero_document     TEXT,
	montant_ht          DOUBLE PRECISION,
	montant_tva         DOUBLE PRECISION,
	montant_ttc         DOUBLE PRECISION,
	devise              TEXT,
	conditions_paiement TEXT,
	ref_commande        TEXT,
	ref_contrat         TEXT,
	ref_bon_livraison   TEXT,
	confiance_globale   DOUBLE PRECISION,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lignes (
	id                 BIGSERIAL PRIMARY KEY,
	document_id        BIGINT NOT NULL REFERENCES documents(id),
	ligne_numero       INTEGER NOT NULL,
	type_matiere       TEXT,
	unite              TEXT,
	prix_unitaire      DOUBLE PRECISION,
	quantite           DOUBLE PRECISION,
	prix_total         DOUBLE PRECISION,
	date_depart        DATE,
	date_arrivee       DATE,
	lieu_depart        TEXT,
	lieu_arrivee       TEXT,
	supprime           BOOLEAN NOT NULL DEFAULT FALSE,
	conf_type_matiere  DOUBLE PRECISION,
	conf_unite         DOUBLE PRECISION,
	conf_prix_unitaire DOUBLE PRECISION,
	conf_quantite      DOUBLE PRECISION,
	conf_prix_total    DOUBLE PRECISION,
	conf_date_depart   DOUBLE PRECISION,
	conf_date_arrivee  DOUBLE PRECISION,
	conf_lieu_depart   DOUBLE PRECISION,
	conf_lieu_arrivee  DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS entity_mappings (
	id              BIGSERIAL PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	raw_value       TEXT NOT NULL,
	canonical_value TEXT NOT NULL,
	match_mode      TEXT NOT NULL DEFAULT 'exact',
	status          TEXT NOT NULL DEFAULT 'approved',
	source          TEXT NOT NULL DEFAULT 'manual',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	created_by      TEXT,
	notes           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(entity_type, raw_value)
);

CREATE TABLE IF NOT EXISTS merge_audit (
	id              BIGSERIAL PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	action          TEXT NOT NULL,
	canonical_value TEXT NOT NULL,
	raw_values      JSONB NOT NULL,
	performed_by    TEXT,
	notes           TEXT,
	reverted        BOOLEAN NOT NULL DEFAULT FALSE,
	reverted_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS anomalies (
	id              BIGSERIAL PRIMARY KEY,
	document_id     BIGINT NOT NULL REFERENCES documents(id),
	ligne_id        BIGINT REFERENCES lignes(id),
	regle_id        TEXT NOT NULL,
	type_anomalie   TEXT NOT NULL,
	severite        TEXT NOT NULL,
	description     TEXT NOT NULL,
	valeur_attendue TEXT,
	valeur_trouvee  TEXT,
	detected_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS corrections (
	id                 BIGSERIAL PRIMARY KEY,
	ligne_id           BIGINT NOT NULL REFERENCES lignes(id),
	document_id        BIGINT NOT NULL REFERENCES documents(id),
	champ              TEXT NOT NULL,
	ancienne_valeur    TEXT,
	nouvelle_valeur    TEXT,
	ancienne_confiance DOUBLE PRECISION,
	status             TEXT NOT NULL DEFAULT 'applied',
	corrige_par        TEXT NOT NULL,
	notes              TEXT,
	corrige_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lignes_document_id ON lignes(document_id);
CREATE INDEX IF NOT EXISTS idx_lignes_type_matiere ON lignes(type_matiere);
CREATE INDEX IF NOT EXISTS idx_mappings_type_status ON entity_mappings(entity_type, status);
CREATE INDEX IF NOT EXISTS idx_anomalies_document_id ON anomalies(document_id);
CREATE INDEX IF NOT EXISTS idx_corrections_champ ON corrections(champ);
CREATE INDEX IF NOT EXISTS idx_corrections_document_id ON corrections(document_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO documents (fichier, type_document, strategie, fournisseur_id, client_nom,
			client_adresse, date_document, numero_document, montant_ht, montant_tva, montant_ttc,
			devise, conditions_paiement, ref_commande, ref_contrat, ref_bon_livraison, confiance_globale)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`,
		doc.Filename, string(doc.Type), nullIfEmpty(doc.Strategy), doc.SupplierID, doc.ClientName,
		doc.ClientAddress, doc.DocumentDate, doc.DocumentNumber, doc.TotalExclTax,
		doc.TaxAmount, doc.TotalInclTax, nullIfEmpty(doc.Currency), doc.PaymentTerms,
		doc.OrderRef, doc.ContractRef, doc.DeliveryNoteRef, doc.GlobalConfidence,
	).Scan(&doc.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert document %s", doc.Filename)
	}

	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.DocumentID = doc.ID
		err = tx.QueryRow(ctx,
			`INSERT INTO lignes (document_id, ligne_numero, type_matiere, unite, prix_unitaire,
				quantite, prix_total, date_depart, date_arrivee, lieu_depart, lieu_arrivee, supprime,
				conf_type_matiere, conf_unite, conf_prix_unitaire, conf_quantite, conf_prix_total,
				conf_date_depart, conf_date_arrivee, conf_lieu_depart, conf_lieu_arrivee)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			 RETURNING id`,
			line.DocumentID, line.Number, line.Material, line.Unit, line.UnitPrice,
			line.Quantity, line.LineTotal, line.DepartureDate, line.ArrivalDate,
			line.DeparturePlace, line.ArrivalPlace, line.Deleted,
			line.Confidence.Material, line.Confidence.Unit, line.Confidence.UnitPrice,
			line.Confidence.Quantity, line.Confidence.LineTotal, line.Confidence.DepartureDate,
			line.Confidence.ArrivalDate, line.Confidence.DeparturePlace, line.Confidence.ArrivalPlace,
		).Scan(&line.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert line %d of %s", line.Number, doc.Filename)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit document")
}

func (s *PostgresStore) GetDocumentByFilename(ctx context.Context, filename string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE fichier = $1`, filename)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

func (s *PostgresStore) DocumentWithLines(ctx context.Context, id int64) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Lines, err = s.linesForDocument(ctx, id)
	return doc, err
}

func (s *PostgresStore) DocumentsWithLines(ctx context.Context) ([]model.Document, error) {
	docs, err := s.ListDocuments(ctx, DocumentFilter{})
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

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` AND type_document = $1`
	}
	if filter.Supplier != nil {
		args = append(args, *filter.Supplier)
		query += ` AND fournisseur_id = $` + itoa(len(args))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += ` OFFSET $` + itoa(len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents")
}

func (s *PostgresStore) linesForDocument(ctx context.Context, docID int64) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE document_id = $1 ORDER BY ligne_numero`, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lines for document %d", docID)
	}
	defer rows.Close()
	return collectPgLines(rows)
}

func (s *PostgresStore) LineByID(ctx context.Context, id int64) (*model.LineItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE id = $1`, id)
	line, err := scanPgLine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return line, err
}

func (s *PostgresStore) ActiveLines(ctx context.Context) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lineColumns+` FROM lignes WHERE NOT supprime ORDER BY document_id, ligne_numero`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active lines")
	}
	defer rows.Close()
	return collectPgLines(rows)
}

func (s *PostgresStore) DistinctEntityValues(ctx context.Context, et model.EntityType) (map[string]int, error) {
	var query string
	switch et {
	case model.EntitySupplier:
		query = `SELECT f.nom, COUNT(*) FROM documents d
			JOIN fournisseurs f ON d.fournisseur_id = f.id GROUP BY f.nom`
	case model.EntityMaterial:
		query = `SELECT type_matiere, COUNT(*) FROM lignes
			WHERE type_matiere IS NOT NULL AND NOT supprime GROUP BY type_matiere`
	case model.EntityLocation:
		query = `SELECT v, COUNT(*) FROM (
			SELECT lieu_depart AS v FROM lignes WHERE lieu_depart IS NOT NULL AND NOT supprime
			UNION ALL
			SELECT lieu_arrivee FROM lignes WHERE lieu_arrivee IS NOT NULL AND NOT supprime
		) locations GROUP BY v`
	case model.EntityCompany:
		query = `SELECT client_nom, COUNT(*) FROM documents
			WHERE client_nom IS NOT NULL GROUP BY client_nom`
	default:
		return nil, eris.Errorf("postgres: unknown entity type %q", et)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: distinct values for %s", et)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan distinct value")
		}
		out[v] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: distinct values")
}

func (s *PostgresStore) FindOrCreateSupplier(ctx context.Context, name, normalized string) (*model.Supplier, error) {
	sup := &model.Supplier{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, nom, adresse, siret, tva_intra FROM fournisseurs WHERE nom_normalise = $1`,
		normalized,
	).Scan(&sup.ID, &sup.Name, &sup.Address, &sup.SIRET, &sup.VATNumber)
	if err == nil {
		return sup, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: find supplier %q", normalized)
	}

	sup.Name = name
	err = s.pool.QueryRow(ctx,
		`INSERT INTO fournisseurs (nom, nom_normalise) VALUES ($1, $2) RETURNING id`,
		name, normalized,
	).Scan(&sup.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create supplier %q", name)
	}
	return sup, nil
}

func (s *PostgresStore) GetSupplier(ctx context.Context, id int64) (*model.Supplier, error) {
	sup := &model.Supplier{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, nom, adresse, siret, tva_intra FROM fournisseurs WHERE id = $1`, id,
	).Scan(&sup.ID, &sup.Name, &sup.Address, &sup.SIRET, &sup.VATNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get supplier %d", id)
	}
	return sup, nil
}

func (s *PostgresStore) pgMappingsWhere(ctx context.Context, et model.EntityType, mode model.MatchMode) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT raw_value, canonical_value FROM entity_mappings
		 WHERE entity_type = $1 AND status = $2 AND match_mode = $3`,
		string(et), string(model.MappingApproved), string(mode))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: mappings for %s", et)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var raw, canonical string
		if err := rows.Scan(&raw, &canonical); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		out[raw] = canonical
	}
	return out, eris.Wrap(rows.Err(), "postgres: mappings")
}

func (s *PostgresStore) Mappings(ctx context.Context, et model.EntityType) (map[string]string, error) {
	return s.pgMappingsWhere(ctx, et, model.MatchExact)
}

func (s *PostgresStore) PrefixMappings(ctx context.Context, et model.EntityType) (map[string]string, error) {
	return s.pgMappingsWhere(ctx, et, model.MatchPrefix)
}

func (s *PostgresStore) ReverseMappings(ctx context.Context, et model.EntityType) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT raw_value, canonical_value FROM entity_mappings
		 WHERE entity_type = $1 AND status = $2`,
		string(et), string(model.MappingApproved))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reverse mappings for %s", et)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var raw, canonical string
		if err := rows.Scan(&raw, &canonical); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		out[canonical] = append(out[canonical], raw)
	}
	return out, eris.Wrap(rows.Err(), "postgres: reverse mappings")
}

func (s *PostgresStore) ApplyMerge(ctx context.Context, mappings []model.EntityMapping, audit *model.MergeAuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	for i := range mappings {
		m := &mappings[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO entity_mappings
				(entity_type, raw_value, canonical_value, match_mode, status, source, confidence, created_by, notes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (entity_type, raw_value) DO UPDATE SET
				canonical_value = EXCLUDED.canonical_value,
				match_mode      = EXCLUDED.match_mode,
				status          = EXCLUDED.status,
				source          = EXCLUDED.source,
				confidence      = EXCLUDED.confidence,
				created_by      = EXCLUDED.created_by,
				notes           = EXCLUDED.notes`,
			string(m.EntityType), m.RawValue, m.CanonicalValue, string(m.MatchMode),
			string(m.Status), m.Source, m.Confidence, m.CreatedBy, m.Notes,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert mapping %q", m.RawValue)
		}
	}

	rawJSON, err := json.Marshal(audit.RawValues)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal raw values")
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO merge_audit (entity_type, action, canonical_value, raw_values, performed_by, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		string(audit.EntityType), audit.Action, audit.CanonicalValue, rawJSON,
		audit.PerformedBy, audit.Notes, audit.CreatedAt.UTC(),
	).Scan(&audit.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: insert merge audit")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit merge")
}

func (s *PostgresStore) RevertMerge(ctx context.Context, auditID int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	var entityType string
	var rawJSON []byte
	var reverted bool
	err = tx.QueryRow(ctx,
		`SELECT entity_type, raw_values, reverted FROM merge_audit WHERE id = $1`, auditID,
	).Scan(&entityType, &rawJSON, &reverted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: load merge audit %d", auditID)
	}
	if reverted {
		return false, nil
	}

	var rawValues []string
	if err := json.Unmarshal(rawJSON, &rawValues); err != nil {
		return false, eris.Wrapf(err, "postgres: unmarshal raw values of audit %d", auditID)
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM entity_mappings WHERE entity_type = $1 AND raw_value = ANY($2)`,
		entityType, rawValues)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete mappings of audit %d", auditID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE merge_audit SET reverted = TRUE, reverted_at = $1 WHERE id = $2`,
		time.Now().UTC(), auditID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: flag audit %d reverted", auditID)
	}

	return true, eris.Wrap(tx.Commit(ctx), "postgres: commit revert")
}

func (s *PostgresStore) PendingMappings(ctx context.Context, et model.EntityType) ([]model.EntityMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM entity_mappings
		 WHERE entity_type = $1 AND status = $2
		 ORDER BY confidence DESC, raw_value`,
		string(et), string(model.MappingPendingReview))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending mappings for %s", et)
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
	return out, eris.Wrap(rows.Err(), "postgres: pending mappings")
}

func (s *PostgresStore) GetMappingByID(ctx context.Context, id int64) (*model.EntityMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM entity_mappings WHERE id = $1`, id)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) UpdateMappingStatus(ctx context.Context, id int64, status model.MappingStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE entity_mappings SET status = $1 WHERE id = $2`, string(status), id)
	return eris.Wrapf(err, "postgres: update mapping %d status", id)
}

func (s *PostgresStore) SavePendingMappings(ctx context.Context, mappings []model.EntityMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	for i := range mappings {
		m := &mappings[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO entity_mappings
				(entity_type, raw_value, canonical_value, match_mode, status, source, confidence, created_by, notes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (entity_type, raw_value) DO NOTHING`,
			string(m.EntityType), m.RawValue, m.CanonicalValue, string(m.MatchMode),
			string(m.Status), m.Source, m.Confidence, m.CreatedBy, m.Notes,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save pending mapping %q", m.RawValue)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit pending mappings")
}

func (s *PostgresStore) MergeAudits(ctx context.Context, et model.EntityType) ([]model.MergeAuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, action, canonical_value, raw_values, performed_by, notes,
			reverted, reverted_at, created_at
		 FROM merge_audit WHERE entity_type = $1 ORDER BY created_at DESC, id DESC`,
		string(et))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: merge audits for %s", et)
	}
	defer rows.Close()

	var out []model.MergeAuditEntry
	for rows.Next() {
		var e model.MergeAuditEntry
		var rawJSON []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.Action, &e.CanonicalValue, &rawJSON,
			&e.PerformedBy, &e.Notes, &e.Reverted, &e.RevertedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge audit")
		}
		if err := json.Unmarshal(rawJSON, &e.RawValues); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal raw values of audit %d", e.ID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: merge audits")
}

func (s *PostgresStore) ReplaceAnomalies(ctx context.Context, scope model.AnomalyScope, anomalies []model.Anomaly) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	if scope.DocumentID != nil {
		_, err = tx.Exec(ctx, `DELETE FROM anomalies WHERE document_id = $1`, *scope.DocumentID)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM anomalies`)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: clear anomalies")
	}

	for i := range anomalies {
		a := &anomalies[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO anomalies (document_id, ligne_id, regle_id, type_anomalie, severite,
				description, valeur_attendue, valeur_trouvee, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
			a.DocumentID, a.LineID, a.RuleID, a.RuleType, string(a.Severity),
			a.Description, nullIfEmpty(a.Expected), nullIfEmpty(a.Found), a.DetectedAt.UTC(),
		).Scan(&a.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert anomaly %s", a.RuleID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit anomalies")
}

func (s *PostgresStore) Anomalies(ctx context.Context, filter AnomalyFilter) ([]model.Anomaly, error) {
	query := `SELECT id, document_id, ligne_id, regle_id, type_anomalie, severite,
		description, valeur_attendue, valeur_trouvee, detected_at FROM anomalies WHERE 1=1`
	var args []any
	if filter.DocumentID != nil {
		args = append(args, *filter.DocumentID)
		query += ` AND document_id = $` + itoa(len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += ` AND severite = $` + itoa(len(args))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomalies")
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var a model.Anomaly
		var expected, found *string
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.LineID, &a.RuleID, &a.RuleType,
			&a.Severity, &a.Description, &expected, &found, &a.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan anomaly")
		}
		if expected != nil {
			a.Expected = *expected
		}
		if found != nil {
			a.Found = *found
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list anomalies")
}

func (s *PostgresStore) ApplyCorrections(ctx context.Context, batch correction.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	for i := range batch.Lines {
		line := &batch.Lines[i]
		tag, err := tx.Exec(ctx,
			`UPDATE lignes SET
				type_matiere = $1, unite = $2, prix_unitaire = $3, quantite = $4, prix_total = $5,
				date_depart = $6, date_arrivee = $7, lieu_depart = $8, lieu_arrivee = $9, supprime = $10,
				conf_type_matiere = $11, conf_unite = $12, conf_prix_unitaire = $13, conf_quantite = $14,
				conf_prix_total = $15, conf_date_depart = $16, conf_date_arrivee = $17,
				conf_lieu_depart = $18, conf_lieu_arrivee = $19
			 WHERE id = $20`,
			line.Material, line.Unit, line.UnitPrice, line.Quantity, line.LineTotal,
			line.DepartureDate, line.ArrivalDate, line.DeparturePlace, line.ArrivalPlace, line.Deleted,
			line.Confidence.Material, line.Confidence.Unit, line.Confidence.UnitPrice,
			line.Confidence.Quantity, line.Confidence.LineTotal, line.Confidence.DepartureDate,
			line.Confidence.ArrivalDate, line.Confidence.DeparturePlace, line.Confidence.ArrivalPlace,
			line.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update line %d", line.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("postgres: line not found: %d", line.ID)
		}
	}

	for i := range batch.Corrections {
		c := &batch.Corrections[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO corrections (ligne_id, document_id, champ, ancienne_valeur,
				nouvelle_valeur, ancienne_confiance, status, corrige_par, notes, corrige_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			c.LineID, c.DocumentID, string(c.Field), c.OldValue, c.NewValue,
			c.OldConfidence, string(c.Status), c.CorrectedBy, c.Notes, c.CorrectedAt.UTC(),
		).Scan(&c.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert correction for line %d", c.LineID)
		}
	}

	for docID, conf := range batch.Confidences {
		tag, err := tx.Exec(ctx,
			`UPDATE documents SET confiance_globale = $1 WHERE id = $2`, conf, docID)
		if err != nil {
			return eris.Wrapf(err, "postgres: update document %d confidence", docID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("postgres: document not found: %d", docID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit corrections")
}

func (s *PostgresStore) CorrectionsForField(ctx context.Context, f model.Field) ([]model.Correction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+correctionColumns+` FROM corrections WHERE champ = $1 ORDER BY id`, string(f))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: corrections for field %s", f)
	}
	defer rows.Close()
	return collectPgCorrections(rows)
}

func (s *PostgresStore) Corrections(ctx context.Context, documentID *int64) ([]model.Correction, error) {
	query := `SELECT ` + correctionColumns + ` FROM corrections`
	var args []any
	if documentID != nil {
		query += ` WHERE document_id = $1`
		args = append(args, *documentID)
	}
	query += ` ORDER BY corrige_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list corrections")
	}
	defer rows.Close()
	return collectPgCorrections(rows)
}

func scanPgDocument(row scanner) (*model.Document, error) {
	doc := &model.Document{}
	var docType string
	var strategy, currency *string
	var docDate *time.Time
	err := row.Scan(&doc.ID, &doc.Filename, &docType, &strategy, &doc.SupplierID,
		&doc.ClientName, &doc.ClientAddress, &docDate, &doc.DocumentNumber,
		&doc.TotalExclTax, &doc.TaxAmount, &doc.TotalInclTax, &currency,
		&doc.PaymentTerms, &doc.OrderRef, &doc.ContractRef, &doc.DeliveryNoteRef,
		&doc.GlobalConfidence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan document")
	}
	doc.Type = model.DocumentType(docType)
	if strategy != nil {
		doc.Strategy = *strategy
	}
	if currency != nil {
		doc.Currency = *currency
	}
	doc.DocumentDate = docDate
	return doc, nil
}

func scanPgLine(row scanner) (*model.LineItem, error) {
	line := &model.LineItem{}
	err := row.Scan(&line.ID, &line.DocumentID, &line.Number, &line.Material, &line.Unit,
		&line.UnitPrice, &line.Quantity, &line.LineTotal, &line.DepartureDate, &line.ArrivalDate,
		&line.DeparturePlace, &line.ArrivalPlace, &line.Deleted,
		&line.Confidence.Material, &line.Confidence.Unit, &line.Confidence.UnitPrice,
		&line.Confidence.Quantity, &line.Confidence.LineTotal, &line.Confidence.DepartureDate,
		&line.Confidence.ArrivalDate, &line.Confidence.DeparturePlace, &line.Confidence.ArrivalPlace)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan line")
	}
	return line, nil
}

func collectPgLines(rows pgx.Rows) ([]model.LineItem, error) {
	var out []model.LineItem
	for rows.Next() {
		line, err := scanPgLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *line)
	}
	return out, eris.Wrap(rows.Err(), "postgres: collect lines")
}

func collectPgCorrections(rows pgx.Rows) ([]model.Correction, error) {
	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		var field, status string
		if err := rows.Scan(&c.ID, &c.LineID, &c.DocumentID, &field, &c.OldValue,
			&c.NewValue, &c.OldConfidence, &status, &c.CorrectedBy, &c.Notes,
			&c.CorrectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan correction")
		}
		c.Field = model.Field(field)
		c.Status = model.CorrectionStatus(status)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: collect corrections")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

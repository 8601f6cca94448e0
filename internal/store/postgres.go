package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/propenrich/internal/db"
	"github.com/sells-group/propenrich/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listing_records (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL,
	native_url   TEXT NOT NULL,
	raw_address  TEXT NOT NULL,
	identity_key TEXT,
	fields       JSONB NOT NULL DEFAULT '{}',
	unresolved   BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(source, native_url)
);

CREATE TABLE IF NOT EXISTS enrichment_state (
	identity_key        TEXT PRIMARY KEY,
	normalized_address  TEXT NOT NULL,
	street              TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT '',
	zip                 TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'never_checked',
	missing_owner_name  BOOLEAN NOT NULL DEFAULT true,
	missing_owner_email BOOLEAN NOT NULL DEFAULT true,
	missing_owner_phone BOOLEAN NOT NULL DEFAULT true,
	locked              BOOLEAN NOT NULL DEFAULT false,
	last_checked_at     TIMESTAMPTZ,
	source_used         TEXT NOT NULL DEFAULT '',
	failure_reason      TEXT NOT NULL DEFAULT '',
	request_id          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS owner_records (
	identity_key    TEXT PRIMARY KEY,
	owner_name      TEXT NOT NULL DEFAULT '',
	emails          JSONB NOT NULL DEFAULT '[]',
	phones          JSONB NOT NULL DEFAULT '[]',
	mailing_address TEXT NOT NULL DEFAULT '',
	provenance      JSONB NOT NULL DEFAULT '{}',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listing_records_identity_key ON listing_records(identity_key);
CREATE INDEX IF NOT EXISTS idx_listing_records_source ON listing_records(source);
CREATE INDEX IF NOT EXISTS idx_enrichment_state_status ON enrichment_state(status, locked);
CREATE INDEX IF NOT EXISTS idx_enrichment_state_source_used ON enrichment_state(source_used, last_checked_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertListing(ctx context.Context, rec *model.ListingRecord) (*model.ListingRecord, error) {
	now := time.Now().UTC()

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal fields")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO listing_records (source, native_url, raw_address, identity_key, fields, unresolved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (source, native_url) DO UPDATE SET
			raw_address = EXCLUDED.raw_address,
			identity_key = EXCLUDED.identity_key,
			fields = EXCLUDED.fields,
			unresolved = EXCLUDED.unresolved,
			updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		rec.Source, rec.NativeURL, rec.RawAddress, pgNullString(rec.IdentityKey),
		fieldsJSON, rec.Unresolved, now,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert listing %s/%s", rec.Source, rec.NativeURL)
	}
	rec.UpdatedAt = now
	return rec, nil
}

const pgListingColumns = `id, source, native_url, raw_address, COALESCE(identity_key, ''), fields, unresolved, created_at, updated_at`

func (s *PostgresStore) GetListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgListingColumns+` FROM listing_records WHERE source = $1 AND native_url = $2`,
		source, nativeURL,
	)
	rec, err := scanPgListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get listing %s/%s", source, nativeURL)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM listing_records WHERE source = $1 AND native_url = $2
		 RETURNING `+pgListingColumns,
		source, nativeURL,
	)
	rec, err := scanPgListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: delete listing %s/%s", source, nativeURL)
	}
	return rec, nil
}

func (s *PostgresStore) HasListingForKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM listing_records WHERE identity_key = $1)`, key,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: has listing for %s", key)
}

func (s *PostgresStore) EnsureState(ctx context.Context, st *model.EnrichmentState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_state
			(identity_key, normalized_address, street, city, state, zip, status,
			 missing_owner_name, missing_owner_email, missing_owner_phone, locked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, now())
		 ON CONFLICT (identity_key) DO NOTHING`,
		st.IdentityKey, st.NormalizedAddress, st.Street, st.City, st.State, st.Zip,
		string(model.StatusNeverChecked),
		st.Missing.OwnerName, st.Missing.OwnerEmail, st.Missing.OwnerPhone,
	)
	return eris.Wrapf(err, "postgres: ensure state %s", st.IdentityKey)
}

const pgStateColumns = `identity_key, normalized_address, street, city, state, zip, status,
	missing_owner_name, missing_owner_email, missing_owner_phone, locked,
	last_checked_at, source_used, failure_reason, request_id, created_at`

func (s *PostgresStore) GetState(ctx context.Context, key string) (*model.EnrichmentState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgStateColumns+` FROM enrichment_state WHERE identity_key = $1`, key)
	st, err := scanPgState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s", key)
	}
	return st, nil
}

func (s *PostgresStore) TryAcquire(ctx context.Context, key, requestID string, staleBefore, cooldownBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_state
		 SET status = 'pending', locked = true, last_checked_at = now(), request_id = $1
		 WHERE identity_key = $2 AND
			(missing_owner_name OR missing_owner_email OR missing_owner_phone)
			AND (
				status = 'never_checked'
				OR (status = 'pending' AND last_checked_at IS NOT NULL AND last_checked_at <= $3)
				OR (status IN ('checked', 'failed') AND (last_checked_at IS NULL OR last_checked_at <= $4))
			)`,
		requestID, key, staleBefore.UTC(), cooldownBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: try acquire %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseChecked(ctx context.Context, key, sourceUsed, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_state
		 SET status = 'checked', locked = false, source_used = $1, failure_reason = $2, last_checked_at = now(), request_id = ''
		 WHERE identity_key = $3`,
		sourceUsed, note, key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release checked %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("enrichment state not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) ReleaseFailed(ctx context.Context, key, sourceUsed, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_state
		 SET status = 'failed', locked = false, source_used = $1, failure_reason = $2, last_checked_at = now(), request_id = ''
		 WHERE identity_key = $3`,
		sourceUsed, reason, key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release failed %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("enrichment state not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) ListEligible(ctx context.Context, limit int, staleBefore, cooldownBefore time.Time) ([]model.EnrichmentState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgStateColumns+` FROM enrichment_state WHERE
			(missing_owner_name OR missing_owner_email OR missing_owner_phone)
			AND (
				status = 'never_checked'
				OR (status = 'pending' AND last_checked_at IS NOT NULL AND last_checked_at <= $1)
				OR (status IN ('checked', 'failed') AND (last_checked_at IS NULL OR last_checked_at <= $2))
			)
		 ORDER BY last_checked_at ASC NULLS FIRST
		 LIMIT $3`,
		staleBefore.UTC(), cooldownBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list eligible")
	}
	defer rows.Close()

	var states []model.EnrichmentState
	for rows.Next() {
		st, err := scanPgState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan eligible state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list eligible iterate")
}

func (s *PostgresStore) CountProviderCalls(ctx context.Context, sourceUsed string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM enrichment_state WHERE source_used = $1 AND last_checked_at >= $2`,
		sourceUsed, since.UTC(),
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count provider calls %s", sourceUsed)
}

const pgOwnerColumns = `identity_key, owner_name, emails, phones, mailing_address, provenance, confidence, created_at, updated_at`

func (s *PostgresStore) GetOwner(ctx context.Context, key string) (*model.OwnerRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgOwnerColumns+` FROM owner_records WHERE identity_key = $1`, key)
	rec, err := scanPgOwner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get owner %s", key)
	}
	return rec, nil
}

func (s *PostgresStore) MergeOwner(ctx context.Context, key string, cand model.OwnerCandidate) (*model.OwnerRecord, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: merge owner begin")
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrichment_state WHERE identity_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: merge owner check state %s", key)
	}
	if !exists {
		return nil, eris.Errorf("enrichment state not found: %s", key)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+pgOwnerColumns+` FROM owner_records WHERE identity_key = $1 FOR UPDATE`, key)
	rec, err := scanPgOwner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		rec = &model.OwnerRecord{IdentityKey: key, CreatedAt: now, UpdatedAt: now}
	} else if err != nil {
		return nil, eris.Wrapf(err, "postgres: merge owner load %s", key)
	}
	rec.Apply(cand, now)

	emailsJSON, phonesJSON, provJSON, err := marshalOwner(rec)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO owner_records (identity_key, owner_name, emails, phones, mailing_address, provenance, confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (identity_key) DO UPDATE SET
			owner_name = EXCLUDED.owner_name,
			emails = EXCLUDED.emails,
			phones = EXCLUDED.phones,
			mailing_address = EXCLUDED.mailing_address,
			provenance = EXCLUDED.provenance,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`,
		key, rec.OwnerName, emailsJSON, phonesJSON, rec.MailingAddress, provJSON,
		rec.Confidence, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: merge owner upsert %s", key)
	}

	missing := rec.Missing()
	_, err = tx.Exec(ctx,
		`UPDATE enrichment_state
		 SET missing_owner_name = $1, missing_owner_email = $2, missing_owner_phone = $3
		 WHERE identity_key = $4`,
		missing.OwnerName, missing.OwnerEmail, missing.OwnerPhone, key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: merge owner update flags %s", key)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: merge owner commit")
	}
	return rec, nil
}

// ReapIfOrphaned runs the existence scan and the conditional deletes in a
// single statement so a concurrent insert cannot interleave between them.
func (s *PostgresStore) ReapIfOrphaned(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH live AS (
			SELECT 1 FROM listing_records WHERE identity_key = $1 LIMIT 1
		), del_owner AS (
			DELETE FROM owner_records WHERE identity_key = $1 AND NOT EXISTS (SELECT 1 FROM live)
		)
		DELETE FROM enrichment_state WHERE identity_key = $1 AND NOT EXISTS (SELECT 1 FROM live)`,
		key,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reap %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListOrphanKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT es.identity_key FROM enrichment_state es
		 WHERE NOT EXISTS (SELECT 1 FROM listing_records l WHERE l.identity_key = es.identity_key)`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list orphan keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan orphan key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list orphan keys iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ListingsBySource: make(map[string]int),
		StatesByStatus:   make(map[model.EnrichmentStatus]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM listing_records GROUP BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats listings")
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: stats scan listings")
		}
		stats.ListingsBySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats listings iterate")
	}

	srows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM enrichment_state GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats states")
	}
	defer srows.Close()
	for srows.Next() {
		var status string
		var n int
		if err := srows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: stats scan states")
		}
		stats.StatesByStatus[model.EnrichmentStatus(status)] = n
	}
	if err := srows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats states iterate")
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM owner_records`).Scan(&stats.Owners); err != nil {
		return nil, eris.Wrap(err, "postgres: stats owners")
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM enrichment_state es
		 WHERE NOT EXISTS (SELECT 1 FROM listing_records l WHERE l.identity_key = es.identity_key)`,
	).Scan(&stats.Orphans)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats orphans")
	}

	return stats, nil
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgListing(row pgScannable) (*model.ListingRecord, error) {
	var rec model.ListingRecord
	var fieldsJSON []byte

	err := row.Scan(&rec.ID, &rec.Source, &rec.NativeURL, &rec.RawAddress,
		&rec.IdentityKey, &fieldsJSON, &rec.Unresolved, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal listing fields")
	}
	return &rec, nil
}

func scanPgState(row pgScannable) (*model.EnrichmentState, error) {
	var st model.EnrichmentState
	var lastChecked *time.Time

	err := row.Scan(&st.IdentityKey, &st.NormalizedAddress, &st.Street, &st.City, &st.State, &st.Zip,
		&st.Status, &st.Missing.OwnerName, &st.Missing.OwnerEmail, &st.Missing.OwnerPhone,
		&st.Locked, &lastChecked, &st.SourceUsed, &st.FailureReason, &st.RequestID, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.LastCheckedAt = lastChecked
	return &st, nil
}

func scanPgOwner(row pgScannable) (*model.OwnerRecord, error) {
	var rec model.OwnerRecord
	var emailsJSON, phonesJSON, provJSON []byte

	err := row.Scan(&rec.IdentityKey, &rec.OwnerName, &emailsJSON, &phonesJSON,
		&rec.MailingAddress, &provJSON, &rec.Confidence, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(emailsJSON, &rec.Emails); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner emails")
	}
	if err := json.Unmarshal(phonesJSON, &rec.Phones); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner phones")
	}
	if err := json.Unmarshal(provJSON, &rec.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner provenance")
	}
	return &rec, nil
}

func pgNullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

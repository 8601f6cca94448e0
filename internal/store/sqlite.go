package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/propenrich/internal/model"
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
CREATE TABLE IF NOT EXISTS listing_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	native_url   TEXT NOT NULL,
	raw_address  TEXT NOT NULL,
	identity_key TEXT,
	fields       TEXT NOT NULL DEFAULT '{}',
	unresolved   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
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
	missing_owner_name  INTEGER NOT NULL DEFAULT 1,
	missing_owner_email INTEGER NOT NULL DEFAULT 1,
	missing_owner_phone INTEGER NOT NULL DEFAULT 1,
	locked              INTEGER NOT NULL DEFAULT 0,
	last_checked_at     DATETIME,
	source_used         TEXT NOT NULL DEFAULT '',
	failure_reason      TEXT NOT NULL DEFAULT '',
	request_id          TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS owner_records (
	identity_key    TEXT PRIMARY KEY,
	owner_name      TEXT NOT NULL DEFAULT '',
	emails          TEXT NOT NULL DEFAULT '[]',
	phones          TEXT NOT NULL DEFAULT '[]',
	mailing_address TEXT NOT NULL DEFAULT '',
	provenance      TEXT NOT NULL DEFAULT '{}',
	confidence      REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_listing_records_identity_key ON listing_records(identity_key);
CREATE INDEX IF NOT EXISTS idx_listing_records_source ON listing_records(source);
CREATE INDEX IF NOT EXISTS idx_enrichment_state_status ON enrichment_state(status, locked);
CREATE INDEX IF NOT EXISTS idx_enrichment_state_source_used ON enrichment_state(source_used, last_checked_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertListing(ctx context.Context, rec *model.ListingRecord) (*model.ListingRecord, error) {
	now := time.Now().UTC()

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal fields")
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO listing_records (source, native_url, raw_address, identity_key, fields, unresolved, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, native_url) DO UPDATE SET
			raw_address = excluded.raw_address,
			identity_key = excluded.identity_key,
			fields = excluded.fields,
			unresolved = excluded.unresolved,
			updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		rec.Source, rec.NativeURL, rec.RawAddress, nullString(rec.IdentityKey),
		string(fieldsJSON), rec.Unresolved, now, now,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert listing %s/%s", rec.Source, rec.NativeURL)
	}
	rec.UpdatedAt = now
	return rec, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, native_url, raw_address, identity_key, fields, unresolved, created_at, updated_at
		 FROM listing_records WHERE source = ? AND native_url = ?`,
		source, nativeURL,
	)
	rec, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get listing %s/%s", source, nativeURL)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM listing_records WHERE source = ? AND native_url = ?
		 RETURNING id, source, native_url, raw_address, identity_key, fields, unresolved, created_at, updated_at`,
		source, nativeURL,
	)
	rec, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: delete listing %s/%s", source, nativeURL)
	}
	return rec, nil
}

func (s *SQLiteStore) HasListingForKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM listing_records WHERE identity_key = ? LIMIT 1`, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has listing for %s", key)
	}
	return true, nil
}

func (s *SQLiteStore) EnsureState(ctx context.Context, st *model.EnrichmentState) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_state
			(identity_key, normalized_address, street, city, state, zip, status,
			 missing_owner_name, missing_owner_email, missing_owner_phone, locked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(identity_key) DO NOTHING`,
		st.IdentityKey, st.NormalizedAddress, st.Street, st.City, st.State, st.Zip,
		string(model.StatusNeverChecked),
		st.Missing.OwnerName, st.Missing.OwnerEmail, st.Missing.OwnerPhone, now,
	)
	return eris.Wrapf(err, "sqlite: ensure state %s", st.IdentityKey)
}

func (s *SQLiteStore) GetState(ctx context.Context, key string) (*model.EnrichmentState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM enrichment_state WHERE identity_key = ?`, key)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s", key)
	}
	return st, nil
}

// sqliteEligible matches rows a caller may acquire: never_checked, stale
// pending (abandoned lock), or cooled-down checked/failed, always with at
// least one field still missing.
const sqliteEligible = `
	(missing_owner_name OR missing_owner_email OR missing_owner_phone)
	AND (
		status = 'never_checked'
		OR (status = 'pending' AND last_checked_at IS NOT NULL AND last_checked_at <= ?)
		OR (status IN ('checked', 'failed') AND (last_checked_at IS NULL OR last_checked_at <= ?))
	)`

func (s *SQLiteStore) TryAcquire(ctx context.Context, key, requestID string, staleBefore, cooldownBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_state
		 SET status = 'pending', locked = 1, last_checked_at = ?, request_id = ?
		 WHERE identity_key = ? AND`+sqliteEligible,
		time.Now().UTC(), requestID, key, staleBefore.UTC(), cooldownBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: try acquire %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseChecked(ctx context.Context, key, sourceUsed, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_state
		 SET status = 'checked', locked = 0, source_used = ?, failure_reason = ?, last_checked_at = ?, request_id = ''
		 WHERE identity_key = ?`,
		sourceUsed, note, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release checked %s", key)
	}
	return checkRowsAffected(res, "enrichment state", key)
}

func (s *SQLiteStore) ReleaseFailed(ctx context.Context, key, sourceUsed, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_state
		 SET status = 'failed', locked = 0, source_used = ?, failure_reason = ?, last_checked_at = ?, request_id = ''
		 WHERE identity_key = ?`,
		sourceUsed, reason, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release failed %s", key)
	}
	return checkRowsAffected(res, "enrichment state", key)
}

func (s *SQLiteStore) ListEligible(ctx context.Context, limit int, staleBefore, cooldownBefore time.Time) ([]model.EnrichmentState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM enrichment_state WHERE`+sqliteEligible+`
		 ORDER BY last_checked_at IS NOT NULL, last_checked_at ASC
		 LIMIT ?`,
		staleBefore.UTC(), cooldownBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list eligible")
	}
	defer rows.Close()

	var states []model.EnrichmentState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan eligible state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list eligible iterate")
}

func (s *SQLiteStore) CountProviderCalls(ctx context.Context, sourceUsed string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_state WHERE source_used = ? AND last_checked_at >= ?`,
		sourceUsed, since.UTC(),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count provider calls %s", sourceUsed)
}

func (s *SQLiteStore) GetOwner(ctx context.Context, key string) (*model.OwnerRecord, error) {
	rec, err := getOwnerTx(ctx, s.db, key)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get owner %s", key)
	}
	return rec, nil
}

func (s *SQLiteStore) MergeOwner(ctx context.Context, key string, cand model.OwnerCandidate) (*model.OwnerRecord, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: merge owner begin")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM enrichment_state WHERE identity_key = ?`, key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("enrichment state not found: %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: merge owner check state %s", key)
	}

	rec, err := getOwnerTx(ctx, tx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: merge owner load %s", key)
	}
	if rec == nil {
		rec = &model.OwnerRecord{IdentityKey: key, CreatedAt: now, UpdatedAt: now}
	}
	rec.Apply(cand, now)

	emailsJSON, phonesJSON, provJSON, err := marshalOwner(rec)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO owner_records (identity_key, owner_name, emails, phones, mailing_address, provenance, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity_key) DO UPDATE SET
			owner_name = excluded.owner_name,
			emails = excluded.emails,
			phones = excluded.phones,
			mailing_address = excluded.mailing_address,
			provenance = excluded.provenance,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		key, rec.OwnerName, emailsJSON, phonesJSON, rec.MailingAddress, provJSON,
		rec.Confidence, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: merge owner upsert %s", key)
	}

	missing := rec.Missing()
	_, err = tx.ExecContext(ctx,
		`UPDATE enrichment_state
		 SET missing_owner_name = ?, missing_owner_email = ?, missing_owner_phone = ?
		 WHERE identity_key = ?`,
		missing.OwnerName, missing.OwnerEmail, missing.OwnerPhone, key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: merge owner update flags %s", key)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge owner commit")
	}
	return rec, nil
}

func (s *SQLiteStore) ReapIfOrphaned(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: reap begin")
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM listing_records WHERE identity_key = ? LIMIT 1`, key,
	).Scan(&one)
	if err == nil {
		// Identity still referenced by some source collection.
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, eris.Wrapf(err, "sqlite: reap scan %s", key)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM owner_records WHERE identity_key = ?`, key); err != nil {
		return false, eris.Wrapf(err, "sqlite: reap owner %s", key)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM enrichment_state WHERE identity_key = ?`, key)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reap state %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: reap commit")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListOrphanKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT es.identity_key FROM enrichment_state es
		 WHERE NOT EXISTS (SELECT 1 FROM listing_records l WHERE l.identity_key = es.identity_key)`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list orphan keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan orphan key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list orphan keys iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ListingsBySource: make(map[string]int),
		StatesByStatus:   make(map[model.EnrichmentStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM listing_records GROUP BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats listings")
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: stats scan listings")
		}
		stats.ListingsBySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats listings iterate")
	}

	srows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrichment_state GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats states")
	}
	defer srows.Close()
	for srows.Next() {
		var status string
		var n int
		if err := srows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: stats scan states")
		}
		stats.StatesByStatus[model.EnrichmentStatus(status)] = n
	}
	if err := srows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats states iterate")
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM owner_records`).Scan(&stats.Owners); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats owners")
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_state es
		 WHERE NOT EXISTS (SELECT 1 FROM listing_records l WHERE l.identity_key = es.identity_key)`,
	).Scan(&stats.Orphans)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats orphans")
	}

	return stats, nil
}

// helpers

const stateColumns = `identity_key, normalized_address, street, city, state, zip, status,
	missing_owner_name, missing_owner_email, missing_owner_phone, locked,
	last_checked_at, source_used, failure_reason, request_id, created_at`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanListing(row scannable) (*model.ListingRecord, error) {
	var rec model.ListingRecord
	var identityKey sql.NullString
	var fieldsJSON string

	err := row.Scan(&rec.ID, &rec.Source, &rec.NativeURL, &rec.RawAddress,
		&identityKey, &fieldsJSON, &rec.Unresolved, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.IdentityKey = identityKey.String
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal listing fields")
	}
	return &rec, nil
}

func scanState(row scannable) (*model.EnrichmentState, error) {
	var st model.EnrichmentState
	var lastChecked sql.NullTime

	err := row.Scan(&st.IdentityKey, &st.NormalizedAddress, &st.Street, &st.City, &st.State, &st.Zip,
		&st.Status, &st.Missing.OwnerName, &st.Missing.OwnerEmail, &st.Missing.OwnerPhone,
		&st.Locked, &lastChecked, &st.SourceUsed, &st.FailureReason, &st.RequestID, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		st.LastCheckedAt = &t
	}
	return &st, nil
}

func getOwnerTx(ctx context.Context, q querier, key string) (*model.OwnerRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT identity_key, owner_name, emails, phones, mailing_address, provenance, confidence, created_at, updated_at
		 FROM owner_records WHERE identity_key = ?`, key)

	var rec model.OwnerRecord
	var emailsJSON, phonesJSON, provJSON string
	err := row.Scan(&rec.IdentityKey, &rec.OwnerName, &emailsJSON, &phonesJSON,
		&rec.MailingAddress, &provJSON, &rec.Confidence, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(emailsJSON), &rec.Emails); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner emails")
	}
	if err := json.Unmarshal([]byte(phonesJSON), &rec.Phones); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner phones")
	}
	if err := json.Unmarshal([]byte(provJSON), &rec.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal owner provenance")
	}
	return &rec, nil
}

func marshalOwner(rec *model.OwnerRecord) (emails, phones, prov string, err error) {
	e, err := json.Marshal(emptySlice(rec.Emails))
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal owner emails")
	}
	p, err := json.Marshal(emptySlice(rec.Phones))
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal owner phones")
	}
	pv, err := json.Marshal(rec.Provenance)
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal owner provenance")
	}
	return string(e), string(p), string(pv), nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/gatewright/gatewright/pkg/attest"
)

// SQLStore implements Store over database/sql. Supported drivers: sqlite
// (modernc, embedded) and postgres (lib/pq). The store assumes a single
// authoritative writer process per release context; a process-level mutex
// serializes appends while the CAS head check inside the transaction
// preserves ErrStaleChain semantics for racing callers.
type SQLStore struct {
	db       *sql.DB
	appendMu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attestation_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL,
	release_id    TEXT NOT NULL DEFAULT '',
	bundle_digest TEXT NOT NULL DEFAULT '',
	deploy_rev    TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	prev_hash     TEXT NOT NULL,
	signature     TEXT NOT NULL,
	signer_key_id TEXT NOT NULL DEFAULT '',
	public_key    TEXT NOT NULL,
	ts            TIMESTAMP NOT NULL,
	legal_hold    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_release ON attestation_events(release_id);
CREATE INDEX IF NOT EXISTS idx_events_bundle ON attestation_events(bundle_digest);
CREATE INDEX IF NOT EXISTS idx_events_deploy ON attestation_events(deploy_rev);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_prev ON attestation_events(prev_hash)
	WHERE prev_hash <> 'genesis';
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS attestation_events (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL,
	release_id    TEXT NOT NULL DEFAULT '',
	bundle_digest TEXT NOT NULL DEFAULT '',
	deploy_rev    TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	prev_hash     TEXT NOT NULL,
	signature     TEXT NOT NULL,
	signer_key_id TEXT NOT NULL DEFAULT '',
	public_key    TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	legal_hold    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_events_release ON attestation_events(release_id);
CREATE INDEX IF NOT EXISTS idx_events_bundle ON attestation_events(bundle_digest);
CREATE INDEX IF NOT EXISTS idx_events_deploy ON attestation_events(deploy_rev);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_prev ON attestation_events(prev_hash)
	WHERE prev_hash <> 'genesis';
`

// OpenSQLite opens (and migrates) an embedded sqlite-backed store.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	return newSQLStore(db, sqliteSchema)
}

// OpenPostgres opens (and migrates) a postgres-backed store.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	return newSQLStore(db, postgresSchema)
}

// NewSQLStore wraps an existing handle without migrating. Used by tests
// with sqlmock.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func newSQLStore(db *sql.DB, schema string) (*SQLStore, error) {
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

const headQuery = `
SELECT content_hash FROM attestation_events
WHERE (release_id = $1 AND $1 <> '')
   OR (bundle_digest = $2 AND $2 <> '')
   OR (deploy_rev = $3 AND $3 <> '')
ORDER BY seq DESC
LIMIT 1`

func (s *SQLStore) AppendCAS(ctx context.Context, e *attest.Event, expectHead string) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head := attest.RootSentinel
	err = tx.QueryRowContext(ctx, headQuery, e.Keys.ReleaseID, e.Keys.BundleDigest, e.Keys.DeployRev).Scan(&head)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("ledger: read chain head: %w", err)
	}
	if head != expectHead {
		return fmt.Errorf("%w: head is %s, expected %s", ErrStaleChain, head, expectHead)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attestation_events
			(id, kind, release_id, bundle_digest, deploy_rev, payload,
			 content_hash, prev_hash, signature, signer_key_id, public_key, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, string(e.Kind), e.Keys.ReleaseID, e.Keys.BundleDigest, e.Keys.DeployRev,
		string(e.Payload), e.ContentHash, e.PrevHash, e.Signature, e.SignerKeyID,
		e.PublicKey, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit append: %w", err)
	}
	return nil
}

func (s *SQLStore) Events(ctx context.Context, keys attest.CorrelationKeys) ([]*attest.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, release_id, bundle_digest, deploy_rev, payload,
		       content_hash, prev_hash, signature, signer_key_id, public_key, ts, legal_hold
		FROM attestation_events
		WHERE (release_id = $1 AND $1 <> '')
		   OR (bundle_digest = $2 AND $2 <> '')
		   OR (deploy_rev = $3 AND $3 <> '')
		ORDER BY seq ASC`,
		keys.ReleaseID, keys.BundleDigest, keys.DeployRev,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*attest.Event
	for rows.Next() {
		var (
			e       attest.Event
			kind    string
			payload string
			ts      time.Time
		)
		if err := rows.Scan(&e.ID, &kind, &e.Keys.ReleaseID, &e.Keys.BundleDigest,
			&e.Keys.DeployRev, &payload, &e.ContentHash, &e.PrevHash, &e.Signature,
			&e.SignerKeyID, &e.PublicKey, &ts, &e.LegalHold); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Kind = attest.Kind(kind)
		e.Payload = json.RawMessage(payload)
		e.Timestamp = ts.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Head(ctx context.Context, keys attest.CorrelationKeys) (string, error) {
	head := attest.RootSentinel
	err := s.db.QueryRowContext(ctx, headQuery, keys.ReleaseID, keys.BundleDigest, keys.DeployRev).Scan(&head)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("ledger: read chain head: %w", err)
	}
	return head, nil
}

func (s *SQLStore) SetHold(ctx context.Context, contentHash string, hold bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attestation_events SET legal_hold = $1 WHERE content_hash = $2`,
		hold, contentHash,
	)
	if err != nil {
		return fmt.Errorf("ledger: set hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: set hold rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ledger: event %s not found", contentHash)
	}
	return nil
}

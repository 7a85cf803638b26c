package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomrelay.db"
	}

	inMemory := dbPath == ":memory:"

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on"
	if inMemory {
		dsn = dbPath + "?_foreign_keys=on"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if inMemory {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		creator_pub_key TEXT NOT NULL,
		creation_time INTEGER NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES nodes(id),
		issued_at INTEGER NOT NULL,
		expires_at INTEGER,
		max_issue INTEGER NOT NULL,
		target_pub_key TEXT NOT NULL,
		issuer_pub_key TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES nodes(id),
		data BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_parent_order ON nodes(parent_id, creation_time, id);
	CREATE INDEX IF NOT EXISTS idx_receipts_record ON receipts(record_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_target ON receipts(target_pub_key);
	CREATE INDEX IF NOT EXISTS idx_blobs_record ON blobs(record_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutBundle stores the bundle in one transaction.
func (s *SQLiteStore) PutBundle(ctx context.Context, b Bundle) ([]string, error) {
	defer observe("sqlite", "put", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inserted []string
	for _, n := range b.Nodes {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO nodes (id, parent_id, content_type, creator_pub_key, creation_time, payload, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n.ID, n.ParentID, n.ContentType, n.CreatorPubKey, n.CreationTime, n.Payload, n.Signature)
		if err != nil {
			return nil, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted = append(inserted, n.ID)
		}
	}

	for _, r := range b.Receipts {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO receipts (id, record_id, issued_at, expires_at, max_issue, target_pub_key, issuer_pub_key, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.RecordID, r.IssuedAt, r.ExpiresAt, r.MaxIssue, r.TargetPubKey, r.IssuerPubKey, r.Signature)
		if err != nil {
			return nil, err
		}
	}

	for _, blob := range b.Blobs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO blobs (id, record_id, data) VALUES (?, ?, ?)
		`, blob.ID, blob.RecordID, blob.Data)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

const sqliteNodeColumns = `id, parent_id, content_type, creator_pub_key, creation_time, payload, signature`

// GetRecords returns the live records among ids, in the order given.
func (s *SQLiteStore) GetRecords(ctx context.Context, ids []string) ([]models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteNodeColumns+` FROM nodes
		WHERE deleted = 0 AND id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

// ListChildren pages the live children of parentID.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string, q Query) ([]models.Record, error) {
	defer observe("sqlite", "list", time.Now())

	query := `SELECT ` + sqliteNodeColumns + ` FROM nodes WHERE parent_id = ? AND deleted = 0`
	args := []interface{}{parentID}

	if q.Cursor != "" {
		var cursorTime int64
		err := s.db.QueryRowContext(ctx, `
			SELECT creation_time FROM nodes WHERE id = ? AND parent_id = ? AND deleted = 0
		`, q.Cursor, parentID).Scan(&cursorTime)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCursorNotFound
		}
		if err != nil {
			return nil, err
		}
		if q.Desc {
			query += ` AND (creation_time, id) < (?, ?)`
		} else {
			query += ` AND (creation_time, id) > (?, ?)`
		}
		args = append(args, cursorTime, q.Cursor)
	}

	if q.Desc {
		query += ` ORDER BY creation_time DESC, id DESC`
	} else {
		query += ` ORDER BY creation_time, id`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Blobs returns the blobs attached to recordIDs.
func (s *SQLiteStore) Blobs(ctx context.Context, recordIDs []string) ([]models.Blob, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, data FROM blobs
		WHERE record_id IN (`+placeholders(len(recordIDs))+`)
		ORDER BY id
	`, stringArgs(recordIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []models.Blob
	for rows.Next() {
		var b models.Blob
		if err := rows.Scan(&b.ID, &b.RecordID, &b.Data); err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// ReceiptsForTarget returns unexpired receipts naming target below parentID.
func (s *SQLiteStore) ReceiptsForTarget(ctx context.Context, parentID, target string, nowMs int64) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.record_id, r.issued_at, r.expires_at, r.max_issue, r.target_pub_key, r.issuer_pub_key, r.signature
		FROM receipts r
		JOIN nodes n ON n.id = r.record_id
		WHERE n.parent_id = ? AND n.deleted = 0 AND r.target_pub_key = ?
		  AND (r.expires_at IS NULL OR r.expires_at > ?)
		ORDER BY n.creation_time, n.id, r.id
	`, parentID, target, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ExpiredRecords returns live records whose receipts have all expired.
func (s *SQLiteStore) ExpiredRecords(ctx context.Context, nowMs int64) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteNodeColumns+` FROM nodes n
		WHERE n.deleted = 0
		  AND EXISTS (SELECT 1 FROM receipts r WHERE r.record_id = n.id)
		  AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.record_id = n.id AND (r.expires_at IS NULL OR r.expires_at > ?)
		  )
		ORDER BY n.creation_time, n.id
	`, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkDeleted soft-deletes ids.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET deleted = 1 WHERE id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	return err
}

// rowScanner is satisfied by *sql.Rows and pgx.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanRecords(rows rowScanner) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.ParentID, &r.ContentType, &r.CreatorPubKey, &r.CreationTime, &r.Payload, &r.Signature); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanReceipts(rows rowScanner) ([]models.Receipt, error) {
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.ID, &r.RecordID, &r.IssuedAt, &r.ExpiresAt, &r.MaxIssue, &r.TargetPubKey, &r.IssuerPubKey, &r.Signature); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// orderByIDs returns records in the order of ids.
func orderByIDs(records []models.Record, ids []string) []models.Record {
	byID := make(map[string]models.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	out := make([]models.Record, 0, len(records))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []interface{} {
	return toAny(ids)
}

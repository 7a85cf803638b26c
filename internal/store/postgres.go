package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// postgresSchema is applied by Migrate. Statements are idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		creator_pub_key TEXT NOT NULL,
		creation_time BIGINT NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES nodes(id),
		issued_at BIGINT NOT NULL,
		expires_at BIGINT,
		max_issue INTEGER NOT NULL,
		target_pub_key TEXT NOT NULL,
		issuer_pub_key TEXT NOT NULL,
		signature TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES nodes(id),
		data BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_parent_order ON nodes(parent_id, creation_time, id) WHERE NOT deleted`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_record ON receipts(record_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_target ON receipts(target_pub_key)`,
	`CREATE INDEX IF NOT EXISTS idx_blobs_record ON blobs(record_id)`,
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PutBundle stores the bundle in one transaction.
func (s *PostgresStore) PutBundle(ctx context.Context, b Bundle) ([]string, error) {
	defer observe("postgres", "put", time.Now())

	var inserted []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, n := range b.Nodes {
			tag, err := tx.Exec(ctx, `
				INSERT INTO nodes (id, parent_id, content_type, creator_pub_key, creation_time, payload, signature)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO NOTHING
			`, n.ID, n.ParentID, n.ContentType, n.CreatorPubKey, n.CreationTime, n.Payload, n.Signature)
			if err != nil {
				return err
			}
			if tag.RowsAffected() > 0 {
				inserted = append(inserted, n.ID)
			}
		}

		for _, r := range b.Receipts {
			_, err := tx.Exec(ctx, `
				INSERT INTO receipts (id, record_id, issued_at, expires_at, max_issue, target_pub_key, issuer_pub_key, signature)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO NOTHING
			`, r.ID, r.RecordID, r.IssuedAt, r.ExpiresAt, r.MaxIssue, r.TargetPubKey, r.IssuerPubKey, r.Signature)
			if err != nil {
				return err
			}
		}

		for _, blob := range b.Blobs {
			_, err := tx.Exec(ctx, `
				INSERT INTO blobs (id, record_id, data) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING
			`, blob.ID, blob.RecordID, blob.Data)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

const postgresNodeColumns = `id, parent_id, content_type, creator_pub_key, creation_time, payload, signature`

// GetRecords returns the live records among ids, in the order given.
func (s *PostgresStore) GetRecords(ctx context.Context, ids []string) ([]models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresNodeColumns+` FROM nodes
		WHERE NOT deleted AND id = ANY($1)
	`, ids)
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
func (s *PostgresStore) ListChildren(ctx context.Context, parentID string, q Query) ([]models.Record, error) {
	defer observe("postgres", "list", time.Now())

	query := `SELECT ` + postgresNodeColumns + ` FROM nodes WHERE parent_id = $1 AND NOT deleted`
	args := []interface{}{parentID}

	if q.Cursor != "" {
		var cursorTime int64
		err := s.pool.QueryRow(ctx, `
			SELECT creation_time FROM nodes WHERE id = $1 AND parent_id = $2 AND NOT deleted
		`, q.Cursor, parentID).Scan(&cursorTime)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCursorNotFound
		}
		if err != nil {
			return nil, err
		}
		if q.Desc {
			query += ` AND (creation_time, id) < ($2, $3)`
		} else {
			query += ` AND (creation_time, id) > ($2, $3)`
		}
		args = append(args, cursorTime, q.Cursor)
	}

	if q.Desc {
		query += ` ORDER BY creation_time DESC, id DESC`
	} else {
		query += ` ORDER BY creation_time, id`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Blobs returns the blobs attached to recordIDs.
func (s *PostgresStore) Blobs(ctx context.Context, recordIDs []string) ([]models.Blob, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, data FROM blobs WHERE record_id = ANY($1) ORDER BY id
	`, recordIDs)
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
func (s *PostgresStore) ReceiptsForTarget(ctx context.Context, parentID, target string, nowMs int64) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.record_id, r.issued_at, r.expires_at, r.max_issue, r.target_pub_key, r.issuer_pub_key, r.signature
		FROM receipts r
		JOIN nodes n ON n.id = r.record_id
		WHERE n.parent_id = $1 AND NOT n.deleted AND r.target_pub_key = $2
		  AND (r.expires_at IS NULL OR r.expires_at > $3)
		ORDER BY n.creation_time, n.id, r.id
	`, parentID, target, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ExpiredRecords returns live records whose receipts have all expired.
func (s *PostgresStore) ExpiredRecords(ctx context.Context, nowMs int64) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresNodeColumns+` FROM nodes n
		WHERE NOT n.deleted
		  AND EXISTS (SELECT 1 FROM receipts r WHERE r.record_id = n.id)
		  AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.record_id = n.id AND (r.expires_at IS NULL OR r.expires_at > $1)
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
func (s *PostgresStore) MarkDeleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE nodes SET deleted = TRUE WHERE id = ANY($1)`, ids)
	return err
}

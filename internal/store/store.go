package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/metrics"
	"github.com/eldtechnologies/roomrelay/internal/models"
)

// ErrCursorNotFound is returned when a paging cursor names no live child of
// the queried parent.
var ErrCursorNotFound = errors.New("cursor node not found")

// Bundle is a set of nodes, receipts and blobs written in one transaction.
type Bundle struct {
	Nodes    []models.Record
	Receipts []models.Receipt
	Blobs    []models.Blob
}

// Query pages the children of a parent ordered by (creationTime, id).
// Cursor is exclusive; Limit 0 means no limit.
type Query struct {
	Limit  int
	Cursor string
	Desc   bool
}

// NodeEvent announces nodes inserted below, or deleted from, a parent.
type NodeEvent struct {
	Parent   string   `json:"parent"`
	Inserted []string `json:"inserted,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// NodeStore defines durable storage of records and their receipts.
// MemoryStore, RedisStore, PostgresStore and SQLiteStore implement it.
type NodeStore interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// PutBundle stores the bundle atomically and returns the ids of nodes
	// that were not stored before. Existing nodes are left untouched.
	PutBundle(ctx context.Context, b Bundle) ([]string, error)

	// Reads skip deleted nodes.
	GetRecords(ctx context.Context, ids []string) ([]models.Record, error)
	ListChildren(ctx context.Context, parentID string, q Query) ([]models.Record, error)
	Blobs(ctx context.Context, recordIDs []string) ([]models.Blob, error)

	// ReceiptsForTarget returns the unexpired receipts naming target for
	// live nodes below parentID.
	ReceiptsForTarget(ctx context.Context, parentID, target string, nowMs int64) ([]models.Receipt, error)

	// ExpiredRecords returns live nodes that carry receipts, all of which
	// have expired at nowMs. Nodes stored without receipts never expire.
	ExpiredRecords(ctx context.Context, nowMs int64) ([]models.Record, error)
	MarkDeleted(ctx context.Context, ids []string) error
}

// before reports whether a sorts before b in child order.
func before(a, b models.Record) bool {
	if a.CreationTime != b.CreationTime {
		return a.CreationTime < b.CreationTime
	}
	return a.ID < b.ID
}

// sortRecords orders records by (creationTime, id).
func sortRecords(records []models.Record) {
	sort.Slice(records, func(i, j int) bool { return before(records[i], records[j]) })
}

// page applies q to records already sorted ascending.
func page(records []models.Record, q Query) ([]models.Record, error) {
	start := 0
	if q.Desc {
		start = len(records) - 1
	}
	if q.Cursor != "" {
		idx := -1
		for i, r := range records {
			if r.ID == q.Cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ErrCursorNotFound
		}
		if q.Desc {
			start = idx - 1
		} else {
			start = idx + 1
		}
	}

	var out []models.Record
	if q.Desc {
		for i := start; i >= 0; i-- {
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
			out = append(out, records[i])
		}
		return out, nil
	}
	for i := start; i < len(records); i++ {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

// observe records the latency of a backend operation started at start.
func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Package substrate defines the storage and transport collaborators the
// messaging core runs on, and provides the storage implementations.
package substrate

import (
	"context"
	"errors"
	"sync"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

var (
	ErrNotConnected       = errors.New("storage is not connected")
	ErrSubscribe          = errors.New("subscription failed")
	ErrStore              = errors.New("store failed")
	ErrUnsupportedDepth   = errors.New("only depth 1 is supported")
	ErrInvalidRequest     = errors.New("invalid store request")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Direction is the ordering direction of a fetch.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Ordering selects the direction of a fetch. A nil Ordering is ascending.
type Ordering struct {
	Direction Direction `json:"direction"`
}

// Desc reports whether o requests newest-first ordering.
func (o *Ordering) Desc() bool {
	return o != nil && o.Direction == Descending
}

// LevelCriteria restricts one tree level of a fetch.
type LevelCriteria struct {
	Discard      bool   `json:"discard,omitempty"` // do not return nodes of this level
	Limit        int    `json:"limit,omitempty"`
	CursorNodeID string `json:"cursorNodeId,omitempty"`
}

// Criteria is keyed by tree level, 0 being the root.
type Criteria map[int]LevelCriteria

// StoreRequest is an atomic multi-record submission.
type StoreRequest struct {
	Nodes    []models.Record  `json:"nodes"`
	Receipts []models.Receipt `json:"receipts,omitempty"`
	Blobs    []models.Blob    `json:"blobs,omitempty"`
}

// Subscription is a live feed of batches below a root.
type Subscription interface {
	ID() string
	Close() error
}

// Storage is the content-addressed node store the core reads and writes.
// Callbacks may run on any goroutine.
type Storage interface {
	Subscribe(ctx context.Context, rootID string, depth int, includeDeleted bool, onData func(models.Batch)) (Subscription, error)
	Fetch(ctx context.Context, rootID string, depth int, criteria Criteria, ordering *Ordering) (models.Batch, error)
	Store(ctx context.Context, req StoreRequest) error
	IsConnected() bool
	OnConnect(fn func())
	OnDisconnect(fn func())
}

// Exporter is implemented by storages that can hand out the records a peer
// holds receipts for.
type Exporter interface {
	Export(ctx context.Context, rootID, target string, nowMs int64) (StoreRequest, error)
}

// SyncStatus is the outcome of a peer sync session.
type SyncStatus struct {
	Pulled int
	Pushed int
}

// SyncSession exchanges records with one peer.
type SyncSession interface {
	OnProgress(fn func(stage string))
	Start(ctx context.Context) (SyncStatus, error)
}

// Peer is a connected remote instance.
type Peer interface {
	PubKey() string
	Name() string
	OnClose(fn func())
	NewSyncSession(scope string) SyncSession
}

// Transport announces peer connections.
type Transport interface {
	OnPeerConnect(fn func(Peer))
}

// callbacks is a goroutine-safe list of lifecycle callbacks.
type callbacks struct {
	mu  sync.Mutex
	fns []func()
}

func (c *callbacks) add(fn func()) {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *callbacks) fire() {
	c.mu.Lock()
	fns := append([]func(){}, c.fns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

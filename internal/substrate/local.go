package substrate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/metrics"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/store"
)

// dispatchTimeout bounds the reads made to build a subscription delivery.
const dispatchTimeout = 5 * time.Second

// Local is a Storage backed directly by a node store.
type Local struct {
	nodes    store.NodeStore
	notifier Notifier
	logger   zerolog.Logger

	connected    atomic.Bool
	onConnect    callbacks
	onDisconnect callbacks

	mu         sync.RWMutex
	subs       map[string]*localSubscription
	stopNotify func()
}

// NewLocal creates a Local over nodes. A nil notifier uses an in-process Hub.
func NewLocal(nodes store.NodeStore, notifier Notifier, logger zerolog.Logger) *Local {
	if notifier == nil {
		notifier = NewHub()
	}
	return &Local{
		nodes:    nodes,
		notifier: notifier,
		logger:   logger.With().Str("component", "storage").Logger(),
		subs:     make(map[string]*localSubscription),
	}
}

// Connect checks the node store and starts delivering events. Connect
// callbacks fire once the storage is usable.
func (l *Local) Connect(ctx context.Context) error {
	if l.connected.Load() {
		return nil
	}
	if err := l.nodes.Ping(ctx); err != nil {
		return fmt.Errorf("storage connect: %w", err)
	}

	stop, err := l.notifier.Subscribe(l.dispatch)
	if err != nil {
		return fmt.Errorf("storage connect: %w", err)
	}

	l.mu.Lock()
	l.stopNotify = stop
	l.mu.Unlock()

	l.connected.Store(true)
	l.onConnect.fire()
	return nil
}

// Close stops event delivery and fires disconnect callbacks. The node store
// stays open; it belongs to the caller.
func (l *Local) Close() error {
	if !l.connected.Swap(false) {
		return nil
	}

	l.mu.Lock()
	stop := l.stopNotify
	l.stopNotify = nil
	l.mu.Unlock()
	if stop != nil {
		stop()
	}

	l.onDisconnect.fire()
	return nil
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (l *Local) IsConnected() bool {
	return l.connected.Load()
}

// SubscriptionCount reports the number of open subscriptions.
func (l *Local) SubscriptionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// OnConnect registers fn to run on every connect.
func (l *Local) OnConnect(fn func()) {
	l.onConnect.add(fn)
}

// OnDisconnect registers fn to run on every disconnect.
func (l *Local) OnDisconnect(fn func()) {
	l.onDisconnect.add(fn)
}

// Subscribe delivers batches of records stored below rootID from now on.
func (l *Local) Subscribe(ctx context.Context, rootID string, depth int, includeDeleted bool, onData func(models.Batch)) (Subscription, error) {
	if !l.IsConnected() {
		return nil, ErrNotConnected
	}
	if depth != 1 {
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, ErrUnsupportedDepth)
	}
	if rootID == "" || onData == nil {
		return nil, fmt.Errorf("%w: root and callback are required", ErrSubscribe)
	}

	sub := &localSubscription{
		id:             uuid.NewString(),
		root:           rootID,
		includeDeleted: includeDeleted,
		onData:         onData,
		owner:          l,
	}

	l.mu.Lock()
	l.subs[sub.id] = sub
	l.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	l.logger.Debug().Str("subscription_id", sub.id).Str("root", rootID).Msg("Subscribed")
	return sub, nil
}

// Fetch pages the children of rootID. Deleted records are never part of
// a fetch; deletions reach clients through subscriptions.
func (l *Local) Fetch(ctx context.Context, rootID string, depth int, criteria Criteria, ordering *Ordering) (models.Batch, error) {
	if !l.IsConnected() {
		return models.Batch{}, ErrNotConnected
	}
	if depth != 1 {
		return models.Batch{}, ErrUnsupportedDepth
	}

	var batch models.Batch
	if !criteria[0].Discard {
		root, err := l.nodes.GetRecords(ctx, []string{rootID})
		if err != nil {
			return models.Batch{}, err
		}
		batch.Records = append(batch.Records, root...)
	}

	level := criteria[1]
	if !level.Discard {
		children, err := l.nodes.ListChildren(ctx, rootID, store.Query{
			Limit:  level.Limit,
			Cursor: level.CursorNodeID,
			Desc:   ordering.Desc(),
		})
		if err != nil {
			return models.Batch{}, err
		}
		batch.Records = append(batch.Records, children...)
	}

	blobs, err := l.nodes.Blobs(ctx, recordIDs(batch.Records))
	if err != nil {
		return models.Batch{}, err
	}
	batch.Blobs = blobs
	return batch, nil
}

// Store verifies and stores req atomically, then notifies subscribers of
// the records that were new.
func (l *Local) Store(ctx context.Context, req StoreRequest) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	if err := validate(req); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	inserted, err := l.nodes.PutBundle(ctx, store.Bundle{
		Nodes:    req.Nodes,
		Receipts: req.Receipts,
		Blobs:    req.Blobs,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if len(inserted) == 0 {
		return nil
	}
	metrics.RecordsStored.Add(float64(len(inserted)))

	fresh := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		fresh[id] = true
	}
	byParent := make(map[string][]string)
	var parents []string
	for _, n := range req.Nodes {
		if !fresh[n.ID] {
			continue
		}
		if _, ok := byParent[n.ParentID]; !ok {
			parents = append(parents, n.ParentID)
		}
		byParent[n.ParentID] = append(byParent[n.ParentID], n.ID)
	}
	for _, parent := range parents {
		l.publish(ctx, store.NodeEvent{Parent: parent, Inserted: byParent[parent]})
	}
	return nil
}

// PurgeExpired deletes records whose receipts have all expired at nowMs and
// notifies subscribers. It returns the number of records deleted.
func (l *Local) PurgeExpired(ctx context.Context, nowMs int64) (int, error) {
	expired, err := l.nodes.ExpiredRecords(ctx, nowMs)
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	ids := recordIDs(expired)
	if err := l.nodes.MarkDeleted(ctx, ids); err != nil {
		return 0, err
	}
	metrics.RecordsPurged.Add(float64(len(ids)))

	byParent := make(map[string][]string)
	var parents []string
	for _, rec := range expired {
		if _, ok := byParent[rec.ParentID]; !ok {
			parents = append(parents, rec.ParentID)
		}
		byParent[rec.ParentID] = append(byParent[rec.ParentID], rec.ID)
	}
	for _, parent := range parents {
		l.publish(ctx, store.NodeEvent{Parent: parent, Deleted: byParent[parent]})
	}
	return len(ids), nil
}

// Export returns the records below rootID that target holds a live receipt
// for, with those receipts and the records' blobs.
func (l *Local) Export(ctx context.Context, rootID, target string, nowMs int64) (StoreRequest, error) {
	receipts, err := l.nodes.ReceiptsForTarget(ctx, rootID, target, nowMs)
	if err != nil {
		return StoreRequest{}, err
	}
	if len(receipts) == 0 {
		return StoreRequest{}, nil
	}

	var ids []string
	seen := make(map[string]bool)
	for _, r := range receipts {
		if !seen[r.RecordID] {
			seen[r.RecordID] = true
			ids = append(ids, r.RecordID)
		}
	}

	nodes, err := l.nodes.GetRecords(ctx, ids)
	if err != nil {
		return StoreRequest{}, err
	}
	blobs, err := l.nodes.Blobs(ctx, ids)
	if err != nil {
		return StoreRequest{}, err
	}
	return StoreRequest{Nodes: nodes, Receipts: receipts, Blobs: blobs}, nil
}

func (l *Local) publish(ctx context.Context, ev store.NodeEvent) {
	if err := l.notifier.Publish(ctx, ev); err != nil {
		l.logger.Error().Err(err).Str("parent", ev.Parent).Msg("Failed to publish node event")
	}
}

// dispatch turns a node event into one batch per matching subscription.
func (l *Local) dispatch(ev store.NodeEvent) {
	l.mu.RLock()
	var targets []*localSubscription
	for _, sub := range l.subs {
		if sub.root == ev.Parent {
			targets = append(targets, sub)
		}
	}
	l.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var inserted models.Batch
	if len(ev.Inserted) > 0 {
		records, err := l.nodes.GetRecords(ctx, ev.Inserted)
		if err != nil {
			l.logger.Error().Err(err).Str("parent", ev.Parent).Msg("Failed to load inserted records")
			return
		}
		blobs, err := l.nodes.Blobs(ctx, ev.Inserted)
		if err != nil {
			l.logger.Error().Err(err).Str("parent", ev.Parent).Msg("Failed to load blobs")
			return
		}
		inserted = models.Batch{Records: records, Blobs: blobs}
	}

	for _, sub := range targets {
		batch := inserted
		if sub.includeDeleted && len(ev.Deleted) > 0 {
			batch.DeletedRecordIDs = ev.Deleted
		}
		if batch.Empty() || sub.closed.Load() {
			continue
		}
		sub.onData(batch)
	}
}

func (l *Local) unsubscribe(id string) {
	l.mu.Lock()
	_, ok := l.subs[id]
	delete(l.subs, id)
	l.mu.Unlock()
	if ok {
		metrics.ActiveSubscriptions.Dec()
	}
}

type localSubscription struct {
	id             string
	root           string
	includeDeleted bool
	onData         func(models.Batch)
	owner          *Local
	closed         atomic.Bool
}

func (s *localSubscription) ID() string {
	return s.id
}

func (s *localSubscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.owner.unsubscribe(s.id)
	return nil
}

// validate checks every signature in req and that each receipt governs a
// node of the same request.
func validate(req StoreRequest) error {
	if len(req.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidRequest)
	}

	ids := make(map[string]bool, len(req.Nodes))
	for _, n := range req.Nodes {
		if err := n.Verify(); err != nil {
			return fmt.Errorf("%w: node %s: %w", ErrInvalidRequest, n.ID, err)
		}
		ids[n.ID] = true
	}
	for _, r := range req.Receipts {
		if !ids[r.RecordID] {
			return fmt.Errorf("%w: receipt %s governs a record outside the request", ErrInvalidRequest, r.ID)
		}
		if err := r.Verify(); err != nil {
			return fmt.Errorf("%w: receipt %s: %w", ErrInvalidRequest, r.ID, err)
		}
	}
	for _, b := range req.Blobs {
		if !ids[b.RecordID] {
			return fmt.Errorf("%w: blob %s belongs to a record outside the request", ErrInvalidRequest, b.ID)
		}
	}
	return nil
}

func recordIDs(records []models.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// Package syncer drives the storage subscription, history refreshes and
// per-peer sync sessions of one room.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/composer"
	"github.com/eldtechnologies/roomrelay/internal/history"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

// DefaultRefreshLimit is the size of the history fetch after subscribing.
const DefaultRefreshLimit = 30

const eventQueueSize = 64

// State is the subscription state of a Coordinator.
type State int32

const (
	StateDisconnected State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// RefreshRequest pages the room history.
type RefreshRequest struct {
	Limit       int
	Cursor      string // record id; results start after it
	NewestFirst bool
}

// Options configures a Coordinator.
type Options struct {
	RefreshLimit int              // history fetched after subscribing
	Now          func() time.Time // clock for composed records
}

type event interface{}

type (
	connected    struct{}
	disconnected struct{}
	delivery     struct{ batch models.Batch }
	peerUp       struct{ peer substrate.Peer }
	peerDown     struct{ peer substrate.Peer }
)

// Coordinator turns substrate and transport lifecycle events into state
// transitions. Events are handled one at a time by Run.
type Coordinator struct {
	root       string
	storage    substrate.Storage
	reconciler *history.Reconciler
	composer   *composer.Composer
	logger     zerolog.Logger
	opts       Options

	state  atomic.Int32
	events chan event
	done   chan struct{}

	// owned by Run
	sub      substrate.Subscription
	sessions sync.WaitGroup
}

// New creates a Coordinator and registers it with storage and, if not nil,
// transport. Events arriving before Run are queued.
func New(root string, storage substrate.Storage, transport substrate.Transport, reconciler *history.Reconciler, comp *composer.Composer, logger zerolog.Logger, opts Options) *Coordinator {
	if opts.RefreshLimit <= 0 {
		opts.RefreshLimit = DefaultRefreshLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		root:       root,
		storage:    storage,
		reconciler: reconciler,
		composer:   comp,
		logger:     logger.With().Str("component", "syncer").Logger(),
		opts:       opts,
		events:     make(chan event, eventQueueSize),
		done:       make(chan struct{}),
	}

	storage.OnConnect(func() { c.post(connected{}) })
	storage.OnDisconnect(func() { c.post(disconnected{}) })
	if transport != nil {
		transport.OnPeerConnect(func(p substrate.Peer) { c.post(peerUp{peer: p}) })
	}
	return c
}

// State returns the current subscription state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("State changed")
	}
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run handles events until ctx is cancelled. It subscribes at once if the
// storage is already connected.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		close(c.done)
		c.unsubscribe()
		c.sessions.Wait()
		c.setState(StateDisconnected)
	}()

	if c.storage.IsConnected() {
		c.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case connected:
		c.subscribe(ctx)
	case disconnected:
		c.unsubscribe()
		c.setState(StateDisconnected)
		c.logger.Info().Msg("Storage disconnected")
	case delivery:
		c.reconciler.Reconcile(ev.batch, history.Live)
	case peerUp:
		c.startSession(ctx, ev.peer)
	case peerDown:
		c.reconciler.Notify(history.Notice{Kind: history.NoticePeerClosed, Peer: ev.peer.PubKey()})
	}
}

// subscribe moves from Disconnected to Subscribed and seeds the history.
// A failed subscription leaves the coordinator Disconnected.
func (c *Coordinator) subscribe(ctx context.Context) {
	if c.State() != StateDisconnected {
		return
	}
	c.setState(StateSubscribing)

	sub, err := c.storage.Subscribe(ctx, c.root, 1, true, func(b models.Batch) {
		c.post(delivery{batch: b})
	})
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Error().Err(err).Str("root", c.root).Msg("Subscription failed")
		return
	}
	c.sub = sub
	c.setState(StateSubscribed)
	c.logger.Info().Str("root", c.root).Str("subscription", sub.ID()).Msg("Subscribed")

	if err := c.Refresh(ctx, RefreshRequest{Limit: c.opts.RefreshLimit, NewestFirst: true}); err != nil {
		c.logger.Error().Err(err).Msg("Initial refresh failed")
	}
}

func (c *Coordinator) unsubscribe() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close subscription")
	}
	c.sub = nil
}

func (c *Coordinator) startSession(ctx context.Context, p substrate.Peer) {
	log := c.logger.With().Str("peer", p.PubKey()).Logger()

	c.reconciler.Notify(history.Notice{Kind: history.NoticePeerConnected, Peer: p.PubKey(), Connection: p.Name()})
	// OnClose may call back at once on this goroutine, which also drains
	// the queue.
	p.OnClose(func() { go c.post(peerDown{peer: p}) })

	session := p.NewSyncSession(c.root)
	session.OnProgress(func(stage string) {
		log.Debug().Str("stage", stage).Msg("Sync progress")
	})

	c.sessions.Add(1)
	go func() {
		defer c.sessions.Done()
		status, err := session.Start(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Sync session failed")
			return
		}
		log.Info().Int("pulled", status.Pulled).Int("pushed", status.Pushed).Msg("Sync session finished")
	}()
}

// Refresh fetches a page of history and reconciles it. It may be called
// from any goroutine.
func (c *Coordinator) Refresh(ctx context.Context, req RefreshRequest) error {
	if !c.storage.IsConnected() {
		return substrate.ErrNotConnected
	}
	if req.Limit <= 0 {
		req.Limit = c.opts.RefreshLimit
	}

	ordering := &substrate.Ordering{Direction: substrate.Ascending}
	if req.NewestFirst {
		ordering.Direction = substrate.Descending
	}
	criteria := substrate.Criteria{
		0: {Discard: true},
		1: {Limit: req.Limit, CursorNodeID: req.Cursor},
	}

	batch, err := c.storage.Fetch(ctx, c.root, 1, criteria, ordering)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	res := c.reconciler.Reconcile(batch, history.Source{History: true, NewestFirst: req.NewestFirst})
	c.logger.Debug().Int("rendered", res.Rendered).Int("failed", res.Failed).Msg("History refreshed")
	return nil
}

// Send composes and stores a message. The message is rendered at once; a
// failed store is returned and the rendered line stays.
func (c *Coordinator) Send(ctx context.Context, text string) (models.Record, error) {
	return c.composer.Send(ctx, text, c.opts.Now().UnixMilli(), func(rec models.Record) {
		if err := c.reconciler.RenderLocal(rec); err != nil {
			c.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Local echo failed")
		}
	})
}

// SaveProfile announces name as the local display name.
func (c *Coordinator) SaveProfile(ctx context.Context, name string) (models.Record, error) {
	return c.composer.SaveProfile(ctx, name, c.opts.Now().UnixMilli())
}

package substrate

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/store"
)

// Notifier fans node events out to every Local sharing a node store.
type Notifier interface {
	Publish(ctx context.Context, ev store.NodeEvent) error
	Subscribe(fn func(store.NodeEvent)) (cancel func(), err error)
}

// Hub is an in-process Notifier. Publish delivers synchronously.
type Hub struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(store.NodeEvent)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]func(store.NodeEvent))}
}

// Publish delivers ev to every listener.
func (h *Hub) Publish(ctx context.Context, ev store.NodeEvent) error {
	h.mu.RLock()
	fns := make([]func(store.NodeEvent), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// Subscribe registers fn until cancel is called.
func (h *Hub) Subscribe(fn func(store.NodeEvent)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}, nil
}

// RedisNotifier carries node events over Redis pub/sub so that several relay
// processes sharing one Redis see each other's writes.
type RedisNotifier struct {
	redis  *store.RedisStore
	logger zerolog.Logger
}

// NewRedisNotifier creates a notifier over rs.
func NewRedisNotifier(rs *store.RedisStore, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		redis:  rs,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Publish sends ev on the node event channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev store.NodeEvent) error {
	return n.redis.PublishNodeEvent(ctx, ev)
}

// Subscribe listens in the background until cancel is called.
func (n *RedisNotifier) Subscribe(fn func(store.NodeEvent)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := n.redis.SubscribeNodeEvents(ctx, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error().Err(err).Msg("Node event subscription ended")
		}
	}()
	return cancel, nil
}

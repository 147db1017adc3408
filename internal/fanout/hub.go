// Package fanout distributes episode events to live subscribers without
// letting a slow subscriber hold up the publisher.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 100

// Observer receives delivery counters.
type Observer interface {
	EventDelivered()
	EventDropped()
	SubscribersChanged(n int)
}

// Hub is the process-wide broadcast point. Every subscriber gets its own
// bounded queue; when a queue is full the oldest event in it is discarded.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	stateMu sync.RWMutex
	states  map[string][]byte

	buffer    int
	delivered atomic.Uint64
	dropped   atomic.Uint64
	observer  Observer
	logger    *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the default per-subscriber queue depth.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithObserver registers a counter observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) { h.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[uint64]*Subscription),
		states: make(map[string][]byte),
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*Subscription)

// ForEpisode restricts delivery to events of one episode.
func ForEpisode(id string) SubscribeOption {
	return func(s *Subscription) { s.episodeID = id }
}

// WithQueue overrides the queue depth for one subscription.
func WithQueue(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan domain.Event, n)
		}
	}
}

// Subscribe registers a new receiver. It sees only events published after
// this call. Subscribing to a closed hub returns an already closed
// subscription.
func (h *Hub) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{hub: h, ch: make(chan domain.Event, h.buffer)}
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closed = true
		close(s.ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.SubscribersChanged(n)
	}
	h.logger.Debug("Subscriber registered", "subscriber_id", s.id, "episode_id", s.episodeID)
	return s
}

// Publish delivers ev to every current subscriber. It never blocks and
// publishing with no subscribers is not an error. State updates refresh the
// state cache.
func (h *Hub) Publish(ev domain.Event) {
	if ev.Kind == domain.EventStateUpdate {
		h.stateMu.Lock()
		h.states[ev.EpisodeID] = append([]byte(nil), ev.State...)
		h.stateMu.Unlock()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.episodeID != "" && s.episodeID != ev.EpisodeID {
			continue
		}
		switch s.offer(ev) {
		case offerDelivered:
			h.delivered.Add(1)
			if h.observer != nil {
				h.observer.EventDelivered()
			}
		case offerDroppedOldest:
			h.delivered.Add(1)
			h.dropped.Add(1)
			if h.observer != nil {
				h.observer.EventDelivered()
				h.observer.EventDropped()
			}
			h.logger.Warn("Subscriber queue full, dropped oldest event",
				"subscriber_id", s.id,
				"episode_id", ev.EpisodeID)
		}
	}
}

// LastState returns the cached state of an episode.
func (h *Hub) LastState(episodeID string) ([]byte, bool) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	state, ok := h.states[episodeID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), state...), true
}

// Forget drops the cached state of an episode.
func (h *Hub) Forget(episodeID string) {
	h.stateMu.Lock()
	delete(h.states, episodeID)
	h.stateMu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns the delivered and dropped totals.
func (h *Hub) Stats() (delivered, dropped uint64) {
	return h.delivered.Load(), h.dropped.Load()
}

// Close closes every subscription. Later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.closeQueue()
	}
	if h.observer != nil {
		h.observer.SubscribersChanged(0)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		if h.observer != nil {
			h.observer.SubscribersChanged(n)
		}
		h.logger.Debug("Subscriber removed", "subscriber_id", id)
	}
}

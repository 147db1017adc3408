// Package engine runs the single worker that turns node notifications into
// registry mutations.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/node"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Applier is the registry surface the watcher drives.
type Applier interface {
	Initialize(ctx context.Context, id string, participants [][]byte, ref string) error
	Apply(ctx context.Context, id string, cmd []byte, ref string) error
	Revert(ctx context.Context, id, ref string) error
}

// Publisher receives error events.
type Publisher interface {
	Publish(ev domain.Event)
}

// Watcher subscribes to the node and applies each matching transaction in
// the order the node reports it.
type Watcher struct {
	node      node.Client
	applier   Applier
	publisher Publisher
	prefix    uint32
	clock     domain.Clock
	logger    *slog.Logger
}

// NewWatcher creates a watcher for payloads tagged with prefix.
func NewWatcher(client node.Client, applier Applier, publisher Publisher, prefix uint32, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == 0 {
		prefix = chain.DefaultPrefix
	}
	return &Watcher{
		node:      client,
		applier:   applier,
		publisher: publisher,
		prefix:    prefix,
		clock:     domain.SystemClock{},
		logger:    logger,
	}
}

// Start runs the watcher in its own goroutine. The returned channel is
// closed when it stops.
func (w *Watcher) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done
}

// Run blocks until ctx is done, resubscribing with backoff when the node
// stream breaks.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Watcher started", "prefix", w.prefix)
	backoff := minBackoff
	for {
		notes, err := w.node.Subscribe(ctx, w.prefix)
		if err == nil {
			backoff = minBackoff
			w.consume(ctx, notes)
		} else {
			w.logger.Warn("Watcher failed to subscribe", "error", err, "retry_in", backoff)
		}

		if ctx.Err() != nil {
			w.logger.Info("Watcher shutting down", "reason", ctx.Err())
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			w.logger.Info("Watcher shutting down", "reason", ctx.Err())
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (w *Watcher) consume(ctx context.Context, notes <-chan node.Notification) {
	for n := range notes {
		w.Handle(ctx, n)
	}
}

// Handle applies one notification. Failures are logged and published as
// error events of the affected episode.
func (w *Watcher) Handle(ctx context.Context, n node.Notification) {
	p, err := chain.DecodePayload(n.Payload, w.prefix)
	if err != nil {
		w.logger.Debug("Ignoring undecodable payload", "tx_id", n.TxID, "error", err)
		return
	}

	switch n.Kind {
	case node.NotificationReverted:
		err = w.applier.Revert(ctx, p.EpisodeID, n.TxID)
	case node.NotificationAccepted:
		switch p.Kind {
		case chain.PayloadNewEpisode:
			err = w.applier.Initialize(ctx, p.EpisodeID, p.Participants, n.TxID)
		case chain.PayloadCommand:
			err = w.applier.Apply(ctx, p.EpisodeID, p.Command, n.TxID)
		default:
			w.logger.Debug("Ignoring unknown payload kind", "tx_id", n.TxID, "kind", p.Kind.String())
			return
		}
	default:
		w.logger.Warn("Ignoring unknown notification kind", "tx_id", n.TxID, "kind", n.Kind)
		return
	}

	if err == nil {
		return
	}
	switch {
	case errors.Is(err, domain.ErrHistoryUnavailable):
		w.logger.Warn("Cannot revert transaction outside retained history, episode state may diverge from the network",
			"episode_id", p.EpisodeID,
			"tx_id", n.TxID,
			"error", err)
	case errors.Is(err, domain.ErrNotFound):
		// Episodes owned by other runtimes share the prefix.
		w.logger.Debug("Notification for unknown episode", "episode_id", p.EpisodeID, "tx_id", n.TxID)
		return
	default:
		w.logger.Warn("Failed to apply notification",
			"episode_id", p.EpisodeID,
			"tx_id", n.TxID,
			"kind", n.Kind,
			"error", err)
	}
	if w.publisher != nil {
		w.publisher.Publish(domain.Event{
			Kind:      domain.EventError,
			EpisodeID: p.EpisodeID,
			Message:   err.Error(),
			Timestamp: w.clock.Now(),
		})
	}
}

// Package bridge turns UI requests into registry mutations, either through
// on-chain transactions or, without a wallet, by applying them in process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/node"
)

const localInitRef = "local-init"

// Submitter is the transaction pipeline surface the bridge needs.
type Submitter interface {
	BuildAndSubmit(ctx context.Context, episodeID string, command []byte, session string) (node.Receipt, error)
	BuildEpisodeInitialization(ctx context.Context, episodeID string, participants [][]byte) (node.Receipt, error)
	PublicKey() []byte
}

// OperationGate rate limits locally applied actions.
type OperationGate interface {
	CheckAndConsumeOperation(session string) error
}

// Created is the outcome of CreateEpisode.
type Created struct {
	Episode domain.EpisodeMetadata `json:"episode"`
	Receipt *node.Receipt          `json:"receipt,omitempty"`
}

// Submitted is the outcome of SubmitAction. Receipt is nil in local mode.
type Submitted struct {
	EpisodeID string        `json:"episode_id"`
	Receipt   *node.Receipt `json:"receipt,omitempty"`
	Local     bool          `json:"local"`
}

// Bridge is safe for concurrent use.
type Bridge struct {
	registry *episode.Registry
	catalog  *game.Catalog
	wallet   Submitter
	gate     OperationGate
	clock    domain.Clock
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWallet routes commands through on-chain transactions.
func WithWallet(w Submitter) Option { return func(b *Bridge) { b.wallet = w } }

// WithGate rate limits local mode actions.
func WithGate(g OperationGate) Option { return func(b *Bridge) { b.gate = g } }

// WithClock overrides the clock used for expiry pre-checks.
func WithClock(c domain.Clock) Option { return func(b *Bridge) { b.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge. Without WithWallet it runs in local mode.
func New(registry *episode.Registry, catalog *game.Catalog, opts ...Option) *Bridge {
	b := &Bridge{
		registry: registry,
		catalog:  catalog,
		clock:    domain.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Local reports whether commands bypass the chain.
func (b *Bridge) Local() bool { return b.wallet == nil }

// CreateEpisode registers a new episode and starts its initialization. On
// chain the initial state arrives later through the watcher. A failed
// initialization leaves the registered episode in place with empty state.
func (b *Bridge) CreateEpisode(ctx context.Context, episodeType, session string) (Created, error) {
	tmpl, ok := b.catalog.Template(episodeType)
	if !ok {
		return Created{}, fmt.Errorf("%q: %w", episodeType, domain.ErrUnknownEpisodeType)
	}

	meta, err := b.registry.Create(ctx, episodeType, session)
	if err != nil {
		return Created{}, err
	}
	participants := b.participants(tmpl)

	if b.wallet == nil {
		if err := b.registry.Initialize(ctx, meta.ID, participants, localInitRef); err != nil {
			return Created{Episode: meta}, err
		}
		return Created{Episode: meta}, nil
	}

	receipt, err := b.wallet.BuildEpisodeInitialization(ctx, meta.ID, participants)
	if err != nil {
		b.logger.Warn("Episode initialization failed",
			"episode_id", meta.ID,
			"session_id", session,
			"error", err)
		return Created{Episode: meta}, err
	}
	b.logger.Info("Episode initialization submitted",
		"episode_id", meta.ID,
		"tx_id", receipt.TxID)
	return Created{Episode: meta, Receipt: &receipt}, nil
}

// SubmitAction translates a UI action and submits it for episode id.
func (b *Bridge) SubmitAction(ctx context.Context, id, session string, action json.RawMessage) (Submitted, error) {
	meta, ok := b.registry.Get(id)
	if !ok {
		return Submitted{}, fmt.Errorf("episode %s: %w", id, domain.ErrNotFound)
	}
	if meta.IsExpiredAt(b.clock.Now()) {
		return Submitted{}, fmt.Errorf("episode %s: %w", id, domain.ErrExpired)
	}

	cmd, err := b.catalog.ParseAction(meta.EpisodeType, action)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEpisodeType) {
			return Submitted{}, err
		}
		return Submitted{}, fmt.Errorf("%w: %w", domain.ErrInvalidAction, err)
	}

	if b.wallet == nil {
		if b.gate != nil {
			if err := b.gate.CheckAndConsumeOperation(session); err != nil {
				return Submitted{}, err
			}
		}
		if err := b.registry.Command(ctx, id, cmd); err != nil {
			return Submitted{}, err
		}
		return Submitted{EpisodeID: id, Local: true}, nil
	}

	receipt, err := b.wallet.BuildAndSubmit(ctx, id, cmd, session)
	if err != nil {
		return Submitted{}, err
	}
	return Submitted{EpisodeID: id, Receipt: &receipt}, nil
}

// participants fills every seat with the server key; moves are attributed
// by turn order.
func (b *Bridge) participants(tmpl game.Template) [][]byte {
	n := 1
	if len(tmpl.PlayerCounts) > 0 {
		n = tmpl.PlayerCounts[0]
	}
	key := []byte{0}
	if b.wallet != nil {
		key = b.wallet.PublicKey()
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = key
	}
	return out
}

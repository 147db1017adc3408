// Package episode owns the set of live episodes: their metadata, their
// serialized state and their expiry.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/store"
)

// DefaultHistoryLimit bounds the per-episode states kept for rollback.
const DefaultHistoryLimit = 64

// Executors resolves an episode type to its executor.
type Executors interface {
	Executor(episodeType string) (domain.Executor, bool)
}

// Gate approves episode creation per session.
type Gate interface {
	CheckAndConsumeEpisodeCreation(session string) error
}

// Publisher receives the events produced by the registry.
type Publisher interface {
	Publish(ev domain.Event)
	Forget(episodeID string)
}

// Observer receives registry counters.
type Observer interface {
	EpisodeCreated(episodeType string)
	EpisodesRemoved(reason string, n int)
	ActiveEpisodes(n int)
	CommandApplied(episodeType string)
	CommandRejected(code string)
}

type snapshot struct {
	ref   string
	state []byte
}

// record is one episode. expiresAt and episodeType never change after
// creation and may be read without mu.
type record struct {
	episodeType string
	expiresAt   time.Time

	mu      sync.RWMutex
	meta    domain.EpisodeMetadata
	state   []byte
	history []snapshot

	// truncated is set once history has dropped entries to stay in bounds.
	truncated bool
	removed   bool
}

// Registry is safe for concurrent use. Registry.mu and record locks are not
// nested, except in Create: it holds its new record's lock while inserting
// under Registry.mu. No other goroutine can reach that record before the
// insert, so the inversion cannot deadlock.
type Registry struct {
	mu       sync.RWMutex
	episodes map[string]*record

	store        store.EpisodeStore
	executors    Executors
	gate         Gate
	publisher    Publisher
	observer     Observer
	clock        domain.Clock
	ttl          time.Duration
	historyLimit int
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithGate sets the creation gate.
func WithGate(g Gate) Option { return func(r *Registry) { r.gate = g } }

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(r *Registry) { r.publisher = p } }

// WithObserver registers a counter observer.
func WithObserver(o Observer) Option { return func(r *Registry) { r.observer = o } }

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithTTL sets the episode lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithHistoryLimit bounds rollback history per episode.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates a registry persisting state in s.
func NewRegistry(s store.EpisodeStore, executors Executors, opts ...Option) *Registry {
	r := &Registry{
		episodes:     make(map[string]*record),
		store:        s,
		executors:    executors,
		publisher:    nopPublisher{},
		clock:        domain.SystemClock{},
		ttl:          domain.DefaultEpisodeTTL,
		historyLimit: DefaultHistoryLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOption customizes one creation.
type CreateOption func(*createOptions)

type createOptions struct {
	id string
}

// WithID requests a caller-chosen episode id.
func WithID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// Create registers a new episode and persists its empty initial state.
func (r *Registry) Create(ctx context.Context, episodeType, session string, opts ...CreateOption) (domain.EpisodeMetadata, error) {
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	if _, ok := r.executors.Executor(episodeType); !ok {
		return domain.EpisodeMetadata{}, fmt.Errorf("%w: %q", domain.ErrUnknownEpisodeType, episodeType)
	}
	if r.gate != nil {
		if err := r.gate.CheckAndConsumeEpisodeCreation(session); err != nil {
			r.rejected(err)
			return domain.EpisodeMetadata{}, fmt.Errorf("%w: %w", domain.ErrCreationDenied, err)
		}
	}

	now := r.clock.Now()
	rec := &record{episodeType: episodeType, state: []byte{}}
	// Held until the initial state is persisted, so no command can reach
	// the episode before that.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r.mu.Lock()
	id := co.id
	if id != "" {
		if _, exists := r.episodes[id]; exists {
			r.mu.Unlock()
			return domain.EpisodeMetadata{}, fmt.Errorf("episode %s: %w", id, domain.ErrAlreadyExists)
		}
	} else {
		id = r.newIDLocked()
	}
	rec.meta = domain.NewEpisodeMetadata(id, episodeType, session, now, r.ttl)
	rec.expiresAt = rec.meta.ExpiresAt
	r.episodes[id] = rec
	active := len(r.episodes)
	r.mu.Unlock()

	if err := r.store.Save(ctx, id, rec.state); err != nil {
		rec.removed = true
		r.mu.Lock()
		if r.episodes[id] == rec {
			delete(r.episodes, id)
		}
		r.mu.Unlock()
		r.logger.Error("Failed to persist initial episode state", "episode_id", id, "error", err)
		return domain.EpisodeMetadata{}, err
	}

	r.logger.Info("Episode created",
		"episode_id", id,
		"episode_type", episodeType,
		"session_id", session,
		"expires_at", rec.meta.ExpiresAt)
	if r.observer != nil {
		r.observer.EpisodeCreated(episodeType)
		r.observer.ActiveEpisodes(active)
	}
	return rec.meta, nil
}

func (r *Registry) newIDLocked() string {
	for {
		id := strconv.FormatUint(uint64(rand.Uint32()), 10)
		if _, exists := r.episodes[id]; !exists {
			return id
		}
	}
}

// Command applies cmd to the episode state.
func (r *Registry) Command(ctx context.Context, id string, cmd []byte) error {
	return r.Apply(ctx, id, cmd, "")
}

// Apply applies cmd and, when ref is set, remembers the prior state under
// ref so Revert can restore it. On any error the state is unchanged.
func (r *Registry) Apply(ctx context.Context, id string, cmd []byte, ref string) error {
	rec, err := r.writable(id)
	if err != nil {
		r.rejected(err)
		return err
	}
	defer rec.mu.Unlock()

	exec, ok := r.executors.Executor(rec.episodeType)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEpisodeType, rec.episodeType)
	}
	res, err := exec.Execute(rec.state, cmd)
	if err != nil {
		err = fmt.Errorf("%w: episode %s: %w", domain.ErrExecutionFailed, id, err)
		r.rejected(err)
		return err
	}
	if err := r.commitLocked(ctx, rec, res.State, ref); err != nil {
		return err
	}

	if r.observer != nil {
		r.observer.CommandApplied(rec.episodeType)
	}
	r.logger.Debug("Command applied", "episode_id", id, "tx_id", ref, "concluded", res.Concluded)
	r.publishState(rec)
	if res.Concluded {
		r.publisher.Publish(domain.Event{
			Kind:      domain.EventEpisodeConcluded,
			EpisodeID: id,
			Winner:    res.Winner,
			Timestamp: r.clock.Now(),
		})
		r.logger.Info("Episode concluded", "episode_id", id, "winner", res.Winner)
	}
	return nil
}

// Initialize replaces the state with the executor's initial state for
// participants.
func (r *Registry) Initialize(ctx context.Context, id string, participants [][]byte, ref string) error {
	rec, err := r.writable(id)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	exec, ok := r.executors.Executor(rec.episodeType)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEpisodeType, rec.episodeType)
	}
	state, err := exec.Initialize(participants)
	if err != nil {
		return fmt.Errorf("%w: initialize episode %s: %w", domain.ErrExecutionFailed, id, err)
	}
	if err := r.commitLocked(ctx, rec, state, ref); err != nil {
		return err
	}

	r.logger.Info("Episode initialized", "episode_id", id, "participants", len(participants), "tx_id", ref)
	r.publishState(rec)
	return nil
}

// Revert restores the state from before ref was applied and drops every
// later entry. The recomputed state is published as a state update.
func (r *Registry) Revert(ctx context.Context, id, ref string) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return fmt.Errorf("episode %s: %w", id, domain.ErrNotFound)
	}

	idx := -1
	for i := len(rec.history) - 1; i >= 0; i-- {
		if rec.history[i].ref == ref {
			idx = i
			break
		}
	}
	if idx < 0 {
		if rec.truncated {
			return fmt.Errorf("episode %s, tx %s: %w", id, ref, domain.ErrHistoryUnavailable)
		}
		return fmt.Errorf("episode %s has no applied tx %s: %w", id, ref, domain.ErrNotFound)
	}

	prev := rec.history[idx].state
	if err := r.store.Save(ctx, id, prev); err != nil {
		return err
	}
	rec.state = prev
	rec.history = rec.history[:idx]

	r.logger.Info("Episode state reverted", "episode_id", id, "tx_id", ref)
	r.publishState(rec)
	return nil
}

// Join increments the participant count and returns the new value.
func (r *Registry) Join(_ context.Context, id string) (int, error) {
	return r.adjustParticipants(id, 1, "joined")
}

// Leave decrements the participant count, never below zero.
func (r *Registry) Leave(_ context.Context, id string) (int, error) {
	return r.adjustParticipants(id, -1, "left")
}

func (r *Registry) adjustParticipants(id string, delta int, change string) (int, error) {
	rec, err := r.writable(id)
	if err != nil {
		return 0, err
	}
	defer rec.mu.Unlock()

	n := rec.meta.ParticipantCount + delta
	if n < 0 {
		n = 0
	}
	rec.meta.ParticipantCount = n
	r.publisher.Publish(domain.Event{
		Kind:             domain.EventParticipantUpdate,
		EpisodeID:        id,
		ParticipantCount: n,
		Change:           change,
		Timestamp:        r.clock.Now(),
	})
	return n, nil
}

// Get returns a copy of the metadata of id.
func (r *Registry) Get(id string) (domain.EpisodeMetadata, bool) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.EpisodeMetadata{}, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.removed {
		return domain.EpisodeMetadata{}, false
	}
	return rec.meta, true
}

// State returns a copy of the current state of id.
func (r *Registry) State(id string) ([]byte, bool) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.removed {
		return nil, false
	}
	return append([]byte(nil), rec.state...), true
}

// List returns a snapshot of every episode, oldest first.
func (r *Registry) List() []domain.EpisodeMetadata {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.episodes))
	for _, rec := range r.episodes {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]domain.EpisodeMetadata, 0, len(recs))
	for _, rec := range recs {
		rec.mu.RLock()
		if !rec.removed {
			out = append(out, rec.meta)
		}
		rec.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked episodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.episodes)
}

// Delete removes an episode and its stored state.
func (r *Registry) Delete(ctx context.Context, id string) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return fmt.Errorf("episode %s: %w", id, domain.ErrNotFound)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		rec.mu.Unlock()
		return err
	}
	rec.removed = true
	rec.mu.Unlock()

	r.mu.Lock()
	if r.episodes[id] == rec {
		delete(r.episodes, id)
	}
	active := len(r.episodes)
	r.mu.Unlock()

	r.publisher.Forget(id)
	r.logger.Info("Episode deleted", "episode_id", id)
	if r.observer != nil {
		r.observer.EpisodesRemoved("deleted", 1)
		r.observer.ActiveEpisodes(active)
	}
	return nil
}

// SweepExpired removes every episode whose expiry has passed and returns how
// many were removed. Storage errors are collected; the episodes are dropped
// from memory regardless.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.clock.Now()

	r.mu.Lock()
	expired := make(map[string]*record)
	for id, rec := range r.episodes {
		if !now.Before(rec.expiresAt) {
			expired[id] = rec
			delete(r.episodes, id)
		}
	}
	active := len(r.episodes)
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0, nil
	}

	var errs []error
	for id, rec := range expired {
		rec.mu.Lock()
		rec.removed = true
		rec.mu.Unlock()

		if err := r.store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			r.logger.Warn("Failed to delete state of expired episode", "episode_id", id, "error", err)
		}
		r.publisher.Forget(id)
	}

	r.logger.Info("Expired episodes swept", "count", len(expired), "active", active)
	if r.observer != nil {
		r.observer.EpisodesRemoved("expired", len(expired))
		r.observer.ActiveEpisodes(active)
	}
	return len(expired), errors.Join(errs...)
}

// PruneOrphans deletes stored states that belong to no live episode, such as
// those left by a previous process.
func (r *Registry) PruneOrphans(ctx context.Context) (int, error) {
	ids, err := r.store.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range ids {
		if _, err := r.lookup(id); err == nil {
			continue
		}
		if err := r.store.Delete(ctx, id); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		r.logger.Info("Pruned orphaned episode states", "count", pruned)
	}
	return pruned, nil
}

// StartSweeper runs SweepExpired every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Episode sweeper started", "interval", interval, "ttl", r.ttl)
		for {
			select {
			case <-ticker.C:
				if _, err := r.SweepExpired(ctx); err != nil {
					r.logger.Error("Episode sweep failed", "error", err)
				}
			case <-ctx.Done():
				r.logger.Info("Episode sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.episodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// writable returns the record write-locked, or an error when it is gone or
// expired. The caller must unlock on success.
func (r *Registry) writable(id string) (*record, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return nil, fmt.Errorf("episode %s: %w", id, domain.ErrNotFound)
	}
	if rec.meta.IsExpiredAt(r.clock.Now()) {
		rec.mu.Unlock()
		return nil, fmt.Errorf("episode %s: %w", id, domain.ErrExpired)
	}
	return rec, nil
}

// commitLocked persists next and only then makes it the current state.
func (r *Registry) commitLocked(ctx context.Context, rec *record, next []byte, ref string) error {
	if err := r.store.Save(ctx, rec.meta.ID, next); err != nil {
		r.logger.Error("Failed to persist episode state", "episode_id", rec.meta.ID, "error", err)
		r.rejected(err)
		return err
	}
	if ref != "" {
		rec.history = append(rec.history, snapshot{ref: ref, state: rec.state})
		if over := len(rec.history) - r.historyLimit; over > 0 {
			rec.history = append([]snapshot(nil), rec.history[over:]...)
			rec.truncated = true
		}
	}
	rec.state = next
	return nil
}

func (r *Registry) publishState(rec *record) {
	r.publisher.Publish(domain.Event{
		Kind:      domain.EventStateUpdate,
		EpisodeID: rec.meta.ID,
		State:     append([]byte(nil), rec.state...),
		Timestamp: r.clock.Now(),
	})
}

func (r *Registry) rejected(err error) {
	if r.observer != nil {
		r.observer.CommandRejected(domain.Code(err))
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
func (nopPublisher) Forget(string)        {}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kdapp-runtime/internal/admission"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/node"
	"github.com/ashureev/kdapp-runtime/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeWallet struct {
	mu       sync.Mutex
	inits    map[string][][]byte
	commands []string
	err      error
}

func (w *fakeWallet) BuildAndSubmit(_ context.Context, id string, cmd []byte, _ string) (node.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return node.Receipt{}, w.err
	}
	w.commands = append(w.commands, id+":"+string(cmd))
	return node.Receipt{TxID: "tx-" + id}, nil
}

func (w *fakeWallet) BuildEpisodeInitialization(_ context.Context, id string, participants [][]byte) (node.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return node.Receipt{}, w.err
	}
	if w.inits == nil {
		w.inits = make(map[string][][]byte)
	}
	w.inits[id] = participants
	return node.Receipt{TxID: "init-" + id}, nil
}

func (w *fakeWallet) PublicKey() []byte { return []byte{0xab, 0xcd} }

func newLocal(t *testing.T, clock domain.Clock, opts ...Option) (*Bridge, *episode.Registry) {
	t.Helper()
	reg := episode.NewRegistry(store.NewMemory(), game.DefaultCatalog(), episode.WithClock(clock))
	return New(reg, game.DefaultCatalog(), append([]Option{WithClock(clock)}, opts...)...), reg
}

func board(t *testing.T, reg *episode.Registry, id string) game.TicTacToeState {
	t.Helper()
	raw, ok := reg.State(id)
	require.True(t, ok)
	var st game.TicTacToeState
	require.NoError(t, json.Unmarshal(raw, &st))
	return st
}

func TestLocalModeCreateAndAct(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b, reg := newLocal(t, clock)
	require.True(t, b.Local())

	created, err := b.CreateEpisode(ctx, game.TypeTicTacToe, "s1")
	require.NoError(t, err)
	assert.Nil(t, created.Receipt)
	assert.Equal(t, "s1", created.Episode.CreatorSession)
	assert.Len(t, board(t, reg, created.Episode.ID).Players, 2)

	res, err := b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"type":"GameMove","position":[4]}`))
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.Equal(t, "X", board(t, reg, created.Episode.ID).Board[1][1])

	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"row":1,"col":1}`))
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
}

func TestLocalModeAdmission(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	gate := admission.New(admission.Limits{OpsPerHour: 1, EpisodesPerDay: 5, MaxLifetimeOps: 10}, admission.WithClock(clock))
	b, _ := newLocal(t, clock, WithGate(gate))

	created, err := b.CreateEpisode(ctx, game.TypeTicTacToe, "s1")
	require.NoError(t, err)

	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"row":0,"col":0}`))
	require.NoError(t, err)
	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"row":0,"col":1}`))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubmitActionPreChecks(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b, _ := newLocal(t, clock)

	_, err := b.SubmitAction(ctx, "404", "s1", json.RawMessage(`{"row":0,"col":0}`))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	created, err := b.CreateEpisode(ctx, game.TypeTicTacToe, "s1")
	require.NoError(t, err)

	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"type":"CastVote"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	clock.Advance(domain.DefaultEpisodeTTL)
	_, err = b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"row":0,"col":0}`))
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestCreateEpisodeUnknownType(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b, reg := newLocal(t, clock)
	_, err := b.CreateEpisode(context.Background(), "chess", "s1")
	assert.ErrorIs(t, err, domain.ErrUnknownEpisodeType)
	assert.Zero(t, reg.Len())
}

func TestChainModeRoutesThroughWallet(t *testing.T) {
	ctx := context.Background()
	wallet := &fakeWallet{}
	reg := episode.NewRegistry(store.NewMemory(), game.DefaultCatalog())
	b := New(reg, game.DefaultCatalog(), WithWallet(wallet))
	require.False(t, b.Local())

	created, err := b.CreateEpisode(ctx, game.TypeTicTacToe, "s1")
	require.NoError(t, err)
	require.NotNil(t, created.Receipt)
	assert.Equal(t, "init-"+created.Episode.ID, created.Receipt.TxID)
	assert.Equal(t, [][]byte{{0xab, 0xcd}, {0xab, 0xcd}}, wallet.inits[created.Episode.ID])

	// State stays empty until the watcher sees the initialization.
	raw, ok := reg.State(created.Episode.ID)
	require.True(t, ok)
	assert.Empty(t, raw)

	res, err := b.SubmitAction(ctx, created.Episode.ID, "s1", json.RawMessage(`{"type":"GameMove","position":[8]}`))
	require.NoError(t, err)
	assert.False(t, res.Local)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, []string{created.Episode.ID + `:{"row":2,"col":2}`}, wallet.commands)
}

func TestChainModeInitializationFailureKeepsEpisode(t *testing.T) {
	ctx := context.Background()
	wallet := &fakeWallet{err: fmt.Errorf("select resource: %w", domain.ErrNoResourcesAvailable)}
	reg := episode.NewRegistry(store.NewMemory(), game.DefaultCatalog())
	b := New(reg, game.DefaultCatalog(), WithWallet(wallet))

	created, err := b.CreateEpisode(ctx, game.TypeTicTacToe, "s1")
	assert.ErrorIs(t, err, domain.ErrNoResourcesAvailable)
	_, ok := reg.Get(created.Episode.ID)
	assert.True(t, ok)
}

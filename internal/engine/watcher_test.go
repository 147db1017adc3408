package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/fanout"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/ledger"
	"github.com/ashureev/kdapp-runtime/internal/node"
	"github.com/ashureev/kdapp-runtime/internal/store"
	"github.com/ashureev/kdapp-runtime/internal/wallet"
)

type allow struct{}

func (allow) CheckAndConsumeOperation(string) error { return nil }

func waitFor(t *testing.T, sub *fanout.Subscription, kind domain.EventKind) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return domain.Event{}
		}
	}
}

func TestWatcherAppliesAcceptedAndRevertedTransactions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := chain.GenerateSigner()
	require.NoError(t, err)
	lb := node.NewLoopback()
	lb.Fund(signer.Script(), 1_000_000)

	hub := fanout.NewHub()
	reg := episode.NewRegistry(store.NewMemory(), game.DefaultCatalog(), episode.WithPublisher(hub))
	w := wallet.New(ledger.New(), lb, signer, allow{}, wallet.Config{Fee: wallet.DefaultFee, Network: "devnet"})
	require.NoError(t, w.Refresh(ctx))

	done := NewWatcher(lb, reg, hub, chain.DefaultPrefix, nil).Start(ctx)

	meta, err := reg.Create(ctx, game.TypeTicTacToe, "s1")
	require.NoError(t, err)
	sub := hub.Subscribe(fanout.ForEpisode(meta.ID))
	defer sub.Close()

	require.Eventually(t, func() bool { return lb.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_, err = w.BuildEpisodeInitialization(ctx, meta.ID, [][]byte{signer.PublicKey(), signer.PublicKey()})
	require.NoError(t, err)
	ev := waitFor(t, sub, domain.EventStateUpdate)

	var st game.TicTacToeState
	require.NoError(t, json.Unmarshal(ev.State, &st))
	assert.Len(t, st.Players, 2)

	_, err = w.BuildAndSubmit(ctx, meta.ID, []byte(`{"row":0,"col":0}`), "s1")
	require.NoError(t, err)
	ev = waitFor(t, sub, domain.EventStateUpdate)
	require.NoError(t, json.Unmarshal(ev.State, &st))
	assert.Equal(t, "X", st.Board[0][0])

	require.Equal(t, 1, lb.Reorg(1))
	ev = waitFor(t, sub, domain.EventStateUpdate)
	require.NoError(t, json.Unmarshal(ev.State, &st))
	assert.Empty(t, st.Board[0][0])
	assert.Len(t, st.Players, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

type recordingApplier struct {
	err   error
	calls []string
}

func (a *recordingApplier) Initialize(_ context.Context, id string, _ [][]byte, ref string) error {
	a.calls = append(a.calls, "init:"+id+":"+ref)
	return a.err
}

func (a *recordingApplier) Apply(_ context.Context, id string, cmd []byte, ref string) error {
	a.calls = append(a.calls, "apply:"+id+":"+string(cmd)+":"+ref)
	return a.err
}

func (a *recordingApplier) Revert(_ context.Context, id, ref string) error {
	a.calls = append(a.calls, "revert:"+id+":"+ref)
	return a.err
}

func commandNote(t *testing.T, kind node.NotificationKind, prefix uint32) node.Notification {
	t.Helper()
	payload, err := chain.Payload{Prefix: prefix, Kind: chain.PayloadCommand, EpisodeID: "9", Command: []byte("c")}.Encode()
	require.NoError(t, err)
	return node.Notification{Kind: kind, TxID: "tx", Payload: payload}
}

func TestHandleDispatch(t *testing.T) {
	app := &recordingApplier{}
	hub := fanout.NewHub()
	w := NewWatcher(node.NewLoopback(), app, hub, 0, nil)

	w.Handle(context.Background(), commandNote(t, node.NotificationAccepted, chain.DefaultPrefix))
	w.Handle(context.Background(), commandNote(t, node.NotificationReverted, chain.DefaultPrefix))
	w.Handle(context.Background(), commandNote(t, node.NotificationAccepted, 1))
	w.Handle(context.Background(), node.Notification{Kind: node.NotificationAccepted, Payload: []byte{0xff}})

	assert.Equal(t, []string{"apply:9:c:tx", "revert:9:tx"}, app.calls)
}

func TestHandlePublishesErrors(t *testing.T) {
	hub := fanout.NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	app := &recordingApplier{err: errors.New("boom")}
	w := NewWatcher(node.NewLoopback(), app, hub, 0, nil)
	w.Handle(context.Background(), commandNote(t, node.NotificationAccepted, chain.DefaultPrefix))

	ev := waitFor(t, sub, domain.EventError)
	assert.Equal(t, "9", ev.EpisodeID)
	assert.Contains(t, ev.Message, "boom")

	// Unknown episodes are not reported.
	app.err = domain.ErrNotFound
	w.Handle(context.Background(), commandNote(t, node.NotificationAccepted, chain.DefaultPrefix))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestRevertOutsideHistoryIsReported(t *testing.T) {
	hub := fanout.NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	app := &recordingApplier{err: fmt.Errorf("episode 9, tx tx: %w", domain.ErrHistoryUnavailable)}
	w := NewWatcher(node.NewLoopback(), app, hub, 0, logger)

	w.Handle(context.Background(), commandNote(t, node.NotificationReverted, chain.DefaultPrefix))

	ev := waitFor(t, sub, domain.EventError)
	assert.Equal(t, "9", ev.EpisodeID)
	assert.Contains(t, ev.Message, "retained history")
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "outside retained history")
}

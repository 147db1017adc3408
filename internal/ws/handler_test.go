package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kdapp-runtime/internal/bridge"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/fanout"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/identity"
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

type testEnv struct {
	srv      *httptest.Server
	registry *episode.Registry
	bridge   *bridge.Bridge
	handler  *Handler
	conns    *ConnManager
}

func newTestEnv(t *testing.T, clock domain.Clock, actionsPerSecond float64) *testEnv {
	t.Helper()
	hub := fanout.NewHub()
	catalog := game.DefaultCatalog()
	reg := episode.NewRegistry(store.NewMemory(), catalog, episode.WithPublisher(hub), episode.WithClock(clock))
	br := bridge.New(reg, catalog, bridge.WithClock(clock))
	conns := NewConnManager()
	h := NewHandler(reg, br, hub, conns, "", true, actionsPerSecond)
	h.SetClock(clock)

	issuer, err := identity.NewIssuer([]byte("secret"), 0)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	r.Use(identity.Middleware(issuer, true))
	r.Get("/ws/episodes/{id}", h.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, registry: reg, bridge: br, handler: h, conns: conns}
}

func (e *testEnv) dial(t *testing.T, ctx context.Context, id, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/episodes/" + id
	header := http.Header{}
	header.Set(identity.SessionHeaderName, session)
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

type received struct {
	Type             string          `json:"type"`
	EpisodeID        string          `json:"episode_id"`
	State            json.RawMessage `json:"state"`
	ParticipantCount int             `json:"participant_count"`
	Change           string          `json:"change"`
	Code             string          `json:"code"`
	RemainingSeconds int64           `json:"remaining_seconds"`
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) received {
	t.Helper()
	var f received
	if err := wsjson.Read(ctx, c, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) received {
	t.Helper()
	for {
		f := readFrame(t, ctx, c)
		if f.Type == typ {
			return f
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSnapshotStateAndActions(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 100)
	created, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	id := created.Episode.ID

	c := env.dial(t, ctx, id, "alice")

	snap := readFrame(t, ctx, c)
	if snap.Type != FrameSnapshot || snap.EpisodeID != id {
		t.Fatalf("first frame = %+v", snap)
	}
	st := readFrame(t, ctx, c)
	if st.Type != string(domain.EventStateUpdate) || len(st.State) == 0 {
		t.Fatalf("second frame = %+v", st)
	}

	if err := wsjson.Write(ctx, c, map[string]interface{}{
		"type":   "action",
		"action": map[string]int{"row": 2, "col": 0},
	}); err != nil {
		t.Fatal(err)
	}

	var sawAck, sawState bool
	for !sawAck || !sawState {
		f := readFrame(t, ctx, c)
		switch f.Type {
		case FrameActionAccepted:
			sawAck = true
		case string(domain.EventStateUpdate):
			var board game.TicTacToeState
			if err := json.Unmarshal(f.State, &board); err != nil {
				t.Fatal(err)
			}
			if board.Board[2][0] != "X" {
				t.Fatalf("board = %v", board.Board)
			}
			sawState = true
		case string(domain.EventError):
			t.Fatalf("unexpected error frame %+v", f)
		}
	}

	if err := wsjson.Write(ctx, c, map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, ctx, c, FramePong)

	// Rejected actions come back as error frames on the same socket.
	if err := wsjson.Write(ctx, c, map[string]interface{}{
		"type":   "action",
		"action": map[string]int{"row": 2, "col": 0},
	}); err != nil {
		t.Fatal(err)
	}
	if f := readUntil(t, ctx, c, string(domain.EventError)); f.Code != "execution_failed" {
		t.Fatalf("error frame = %+v", f)
	}
}

func TestUnknownEpisodeClosesWithPolicyViolation(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 1)

	c := env.dial(t, ctx, "missing", "alice")
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v)", got, err)
	}
}

func TestExpirationWarningOnConnect(t *testing.T) {
	ctx := testContext(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	env := newTestEnv(t, clock, 1)
	created, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(domain.DefaultEpisodeTTL - 30*time.Minute)

	c := env.dial(t, ctx, created.Episode.ID, "alice")
	if f := readFrame(t, ctx, c); f.Type != FrameSnapshot {
		t.Fatalf("first frame = %+v", f)
	}
	f := readFrame(t, ctx, c)
	if f.Type != FrameExpirationWarning {
		t.Fatalf("second frame = %+v", f)
	}
	if f.RemainingSeconds != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("remaining = %d", f.RemainingSeconds)
	}
}

func TestActionThrottle(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 0.001)
	created, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	c := env.dial(t, ctx, created.Episode.ID, "alice")
	readUntil(t, ctx, c, string(domain.EventStateUpdate))

	for _, cell := range []int{0, 1} {
		if err := wsjson.Write(ctx, c, map[string]interface{}{
			"type":   "action",
			"action": map[string]int{"row": 0, "col": cell},
		}); err != nil {
			t.Fatal(err)
		}
	}
	readUntil(t, ctx, c, FrameActionAccepted)
	f := readUntil(t, ctx, c, string(domain.EventError))
	if f.Code != "rate_limited" {
		t.Fatalf("error frame = %+v", f)
	}
}

func TestJoinAndLeaveOnDisconnect(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 1)
	created, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	id := created.Episode.ID

	c := env.dial(t, ctx, id, "bob")
	readFrame(t, ctx, c)
	if err := wsjson.Write(ctx, c, map[string]string{"type": "join"}); err != nil {
		t.Fatal(err)
	}
	f := readUntil(t, ctx, c, string(domain.EventParticipantUpdate))
	if f.ParticipantCount != 1 || f.Change != "joined" {
		t.Fatalf("participant frame = %+v", f)
	}
	if env.conns.Count(id) != 1 {
		t.Fatalf("Count() = %d", env.conns.Count(id))
	}

	_ = c.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for {
		meta, _ := env.registry.Get(id)
		if meta.ParticipantCount == 0 && env.conns.Count(id) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("participant count = %d, conns = %d", meta.ParticipantCount, env.conns.Count(id))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readCloseStatus reads c until it fails and reports the close status.
func readCloseStatus(ctx context.Context, c *websocket.Conn) <-chan websocket.StatusCode {
	status := make(chan websocket.StatusCode, 1)
	go func() {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				status <- websocket.CloseStatus(err)
				return
			}
		}
	}()
	return status
}

func waitRegistered(t *testing.T, conns *ConnManager, episodeID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for conns.Count(episodeID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("registered connections = %d, want %d", conns.Count(episodeID), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnManagerCloseAll(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 1)
	first, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "bob")
	if err != nil {
		t.Fatal(err)
	}

	a := env.dial(t, ctx, first.Episode.ID, "alice")
	readFrame(t, ctx, a)
	b := env.dial(t, ctx, second.Episode.ID, "bob")
	readFrame(t, ctx, b)
	waitRegistered(t, env.conns, first.Episode.ID, 1)
	waitRegistered(t, env.conns, second.Episode.ID, 1)

	statusA := readCloseStatus(ctx, a)
	statusB := readCloseStatus(ctx, b)

	closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if n := env.conns.CloseAll(closeCtx, "shutdown"); n != 2 {
		t.Fatalf("CloseAll() = %d, want 2", n)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("CloseAll took %v with responsive peers", elapsed)
	}

	for _, status := range []<-chan websocket.StatusCode{statusA, statusB} {
		select {
		case got := <-status:
			if got != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
			}
		case <-ctx.Done():
			t.Fatal("client never observed the close")
		}
	}
	if env.conns.Count(first.Episode.ID) != 0 || env.conns.Count(second.Episode.ID) != 0 {
		t.Error("connections still tracked after CloseAll")
	}
}

func TestCloseEpisodeDoesNotWaitForPeer(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t, domain.SystemClock{}, 1)
	created, err := env.bridge.CreateEpisode(ctx, game.TypeTicTacToe, "alice")
	if err != nil {
		t.Fatal(err)
	}
	c := env.dial(t, ctx, created.Episode.ID, "alice")
	readFrame(t, ctx, c)
	waitRegistered(t, env.conns, created.Episode.ID, 1)

	// The client is not reading yet, so the close handshake cannot finish.
	start := time.Now()
	env.conns.CloseEpisode(created.Episode.ID, "episode deleted")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CloseEpisode blocked for %v", elapsed)
	}
	if n := env.conns.Count(created.Episode.ID); n != 0 {
		t.Errorf("Count() = %d after CloseEpisode", n)
	}

	select {
	case got := <-readCloseStatus(ctx, c):
		if got != websocket.StatusNormalClosure {
			t.Errorf("close status = %v, want %v", got, websocket.StatusNormalClosure)
		}
	case <-ctx.Done():
		t.Fatal("client never observed the close")
	}
}

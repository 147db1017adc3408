package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/kdapp-runtime/internal/bridge"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/fanout"
	"github.com/ashureev/kdapp-runtime/internal/identity"
)

const (
	// ExpirationWarning is how long before expiry subscribers are warned.
	ExpirationWarning = time.Hour
	writeTimeout      = 5 * time.Second
	maxFrameBytes     = 32 << 10
)

// Frame types sent to subscribers in addition to the event kinds.
const (
	FrameSnapshot          = "snapshot"
	FrameExpirationWarning = "expiration_warning"
	FrameExpired           = "expired"
	FrameActionAccepted    = "action_accepted"
	FramePong              = "pong"
)

// Handler serves GET /ws/episodes/{id}.
type Handler struct {
	registry      *episode.Registry
	bridge        *bridge.Bridge
	hub           *fanout.Hub
	conns         *ConnManager
	allowedOrigin string
	isDev         bool
	actionRate    rate.Limit
	actionBurst   int
	clock         domain.Clock
}

// NewHandler creates a new WebSocket handler. actionsPerSecond throttles the
// actions of each connection.
func NewHandler(reg *episode.Registry, br *bridge.Bridge, hub *fanout.Hub, conns *ConnManager, allowedOrigin string, isDev bool, actionsPerSecond float64) *Handler {
	burst := int(actionsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Handler{
		registry:      reg,
		bridge:        br,
		hub:           hub,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		actionRate:    rate.Limit(actionsPerSecond),
		actionBurst:   burst,
		clock:         domain.SystemClock{},
	}
}

// SetClock overrides the clock used for expiry warnings.
func (h *Handler) SetClock(c domain.Clock) {
	h.clock = c
}

// frame is every message sent to a subscriber.
type frame struct {
	Type             string                  `json:"type"`
	EpisodeID        string                  `json:"episode_id,omitempty"`
	Episode          *domain.EpisodeMetadata `json:"episode,omitempty"`
	State            interface{}             `json:"state,omitempty"`
	ParticipantCount int                     `json:"participant_count,omitempty"`
	Change           string                  `json:"change,omitempty"`
	Winner           string                  `json:"winner,omitempty"`
	Message          string                  `json:"message,omitempty"`
	Code             string                  `json:"code,omitempty"`
	Retryable        bool                    `json:"retryable,omitempty"`
	RemainingSeconds int64                   `json:"remaining_seconds,omitempty"`
	Result           *bridge.Submitted       `json:"result,omitempty"`
	Timestamp        time.Time               `json:"timestamp"`
}

// clientMessage is every message accepted from a subscriber.
type clientMessage struct {
	Type   string          `json:"type"`
	Action json.RawMessage `json:"action,omitempty"`
}

// conn is one subscriber connection.
type conn struct {
	ws        *websocket.Conn
	episodeID string
	sessionID string
	limiter   *rate.Limiter

	mu     sync.Mutex
	joined bool
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	episodeID := chi.URLParam(r, "id")
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request",
		"episode_id", episodeID,
		"session_id", sessionID,
		"ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "episode_id", episodeID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	meta, ok := h.registry.Get(episodeID)
	if !ok {
		_ = ws.Close(websocket.StatusPolicyViolation, "episode not found")
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "subscription ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "episode_id", episodeID)
		}
	}()

	h.conns.Register(episodeID, sessionID, ws)
	defer h.conns.Unregister(episodeID, ws)

	// Subscribe before the snapshot so no event falls between the two.
	sub := h.hub.Subscribe(fanout.ForEpisode(episodeID))
	defer sub.Close()

	c := &conn{
		ws:        ws,
		episodeID: episodeID,
		sessionID: sessionID,
		limiter:   rate.NewLimiter(h.actionRate, h.actionBurst),
	}
	defer h.leaveOnClose(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.sendSnapshot(ctx, c, meta); err != nil {
		slog.Debug("Failed to send snapshot", "error", err, "episode_id", episodeID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: subscriber -> bridge.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, c)
	}()

	// Output loop: hub -> subscriber.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, c, sub, meta)
	}()

	wg.Wait()
	slog.Info("Subscriber disconnected", "episode_id", episodeID, "session_id", sessionID, "dropped", sub.Dropped())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// sendSnapshot sends metadata, an expiry warning when due and the latest
// known state.
func (h *Handler) sendSnapshot(ctx context.Context, c *conn, meta domain.EpisodeMetadata) error {
	now := h.clock.Now()
	if err := h.writeJSON(ctx, c.ws, frame{
		Type:             FrameSnapshot,
		EpisodeID:        meta.ID,
		Episode:          &meta,
		RemainingSeconds: int64(meta.RemainingAt(now).Seconds()),
		Timestamp:        now,
	}); err != nil {
		return err
	}

	if remaining := meta.RemainingAt(now); remaining < ExpirationWarning {
		if err := h.writeJSON(ctx, c.ws, h.warningFrame(meta, now)); err != nil {
			return err
		}
	}

	state, ok := h.hub.LastState(meta.ID)
	if !ok {
		state, ok = h.registry.State(meta.ID)
	}
	if !ok || len(state) == 0 {
		return nil
	}
	return h.writeJSON(ctx, c.ws, frame{
		Type:      string(domain.EventStateUpdate),
		EpisodeID: meta.ID,
		State:     domain.StateValue(state),
		Timestamp: now,
	})
}

func (h *Handler) warningFrame(meta domain.EpisodeMetadata, now time.Time) frame {
	return frame{
		Type:             FrameExpirationWarning,
		EpisodeID:        meta.ID,
		Message:          "episode expires soon",
		RemainingSeconds: int64(meta.RemainingAt(now).Seconds()),
		Timestamp:        now,
	}
}

func (h *Handler) outputLoop(ctx context.Context, c *conn, sub *fanout.Subscription, meta domain.EpisodeMetadata) {
	remaining := meta.RemainingAt(h.clock.Now())
	warnIn := remaining - ExpirationWarning
	var warn <-chan time.Time
	if warnIn > 0 {
		t := time.NewTimer(warnIn)
		defer t.Stop()
		warn = t.C
	}
	expiry := time.NewTimer(remaining)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, c.ws, eventFrame(ev)); err != nil {
				slog.Debug("WebSocket write error", "error", err, "episode_id", c.episodeID)
				return
			}
		case <-warn:
			warn = nil
			if err := h.writeJSON(ctx, c.ws, h.warningFrame(meta, h.clock.Now())); err != nil {
				return
			}
		case <-expiry.C:
			_ = h.writeJSON(ctx, c.ws, frame{
				Type:      FrameExpired,
				EpisodeID: meta.ID,
				Timestamp: h.clock.Now(),
			})
			return
		}
	}
}

func (h *Handler) inputLoop(ctx context.Context, c *conn) {
	for {
		_, message, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "episode_id", c.episodeID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "episode_id", c.episodeID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendError(ctx, c, "invalid_request", "malformed message", false)
			continue
		}

		switch msg.Type {
		case "action":
			h.handleAction(ctx, c, msg.Action)
		case "ping":
			if err := h.writeJSON(ctx, c.ws, frame{Type: FramePong, Timestamp: h.clock.Now()}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "join":
			h.setJoined(ctx, c, true)
		case "leave":
			h.setJoined(ctx, c, false)
		default:
			h.sendError(ctx, c, "invalid_request", "unknown message type "+msg.Type, false)
		}
	}
}

func (h *Handler) handleAction(ctx context.Context, c *conn, action json.RawMessage) {
	if !c.limiter.Allow() {
		h.sendError(ctx, c, domain.Code(domain.ErrRateLimited), "too many actions", true)
		return
	}
	if len(action) == 0 {
		h.sendError(ctx, c, "invalid_request", "action is required", false)
		return
	}

	res, err := h.bridge.SubmitAction(ctx, c.episodeID, c.sessionID, action)
	if err != nil {
		slog.Debug("Action rejected", "episode_id", c.episodeID, "session_id", c.sessionID, "error", err)
		h.sendError(ctx, c, domain.Code(err), err.Error(), domain.IsTransient(err))
		return
	}
	if err := h.writeJSON(ctx, c.ws, frame{
		Type:      FrameActionAccepted,
		EpisodeID: c.episodeID,
		Result:    &res,
		Timestamp: h.clock.Now(),
	}); err != nil {
		slog.Debug("Failed to acknowledge action", "error", err)
	}
}

// setJoined is idempotent per connection; the participant update itself
// reaches the subscriber through the hub.
func (h *Handler) setJoined(ctx context.Context, c *conn, join bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == join {
		return
	}

	var err error
	if join {
		_, err = h.registry.Join(ctx, c.episodeID)
	} else {
		_, err = h.registry.Leave(ctx, c.episodeID)
	}
	if err != nil {
		h.sendError(ctx, c, domain.Code(err), err.Error(), false)
		return
	}
	c.joined = join
}

func (h *Handler) leaveOnClose(c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return
	}
	if _, err := h.registry.Leave(context.Background(), c.episodeID); err != nil {
		slog.Debug("Failed to leave on disconnect", "error", err, "episode_id", c.episodeID)
	}
	c.joined = false
}

func (h *Handler) sendError(ctx context.Context, c *conn, code, message string, retryable bool) {
	if err := h.writeJSON(ctx, c.ws, frame{
		Type:      string(domain.EventError),
		EpisodeID: c.episodeID,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: h.clock.Now(),
	}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func eventFrame(ev domain.Event) frame {
	return frame{
		Type:             string(ev.Kind),
		EpisodeID:        ev.EpisodeID,
		State:            domain.StateValue(ev.State),
		ParticipantCount: ev.ParticipantCount,
		Change:           ev.Change,
		Winner:           ev.Winner,
		Message:          ev.Message,
		Timestamp:        ev.Timestamp,
	}
}

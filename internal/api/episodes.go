package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/kdapp-runtime/internal/admission"
	"github.com/ashureev/kdapp-runtime/internal/bridge"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/identity"
	"github.com/ashureev/kdapp-runtime/internal/ledger"
)

// WalletInfo is the read side of the transaction pipeline.
type WalletInfo interface {
	Address() string
	Balance() uint64
	Available() []ledger.Resource
	Fee() uint64
}

// Disconnector closes the live subscriptions of an episode.
type Disconnector interface {
	CloseEpisode(episodeID, reason string)
}

// EpisodeHandler handles episode, session and wallet endpoints.
type EpisodeHandler struct {
	registry     *episode.Registry
	bridge       *bridge.Bridge
	catalog      *game.Catalog
	admission    *admission.Controller
	wallet       WalletInfo
	disconnector Disconnector
	clock        domain.Clock
}

// NewEpisodeHandler creates the handler. wallet is nil in local mode.
func NewEpisodeHandler(reg *episode.Registry, br *bridge.Bridge, catalog *game.Catalog, adm *admission.Controller, wallet WalletInfo) *EpisodeHandler {
	return &EpisodeHandler{
		registry:  reg,
		bridge:    br,
		catalog:   catalog,
		admission: adm,
		wallet:    wallet,
		clock:     domain.SystemClock{},
	}
}

// SetDisconnector makes Delete close the subscriptions of deleted episodes.
func (h *EpisodeHandler) SetDisconnector(d Disconnector) {
	h.disconnector = d
}

// RegisterRoutes registers the API routes.
func (h *EpisodeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/templates", h.ListTemplates)
		r.Get("/session/usage", h.SessionUsage)
		r.Get("/wallet", h.Wallet)
		r.Route("/episodes", func(r chi.Router) {
			r.Post("/", h.Create)
			r.Get("/", h.List)
			r.Get("/{id}", h.Get)
			r.Delete("/{id}", h.Delete)
			r.Post("/{id}/actions", h.SubmitAction)
		})
	})
}

type createRequest struct {
	EpisodeType string `json:"episode_type"`
}

type actionRequest struct {
	Action json.RawMessage `json:"action"`
}

// EpisodeView is the detail representation of one episode.
type EpisodeView struct {
	Episode          domain.EpisodeMetadata `json:"episode"`
	State            interface{}            `json:"state"`
	RemainingSeconds int64                  `json:"remaining_seconds"`
}

// Create registers an episode for the calling session.
func (h *EpisodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.EpisodeType = strings.TrimSpace(req.EpisodeType)
	if req.EpisodeType == "" {
		Error(w, http.StatusBadRequest, "invalid_request", "episode_type is required")
		return
	}

	session := identity.SessionIDFromContext(r.Context())
	created, err := h.bridge.CreateEpisode(r.Context(), req.EpisodeType, session)
	if err != nil {
		status, body := errorResponse(r, err)
		if created.Episode.ID != "" {
			slog.Warn("Episode created without initialization", "episode_id", created.Episode.ID, "error", err)
			body.Episode = &created.Episode
		}
		JSON(w, status, body)
		return
	}
	JSON(w, http.StatusCreated, created)
}

// List returns every live episode, oldest first.
func (h *EpisodeHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"episodes": h.registry.List(),
	})
}

// Get returns metadata and current state of one episode.
func (h *EpisodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, ok := h.registry.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "not_found", "episode not found")
		return
	}
	state, _ := h.registry.State(id)
	JSON(w, http.StatusOK, EpisodeView{
		Episode:          meta,
		State:            domain.StateValue(state),
		RemainingSeconds: int64(meta.RemainingAt(h.clock.Now()).Seconds()),
	})
}

// Delete removes an episode. Only the creating session may do so.
func (h *EpisodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, ok := h.registry.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "not_found", "episode not found")
		return
	}
	session := identity.SessionIDFromContext(r.Context())
	if meta.CreatorSession != session {
		Error(w, http.StatusForbidden, "forbidden", "only the creating session may delete an episode")
		return
	}
	if err := h.registry.Delete(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	if h.disconnector != nil {
		h.disconnector.CloseEpisode(id, "episode deleted")
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SubmitAction forwards a UI action to the bridge.
func (h *EpisodeHandler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Action) == 0 {
		Error(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	id := chi.URLParam(r, "id")
	session := identity.SessionIDFromContext(r.Context())
	res, err := h.bridge.SubmitAction(r.Context(), id, session, req.Action)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, res)
}

// SessionUsage reports the admission counters of the calling session.
func (h *EpisodeHandler) SessionUsage(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionIDFromContext(r.Context())
	usage, _ := h.admission.Usage(session)
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": session,
		"usage":      usage,
		"limits":     h.admission.Limits(),
	})
}

// Wallet reports the server wallet, or local mode.
func (h *EpisodeHandler) Wallet(w http.ResponseWriter, _ *http.Request) {
	if h.wallet == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"mode": "local"})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"mode":      "chain",
		"address":   h.wallet.Address(),
		"balance":   h.wallet.Balance(),
		"fee":       h.wallet.Fee(),
		"resources": h.wallet.Available(),
	})
}

// ListTemplates returns the episode types that can be created.
func (h *EpisodeHandler) ListTemplates(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"templates": h.catalog.List(),
	})
}

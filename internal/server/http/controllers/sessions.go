package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rzbill/intelbridge/internal/manage"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/internal/runtime"
	"github.com/rzbill/intelbridge/internal/token"
	"github.com/rzbill/intelbridge/pkg/log"
)

// SessionsController lists and revokes app sessions.
//
// Revocation goes through the management service so it is ordered with
// subscribe and unsubscribe requests arriving over the control socket.
type SessionsController struct {
	rt     *runtime.Runtime
	logger log.Logger
}

// NewSessionsController creates a new sessions controller.
func NewSessionsController(rt *runtime.Runtime, logger log.Logger) *SessionsController {
	if logger == nil {
		logger = log.Nop()
	}
	return &SessionsController{rt: rt, logger: logger.WithComponent("admin")}
}

// RegisterRoutes registers session routes with the given mux.
func (c *SessionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", c.handleList)
	mux.HandleFunc("/v1/sessions/", c.handleSession)
}

// handleList returns every active session, optionally narrowed by ?topic=.
func (c *SessionsController) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	topic := r.URL.Query().Get("topic")
	out := make([]sessionItem, 0)
	for _, s := range c.rt.Registry().ActiveSessions() {
		if topic != "" && string(s.Topic) != topic {
			continue
		}
		out = append(out, toSessionItem(s))
	}
	writeJSON(w, map[string]any{"sessions": out})
}

// handleSession serves GET and DELETE on /v1/sessions/<token>.
func (c *SessionsController) handleSession(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if !token.Valid(tok) {
		writeError(w, http.StatusBadRequest, "Invalid token")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s, err := c.rt.Registry().Lookup(tok)
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up session")
			return
		}
		writeJSON(w, toSessionItem(s))
	case http.MethodDelete:
		resp, err := c.rt.Manage().Do(r.Context(), manage.Unsubscribe{Token: tok})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "Management service unavailable")
			return
		}
		if resp.Status != manage.StatusSuccess {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		c.logger.Info("session revoked", log.Token(tok))
		writeNoContent(w)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func toSessionItem(s registry.Session) sessionItem {
	it := sessionItem{
		Token:     s.Token,
		Topic:     string(s.Topic),
		State:     s.State.String(),
		Snapshot:  s.SnapshotWindow.String(),
		CreatedAt: s.CreatedAt,
	}
	if !s.LastSeen.IsZero() {
		it.LastSeen = &s.LastSeen
	}
	if s.Filter != nil {
		it.Filter = s.Filter.String()
	}
	return it
}

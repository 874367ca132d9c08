package controllers

import (
	"net/http"

	"github.com/rzbill/intelbridge/internal/runtime"
	"github.com/rzbill/intelbridge/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	general  *GeneralController
	sessions *SessionsController
	journal  *JournalController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(rt),
		sessions: NewSessionsController(rt, logger),
		journal:  NewJournalController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.sessions.RegisterRoutes(mux)
	r.journal.RegisterRoutes(mux)
}

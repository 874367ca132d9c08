package controllers

import (
	"net/http"
	"time"

	"github.com/rzbill/intelbridge/internal/runtime"
)

// GeneralController handles node-wide endpoints like health and status.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Node status (/v1/status)
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/status", c.handleStatus)
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	cfg := c.rt.Config()
	writeJSON(w, statusResp{
		Uptime:    c.rt.Uptime().Round(time.Second).String(),
		Sessions:  c.rt.Registry().Len(),
		Snapshots: c.rt.Snapshots().Outstanding(),
		Journal:   c.rt.Journal() != nil,
		Manage:    cfg.ManageAddr(),
		Pub:       cfg.PubAddr(),
		Sub:       cfg.SubAddr(),
	})
}

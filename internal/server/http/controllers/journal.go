package controllers

import (
	"net/http"

	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/runtime"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 10000
)

// JournalController exposes read access to the local backfill journal.
type JournalController struct {
	rt *runtime.Runtime
}

// NewJournalController creates a new journal controller.
func NewJournalController(rt *runtime.Runtime) *JournalController {
	return &JournalController{rt: rt}
}

// RegisterRoutes registers journal routes with the given mux.
func (c *JournalController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/journal", c.handleList)
}

// handleList returns journaled messages of ?class= recorded at or after ?since=.
//
// since accepts RFC3339 or Unix milliseconds. limit defaults to 100.
func (c *JournalController) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	j := c.rt.Journal()
	if j == nil {
		writeError(w, http.StatusNotFound, "Journal disabled")
		return
	}
	q := r.URL.Query()
	class, err := message.ParseTopicClass(q.Get("class"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid class")
		return
	}
	since, err := parseSince(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since")
		return
	}
	limit := parseLimit(q.Get("limit"), defaultJournalLimit, maxJournalLimit)
	entries, err := j.Since(class, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read journal")
		return
	}
	items := make([]journalItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, journalItem{Seq: e.Seq, At: e.At, Payload: e.Payload})
	}
	writeJSON(w, map[string]any{"class": class, "entries": items})
}

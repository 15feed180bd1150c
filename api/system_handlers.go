package api

import (
	"database/sql"
	"net/http"

	"github.com/lreardon/agent-repository/infrastructure/config"
)

type systemHandlers struct {
	db       *sql.DB
	schedule config.FeeSchedule
}

func (h *systemHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *systemHandlers) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *systemHandlers) feeSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedule)
}

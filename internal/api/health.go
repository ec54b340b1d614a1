package api

import (
	"net/http"

	"github.com/frisksitron/lobby-sub000/internal/db"
)

// HealthHandler answers liveness probes. The database ping is the only
// check; everything else the server needs is in-process.
type HealthHandler struct {
	database *db.DB
}

func NewHealthHandler(database *db.DB) *HealthHandler {
	return &HealthHandler{database: database}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	overall := "ok"

	if err := h.database.Ping(); err != nil {
		checks["database"] = "error"
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// Package httpapi owns the gateway's HTTP surface: the shared mux plus the
// health endpoint. Feature modules add their routes on top.
package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/chinawrj/nowlink/internal/utils"
)

// NewMux builds the root mux with GET /healthz registered. Health means the
// history database answers a trivial query.
func NewMux(db *sql.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		var one int
		if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
			slog.Error("healthcheck query failed", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "database unavailable")
			return
		}
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Package devices is the monitoring feature module: JSON endpoints over the
// live telemetry table, the exchange statistics and the SQLite history.
package devices

import (
	"net/http"

	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/recorder"
	"github.com/chinawrj/nowlink/internal/store"
)

func RegisterFeature(mux *http.ServeMux, st *store.Store, mgr *espnow.Manager, repo recorder.Repository) {
	c := NewController(st, mgr, repo)
	c.RegisterRoutes(mux)
}

package httpapi

import (
	"net/http"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/internal/app"
	"github.com/yowger/fitness-race-tracking/internal/ws"
	"github.com/yowger/fitness-race-tracking/pkg/metrics"
)

// NewRouter wires up the HTTP surface: the websocket endpoint plus the
// operational routes. Race CRUD lives in the external race-management
// service, not here.
func NewRouter(cfg app.Config, logger *slog.Logger, gw *ws.Gateway) http.Handler {
	mw := NewMiddleware(cfg)
	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/metrics", metrics.Handler())

	// Real-time tracking endpoint
	mux.Handle("/ws", http.HandlerFunc(gw.ServeWS))

	return mw.Wrap(mux)
}

package metrics

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertthunder/ytsync/internal/server"
)

// Handler routes path to the default registry and adds a liveness probe.
func Handler(path string, logger *log.Logger) http.Handler {
	if path == "" {
		path = "/metrics"
	}

	router := server.NewBasicRouter()
	router.Use(server.Recoverer(logger), server.RequestLogger(logger))
	router.Handle(http.MethodGet, path, promhttp.Handler())
	router.Handler(server.HealthHandler{})
	return router
}

// Serve exposes the default registry on addr at path until ctx is done.
func Serve(ctx context.Context, addr, path string, logger *log.Logger) error {
	return server.ListenAndServe(ctx, addr, Handler(path, logger))
}

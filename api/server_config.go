package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the API server.
type HTTPServerConfig struct {
	ListenAddr string

	// MetricsAddr is where Prometheus metrics are served. Empty disables the metrics server.
	MetricsAddr string

	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain keeps the server up but not ready, so
	// load balancers notice before shutdown.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

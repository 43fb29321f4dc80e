package helpers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/config"
	"github.com/coral-mesh/wallprof/internal/metrics"
)

// ServeMetrics creates the collectors and, when enabled, serves them on
// cfg.Addr until the returned stop function is called.
func ServeMetrics(cfg config.MetricsConfig, logger zerolog.Logger) (*metrics.Metrics, func(), error) {
	m, err := metrics.New(nil)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled {
		return m, func() {}, nil
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down metrics server")
		}
		<-done
	}
	return m, stop, nil
}

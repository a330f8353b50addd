package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type HTTPServerOptions struct {
	Addr     string
	Registry prometheus.Gatherer
}

// StartHTTPServer serves /metrics and /healthz until ctx is cancelled.
func StartHTTPServer(ctx context.Context, opts HTTPServerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("observability server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("observability server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability server shutdown error", zap.Error(err))
			return err
		}
		logger.Info("observability server stopped")
		return nil
	}
}

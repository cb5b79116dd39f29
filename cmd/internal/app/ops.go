package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connex/cmd/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveOps runs the local observability listener: liveness, readiness and
// Prometheus metrics. It blocks until ctx is done.
func (a *App) serveOps(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready means the realtime session is established. A disconnected client
	// still serves local state, but reports not-ready so supervisors can tell.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.tr.State() != transport.StateConnected {
			http.Error(w, "not connected", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "archive db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.OpsAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.log.Info("ops.listen", "addr", a.cfg.OpsAddr, "base_url", runtimeBaseURL(a.cfg.OpsAddr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("ops.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

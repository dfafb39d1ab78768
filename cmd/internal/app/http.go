package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if a.redis != nil {
			if err := a.redis.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))

	a.connHTTP.Register(mux)

	mux.Handle("/ws", a.ws)
}

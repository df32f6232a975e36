package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/cron"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/memory"
)

type ScopeStatus struct {
	Scope   string `json:"scope"`
	Records int    `json:"records"`
	// MemoryBytes is zero while the scope still has the default memory.
	MemoryBytes int `json:"memoryBytes"`
}

type Status struct {
	Channels []string        `json:"channels"`
	Scopes   []ScopeStatus   `json:"scopes"`
	Jobs     []cron.JobState `json:"jobs"`
}

// CollectScopes reports every scope that has stored records.
func CollectScopes(store history.Store, memories *memory.Store) ([]ScopeStatus, error) {
	scopes, err := store.Scopes()
	if err != nil {
		return nil, err
	}
	out := make([]ScopeStatus, 0, len(scopes))
	for _, scope := range scopes {
		n, err := store.Count(scope)
		if err != nil {
			return nil, err
		}
		text, err := memories.Read(scope)
		if err != nil {
			return nil, err
		}
		size := len(text)
		if text == memory.DefaultText {
			size = 0
		}
		out = append(out, ScopeStatus{Scope: scope, Records: n, MemoryBytes: size})
	}
	return out, nil
}

func (g *Gateway) Status() (Status, error) {
	scopes, err := CollectScopes(g.store, g.memories)
	if err != nil {
		return Status{}, fmt.Errorf("collect scopes: %w", err)
	}
	return Status{
		Channels: g.channels.EnabledChannels(),
		Scopes:   scopes,
		Jobs:     g.cron.ListJobs(),
	}, nil
}

// Router serves /health, /metrics and /status.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := g.Status()
		if err != nil {
			g.logger.Error().Err(err).Msg("status")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	return r
}

func (g *Gateway) startStatusServer() error {
	addr := net.JoinHostPort(g.cfg.Status.Host, strconv.Itoa(g.cfg.Status.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.httpSrv = &http.Server{
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	g.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Package diag serves a read-only HTTP view of the running process:
// registered threads, heartbeat records, metrics, recent spans and the
// crash report index.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/oslayer/internal/crashdb"
	"github.com/agentsh/oslayer/internal/heartbeat"
	"github.com/agentsh/oslayer/internal/metrics"
	"github.com/agentsh/oslayer/internal/telemetry"
	"github.com/agentsh/oslayer/internal/thread"
)

// Options wires the sources the server reads. Nil sources yield empty
// responses.
type Options struct {
	Addr     string
	Threads  *thread.Manager
	Watchdog *heartbeat.Watchdog
	Metrics  *metrics.Collector
	Spans    *telemetry.Recorder
	Index    *crashdb.Store
	Logger   *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger

	httpServer *http.Server
	ln         net.Listener
}

func New(opts Options) *Server {
	s := &Server{opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.opts.Threads == nil {
		s.opts.Threads = thread.Default()
	}
	if s.opts.Metrics == nil {
		s.opts.Metrics = metrics.New()
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/threads", s.listThreads)
	r.Get("/heartbeats", s.listHeartbeats)
	r.Get("/spans", s.listSpans)
	r.Route("/reports", func(r chi.Router) {
		r.Get("/", s.listReports)
		r.Get("/{guid}", s.getReport)
	})
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler(metrics.HandlerOptions{
		ThreadCount: s.opts.Threads.Len,
		HeartbeatCount: func() int {
			if s.opts.Watchdog == nil {
				return 0
			}
			return len(s.opts.Watchdog.Snapshot())
		},
	}))

	return r
}

// Listen binds the configured address. Addr reports the bound address
// afterwards, which matters for ":0".
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("diag listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("diagnostics server listening", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("diag server: %w", err)
	}
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Threads.Snapshot())
}

func (s *Server) listHeartbeats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watchdog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "threads": []heartbeat.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       s.opts.Watchdog.Enabled(),
		"hang_duration": s.opts.Watchdog.HangDuration().String(),
		"reports":       s.opts.Watchdog.Reports(),
		"threads":       s.opts.Watchdog.Snapshot(),
	})
}

func (s *Server) listSpans(w http.ResponseWriter, r *http.Request) {
	if s.opts.Spans == nil {
		writeJSON(w, http.StatusOK, []telemetry.SpanSummary{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Spans.Recent())
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if s.opts.Index == nil {
		writeJSON(w, http.StatusOK, []crashdb.Record{})
		return
	}
	q := crashdb.Query{Kind: r.URL.Query().Get("kind")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}
	recs, err := s.opts.Index.List(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []crashdb.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Index == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no report index"})
		return
	}
	rec, err := s.opts.Index.Get(r.Context(), chi.URLParam(r, "guid"))
	if errors.Is(err, crashdb.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

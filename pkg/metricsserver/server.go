// Package metricsserver exposes the process's counters over plain HTTP: an
// http.Server behind a ServeMux with ReadHeaderTimeout set against
// Slowloris-style attacks. It does not use promhttp.Handler: the required
// exposition is a bespoke one-line-per-series format with no HELP/TYPE
// comments and literal "name{label=val} value" lines, which promhttp does
// not produce. Formatting is built directly on Registry.Snapshot instead.
package metricsserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
)

// Server is the /metrics and /healthz HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// New builds a Server bound to host:port. It does not start listening
// until Start is called.
func New(host string, port int, reg *metrics.Registry, logger *logging.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{logger: logger}

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(render(reg.Snapshot())))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	return s
}

// Start serves on the calling goroutine and blocks until the listener
// reports an error or the server is shut down. Callers typically run it
// in its own goroutine.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// render formats samples as one "name value\n" line per series, sorted by
// name (Snapshot already sorts), with label-shaped names carried through
// verbatim as "base{key=val} value" and no HELP/TYPE comments.
func render(samples []metrics.Sample) string {
	var b strings.Builder
	for _, s := range samples {
		b.WriteString(s.Name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(s.Value, 10))
		b.WriteByte('\n')
	}
	return b.String()
}

package app

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// adminMux serves the health check, the Prometheus metrics and the profiling
// data.
func adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	// Prometheus metrics.
	mux.Handle("/metrics", promhttp.Handler())

	// Profiling data.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// addHTTPServer adds an HTTP server listening on addr to the group.
func addHTTPServer(g *run.Group, logger logrus.FieldLogger, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

	g.Add(func() error {
		return http.Serve(ln, h)
	}, func(error) {
		ln.Close()
	})
	return nil
}

// addInterrupt adds the signal handler to the group.
func addInterrupt(g *run.Group, logger logrus.FieldLogger) {
	cancel := make(chan struct{})
	g.Add(func() error {
		err := interrupt(cancel)
		logger.Warn("Shutting down...")
		return err
	}, func(error) {
		close(cancel)
	})
}

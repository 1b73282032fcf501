package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smtpsessd/smtpsessd/internal/log"

	// Registers "/debug/requests" and "/debug/events" on the default
	// mux as a side effect of internal/trace importing golang.org/x/net/trace.
	_ "github.com/smtpsessd/smtpsessd/internal/trace"

	// To enable live profiling in the monitoring server.
	_ "net/http/pprof"
)

// launchMonitoringServer starts the optional HTTP server exposing
// Prometheus metrics (/metrics) and live request traces (/debug/requests),
// mirroring the teacher's monitoring.go in miniature.
func launchMonitoringServer(addr string) {
	log.Infof("Monitoring HTTP server listening on %s", addr)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(
			"<html><body><h1>smtpsessd</h1><ul>" +
				"<li><a href=\"/metrics\">metrics</a>" +
				"<li><a href=\"/debug/requests\">traces</a>" +
				"<li><a href=\"/debug/pprof\">pprof</a>" +
				"</ul></body></html>"))
	})

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Monitoring server failed: %v", err)
	}
}

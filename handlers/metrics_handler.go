package handlers

import (
	"net/http"

	"github.com/casf/verifier/internal/metrics"
)

// MetricsHandler serves the registry's counters in Prometheus text
// exposition format.
func MetricsHandler(reg *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(reg.Render()))
	}
}

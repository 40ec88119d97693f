package main

import (
	"encoding/json"
	"net/http"

	"chatwire/internal/metrics"
	"chatwire/internal/service"
	"chatwire/internal/tracing"

	"github.com/sirupsen/logrus"
)

// breakerView is the wire shape of the feed client's circuit breaker counters.
type breakerView struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  uint32 `json:"failures"`
	Requests  uint32 `json:"requests"`
	Successes uint32 `json:"successes"`
}

// metricsResponse is the registry snapshot plus the feed breaker when one is
// running.
type metricsResponse struct {
	metrics.Snapshot
	FeedBreaker *breakerView `json:"feed_breaker,omitempty"`
}

// handleMetrics serves the in-memory metrics registry.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := metricsResponse{Snapshot: metrics.GetAllMetrics()}
		if s.breaker != nil {
			if stats, running := s.breaker.BreakerStats(); running {
				response.FeedBreaker = &breakerView{
					Name:      stats.Name,
					State:     stats.State.String(),
					Failures:  stats.Failures,
					Requests:  stats.Requests,
					Successes: stats.Successes,
				}
			}
		}

		// Snapshots go stale immediately; callers must not cache them.
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			requestInfo := tracing.GetRequestInfo(r.Context())
			s.logger.WithError(err).WithFields(logrus.Fields{
				service.LogFieldRequestID: requestInfo.RequestID,
				service.LogFieldTraceID:   requestInfo.TraceID,
			}).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

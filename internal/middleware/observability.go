package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatwire/internal/httputil"
	"chatwire/internal/metrics"
	"chatwire/internal/privacy"
	"chatwire/internal/service"
	"chatwire/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ObservabilityMiddleware adds metrics collection and tracing to control API requests
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Add tracing information to request context (legacy + OpenTelemetry)
			ctx, span := tracing.WithOtelTracing(r.Context(), "http_request")
			defer span.End()

			// Generate and add request ID for legacy tracing
			requestID := tracing.GenerateRequestID()
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())

			// UI instances identify themselves so multi-session traffic can
			// be told apart in logs and traces.
			sessionID := r.Header.Get("X-Session-ID")
			if sessionID != "" {
				ctx = tracing.WithSessionID(ctx, sessionID)
				tracing.AddSpanAttributes(ctx, tracing.AttrSessionID(sessionID))
			}

			r = r.WithContext(ctx)

			// Conversation and session IDs live in the path, so metrics are
			// labeled with the route template rather than the raw URL.
			endpoint := routeTemplate(r)

			// Add HTTP-specific OpenTelemetry attributes
			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.scheme", r.URL.Scheme),
				attribute.String("http.host", r.Host),
				attribute.String("http.route", endpoint),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", httputil.GetClientIP(r)),
			)

			// Get tracing info for logging
			requestInfo := tracing.GetRequestInfo(ctx)

			// Create a response wrapper to capture status code and response size
			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				responseSize:   0,
			}

			// Log request start with tracing fields
			startFields := logrus.Fields{
				service.LogFieldRequestID: requestInfo.RequestID,
				service.LogFieldTraceID:   requestInfo.TraceID,
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       endpoint,
				service.LogFieldRemoteIP:  httputil.GetClientIP(r),
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
				"content_length":          r.ContentLength,
			}
			if requestInfo.SessionID != "" {
				startFields[service.LogFieldSessionID] = privacy.MaskSessionID(requestInfo.SessionID)
			}
			logger.WithFields(startFields).Info("HTTP request started")

			// Record request metrics
			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			}, "Total HTTP requests")

			// Track concurrent requests
			metrics.IncrementCounter("http_requests_active", nil, "Currently active HTTP requests")
			defer func() {
				metrics.AddToCounter("http_requests_active", -1, nil, "Currently active HTTP requests")
			}()

			// Process request
			next.ServeHTTP(wrapper, r)

			// Calculate request duration
			duration := tracing.Duration(ctx)

			// Add final OpenTelemetry attributes
			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)

			// Set OpenTelemetry span status based on HTTP status
			if wrapper.statusCode >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			// Record timing metrics
			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status_code": strconv.Itoa(wrapper.statusCode),
			}, "HTTP request duration")

			// Record status code metrics
			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status_code": strconv.Itoa(wrapper.statusCode),
			}, "HTTP responses by status code")

			// Record response size metrics
			if wrapper.responseSize > 0 {
				metrics.RecordTimer("http_response_size", time.Duration(wrapper.responseSize)*time.Nanosecond, map[string]string{
					"method":   r.Method,
					"endpoint": endpoint,
				}, "HTTP response size in bytes")
			}

			// Determine log level based on status code
			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			// Log request completion with metrics
			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestInfo.RequestID,
				service.LogFieldTraceID:    requestInfo.TraceID,
				service.LogFieldMethod:     r.Method,
				service.LogFieldURL:        endpoint,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   httputil.GetClientIP(r),
				service.LogFieldSize:       wrapper.responseSize,
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// routeTemplate returns the mux route template for the request, falling back
// to the raw path for requests that did not match a registered route.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Lets http.ResponseController and outer middlewares reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// HTTPMiddleware counts requests and their durations by method, route pattern and status code
// The route pattern is read from http.Request.Pattern, so handlers must be registered on the
// mux the middleware wraps (no http.StripPrefix in between).
func HTTPMiddleware(meterProvider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	meter := meterProvider.Meter(Namespace)

	requestCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_http_requests_total", Namespace),
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_http_request_duration_seconds", Namespace),
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			// Unmatched paths share one label value to keep cardinality bounded
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}

			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", pattern),
				attribute.String("status_code", strconv.Itoa(sw.status)),
			)
			requestCounter.Add(r.Context(), 1, attrs)
			durationHisto.Record(r.Context(), time.Since(start).Seconds(), attrs)
		})
	}, nil
}

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The exporter adds otel scope labels, so match labels partially
func assertMetricLine(t *testing.T, output, name, labels, value string) {
	t.Helper()
	pattern := name + `\{[^}]*` + labels + `[^}]*\} ` + value
	assert.Regexp(t, pattern, output)
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestProvider(t *testing.T) {
	provider, err := NewProvider()
	require.NoError(t, err)

	require.NotNil(t, provider.MeterProvider())
	require.NotNil(t, provider.Handler())
	require.NoError(t, provider.Shutdown(context.Background()))

	empty := &Provider{}
	require.NoError(t, empty.Shutdown(context.Background()))
}

func TestBusinessMetrics(t *testing.T) {
	provider, err := NewProvider()
	require.NoError(t, err)
	bm, err := NewBusinessMetrics(provider.MeterProvider())
	require.NoError(t, err)

	bm.RecordOperation(t.Context(), "validate", "already_used")
	bm.RecordOperation(t.Context(), "validate", "already_used")
	bm.RecordOperation(t.Context(), "issue", "success")
	bm.RecordDuration(t.Context(), "issue", 15*time.Millisecond, "success")

	out := scrape(t, provider)
	assertMetricLine(t, out, "carepass_operations_total", `operation="validate"[^}]*status="already_used"`, "2")
	assertMetricLine(t, out, "carepass_operations_total", `operation="issue"[^}]*status="success"`, "1")
	assertMetricLine(t, out, "carepass_operation_duration_seconds_count", `operation="issue"[^}]*status="success"`, "1")
}

func TestNoOpBusinessMetrics(t *testing.T) {
	bm := NewNoOpBusinessMetrics()

	require.NotPanics(t, func() {
		bm.RecordOperation(t.Context(), "revoke", "success")
		bm.RecordDuration(t.Context(), "revoke", time.Second, "success")
	})
}

func TestHTTPMiddleware(t *testing.T) {
	provider, err := NewProvider()
	require.NoError(t, err)
	mw, err := HTTPMiddleware(provider.MeterProvider())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	handler := mw(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tokens/validate", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	out := scrape(t, provider)
	assertMetricLine(t, out, "carepass_http_requests_total", `path="POST /api/tokens/validate"[^}]*status_code="410"`, "1")
	assertMetricLine(t, out, "carepass_http_requests_total", `path="unmatched"[^}]*status_code="404"`, "1")
}

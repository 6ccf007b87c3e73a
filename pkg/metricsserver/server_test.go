package metricsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dnsrelay/pkg/metrics"

	"github.com/stretchr/testify/assert"
)

func TestRender_SortedNoHelpOrType(t *testing.T) {
	reg := metrics.New()
	reg.Inc(metrics.QueriesTotal)
	reg.Inc(metrics.QueriesTotal)
	reg.Inc(metrics.RefreshDroppedDuplicate)
	reg.Set(metrics.CacheEntries, 42)

	out := render(reg.Snapshot())

	assert.Contains(t, out, "queries_total 2\n")
	assert.Contains(t, out, "cache_refresh_dropped_total{reason=duplicate} 1\n")
	assert.Contains(t, out, "cache_entries 42\n")
	assert.NotContains(t, out, "# HELP")
	assert.NotContains(t, out, "# TYPE")

	qIdx := indexOf(out, "queries_total")
	rIdx := indexOf(out, "cache_refresh_dropped_total")
	assert.True(t, qIdx < rIdx, "expected sorted output, queries_total before cache_refresh_dropped_total")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestNew_HealthzAndNotFound(t *testing.T) {
	reg := metrics.New()
	reg.Inc(metrics.QueriesTotal)
	srv := New("127.0.0.1", 0, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queries_total 1\n")

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

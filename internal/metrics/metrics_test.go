package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionsCreated.Inc()
	m.BytesForwarded.WithLabelValues("openai").Add(3072)
	m.UpstreamErrors.WithLabelValues("openai", "protocol").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"relay_sessions_created_total 1",
		`relay_upstream_bytes_forwarded_total{provider="openai"} 3072`,
		`relay_upstream_errors_total{kind="protocol",provider="openai"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Each registry accepts its own set of collectors
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

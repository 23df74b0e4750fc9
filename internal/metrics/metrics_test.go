package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range tests {
		if got := StatusBucket(code); got != want {
			t.Errorf("StatusBucket(%d): expected %s, got %s", code, want, got)
		}
	}
}

func TestCountersAreRegistered(t *testing.T) {
	AlertsTotal.WithLabelValues("CRITICAL", "FRAUD_SUSPECTED").Inc()
	if got := testutil.ToFloat64(AlertsTotal.WithLabelValues("CRITICAL", "FRAUD_SUSPECTED")); got < 1 {
		t.Errorf("expected counter >= 1, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sentinel_alerts_total") {
		t.Error("expected sentinel_alerts_total in exposition")
	}
}

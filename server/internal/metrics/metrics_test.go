package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func expectLines(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line+"\n") {
			t.Errorf("metrics output missing %q", line)
		}
	}
}

func TestSessionAccounting(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("job complete")

	expectLines(t, scrape(t, m),
		"fractal_dispatcher_sessions_active 1",
		"fractal_dispatcher_sessions_total 2",
		`fractal_dispatcher_sessions_closed_total{reason="job complete"} 1`,
	)
}

func TestFragmentCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FragmentCompleted(16, 0.01)
	m.FragmentCompleted(4, 0.02)
	m.IncProtocolErrors("malformed")

	expectLines(t, scrape(t, m),
		"fractal_dispatcher_pixels_completed_total 20",
		"fractal_dispatcher_fragments_completed_total 2",
		`fractal_dispatcher_fragment_round_trip_seconds_count{size="small"} 2`,
		`fractal_dispatcher_protocol_errors_total{kind="malformed"} 1`,
	)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.FragmentCompleted(1, 1)
	m.IncProtocolErrors("truncated")
	m.IncCacheLookups(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.PollTick("thread")
	m.PollTick("thread")
	m.PollSkipped("thread")
	m.MessageSent("failed")

	if got := testutil.ToFloat64(m.pollTicks.WithLabelValues("thread")); got != 2 {
		t.Errorf("ticks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.pollSkipped.WithLabelValues("thread")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues("failed")); got != 1 {
		t.Errorf("sends = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PollTick("x")
	m.PollFailed("x")
	m.SetUnread(3)
	m.CallTransition("IDLE", "RINGING")
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.SetUnread(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "hsync_unread_messages 7") {
		t.Errorf("metrics output missing unread gauge:\n%s", body)
	}
}

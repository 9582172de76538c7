package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleCounters(t *testing.T) {
	m := New()

	m.SessionStarted("shell")
	m.SessionStarted("")
	if got := testutil.ToFloat64(m.SessionsLive); got != 2 {
		t.Fatalf("sessions_live = %v, want 2", got)
	}

	m.SessionFinished("completed", 50*time.Millisecond)
	if got := testutil.ToFloat64(m.SessionsLive); got != 1 {
		t.Fatalf("sessions_live = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsFinished.WithLabelValues("completed")); got != 1 {
		t.Fatalf("sessions_finished{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsStarted.WithLabelValues("command")); got != 1 {
		t.Fatalf("sessions_started{command} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted("x")
	m.SessionFinished("failed", time.Second)
	m.OutputRead(10)
	m.RequestHandled("invoke", "ok", time.Millisecond)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Message("in")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.OutputRead(128)

	rec := httptest.NewRecorder()
	m.Middleware(m.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "agterm_output_bytes_total 128") {
		t.Fatalf("exposition missing output bytes:\n%s", body)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "200")); got != 1 {
		t.Fatalf("http_requests{GET,200} = %v, want 1", got)
	}
}

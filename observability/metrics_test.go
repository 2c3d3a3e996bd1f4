package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRendezvousMetricsCounters(t *testing.T) {
	m := Rendezvous()
	if m != Rendezvous() {
		t.Fatalf("expected singleton registry")
	}

	before := testutil.ToFloat64(m.registrations.WithLabelValues("OK"))
	m.RecordRegistration("OK")
	m.RecordRegistration("OK")
	if got := testutil.ToFloat64(m.registrations.WithLabelValues("OK")) - before; got != 2 {
		t.Fatalf("expected 2 registrations, got %v", got)
	}

	before = testutil.ToFloat64(m.punchHoles.WithLabelValues("unknown"))
	m.RecordPunchHole("")
	if got := testutil.ToFloat64(m.punchHoles.WithLabelValues("unknown")) - before; got != 1 {
		t.Fatalf("expected empty outcome to count as unknown, got %v", got)
	}

	m.SetPeerHealth(3, 2, 1)
	if got := testutil.ToFloat64(m.peerHealth.WithLabelValues("degraded")); got != 2 {
		t.Fatalf("expected 2 degraded peers, got %v", got)
	}

	m.SetBreakerOpen(true)
	if got := testutil.ToFloat64(m.breakerOpen); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}
	m.SetBreakerOpen(false)
	if got := testutil.ToFloat64(m.breakerOpen); got != 0 {
		t.Fatalf("expected breaker gauge 0, got %v", got)
	}

	before = testutil.ToFloat64(m.sweepEvictions)
	m.AddSweepEvictions(0)
	m.AddSweepEvictions(4)
	if got := testutil.ToFloat64(m.sweepEvictions) - before; got != 4 {
		t.Fatalf("expected 4 evictions, got %v", got)
	}
}

func TestNilRendezvousMetricsIsSafe(t *testing.T) {
	var m *RendezvousMetrics
	m.RecordRegistration("OK")
	m.RecordMessage("udp", "register_peer")
	m.SetCachedPeers(1)
	m.RecordStatusDropped()
}

func TestOpsRouter(t *testing.T) {
	Rendezvous().RecordUDPDropped()
	ready := true
	router := NewOpsRouter("signalhubd", map[string]ReadinessFunc{
		"store": func() error {
			if ready {
				return nil
			}
			return errString("circuit open")
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}

	ready = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "circuit open") {
		t.Fatalf("readyz body missing failure: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "signalhub_rendezvous_udp_dropped_total") {
		t.Fatalf("metrics output missing rendezvous collectors")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

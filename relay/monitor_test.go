package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

func fakeDialer(up map[string]bool, calls *atomic.Int32) DialFunc {
	var mu sync.Mutex
	return func(_ context.Context, _, address string) (net.Conn, error) {
		calls.Add(1)
		mu.Lock()
		ok := up[address]
		mu.Unlock()
		if !ok {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}
}

func TestSelectRotatesHealthyRelays(t *testing.T) {
	m := NewMonitor([]string{"a.example:21117", "b.example:21117"})
	got := []string{m.Select(), m.Select(), m.Select()}
	want := []string{"a.example:21117", "b.example:21117", "a.example:21117"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSelectEdgeCases(t *testing.T) {
	if got := NewMonitor(nil).Select(); got != "" {
		t.Fatalf("expected no relay hint, got %q", got)
	}
	single := NewMonitor([]string{"relay.example"})
	for i := 0; i < 3; i++ {
		if got := single.Select(); got != "relay.example:21117" {
			t.Fatalf("unexpected single relay %q", got)
		}
	}
}

func TestParseAndNormalizeHosts(t *testing.T) {
	hosts := ParseHosts(" a.example , b.example:9000,,a.example:21117, ::1")
	m := NewMonitor(hosts)
	want := []string{"a.example:21117", "b.example:9000", "[::1]:21117"}
	got := m.Configured()
	if len(got) != len(want) {
		t.Fatalf("unexpected hosts %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("host %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProbeReplacesHealthySet(t *testing.T) {
	up := map[string]bool{"a.example:21117": true, "c.example:21117": true}
	var calls atomic.Int32
	m := NewMonitor([]string{"a.example", "b.example", "c.example"}, WithDialer(fakeDialer(up, &calls)))

	m.Probe(context.Background())
	healthy := m.Healthy()
	if len(healthy) != 2 || healthy[0] != "a.example:21117" || healthy[1] != "c.example:21117" {
		t.Fatalf("unexpected healthy set %v", healthy)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected every relay probed, got %d", calls.Load())
	}
}

func TestProbeKeepsPreviousSetWhenAllFail(t *testing.T) {
	up := map[string]bool{"a.example:21117": true}
	var calls atomic.Int32
	m := NewMonitor([]string{"a.example", "b.example"}, WithDialer(fakeDialer(up, &calls)))
	m.Probe(context.Background())
	if got := m.Healthy(); len(got) != 1 {
		t.Fatalf("expected one healthy relay, got %v", got)
	}

	delete(up, "a.example:21117")
	m.Probe(context.Background())
	if got := m.Healthy(); len(got) != 1 || got[0] != "a.example:21117" {
		t.Fatalf("previous healthy set should survive a total outage, got %v", got)
	}
}

func TestProbeSkippedForSingleRelay(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor([]string{"a.example"}, WithDialer(fakeDialer(nil, &calls)))
	m.Probe(context.Background())
	if calls.Load() != 0 {
		t.Fatalf("single relay should not be probed")
	}
	if got := m.Select(); got != "a.example:21117" {
		t.Fatalf("unexpected relay %q", got)
	}
}

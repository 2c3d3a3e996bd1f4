package relay

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"signalhub/observability"
)

// DefaultPort is appended to relay hosts configured without a port.
const DefaultPort = 21117

const (
	defaultProbeTimeout = 3 * time.Second
	maxConcurrentProbes = 16
)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithProbeTimeout bounds each reachability probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(m *Monitor) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithDialer replaces the TCP dialer used by probes.
func WithDialer(dial DialFunc) Option {
	return func(m *Monitor) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// Monitor tracks which configured relay servers are reachable and hands them
// out round-robin.
type Monitor struct {
	configured []string

	mu      sync.RWMutex
	healthy []string

	counter atomic.Uint64
	probing atomic.Bool

	timeout time.Duration
	dial    DialFunc
	logger  *slog.Logger
	metrics *observability.RendezvousMetrics
}

// NewMonitor builds a monitor whose healthy set starts as the full list.
func NewMonitor(hosts []string, opts ...Option) *Monitor {
	m := &Monitor{
		configured: normalizeHosts(hosts),
		timeout:    defaultProbeTimeout,
		dial:       (&net.Dialer{}).DialContext,
		metrics:    observability.Rendezvous(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.healthy = slices.Clone(m.configured)
	m.metrics.SetRelayHealthy(len(m.healthy))
	return m
}

// ParseHosts splits a comma separated relay list.
func ParseHosts(csv string) []string {
	var hosts []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	seen := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(DefaultPort))
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

// Configured returns the configured relay list.
func (m *Monitor) Configured() []string {
	return slices.Clone(m.configured)
}

// Healthy returns the current healthy subset.
func (m *Monitor) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.healthy)
}

// Select returns the next relay host, or "" when none is healthy.
func (m *Monitor) Select() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch len(m.healthy) {
	case 0:
		return ""
	case 1:
		return m.healthy[0]
	default:
		n := m.counter.Add(1) - 1
		return m.healthy[n%uint64(len(m.healthy))]
	}
}

// Probe dials every configured relay concurrently. When at least one answers,
// the healthy set becomes exactly the answering hosts; when none answers the
// previous set is kept. With zero or one relay configured there is nothing to
// choose between and no probe is made. Overlapping calls return immediately.
func (m *Monitor) Probe(ctx context.Context) {
	if len(m.configured) <= 1 || !m.probing.CompareAndSwap(false, true) {
		return
	}
	defer m.probing.Store(false)

	passed := make([]bool, len(m.configured))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, host := range m.configured {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			conn, err := m.dial(probeCtx, "tcp", host)
			if err != nil {
				m.log().Debug("relay probe failed", slog.String("relay", host), slog.Any("error", err))
				return nil
			}
			_ = conn.Close()
			passed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	healthy := make([]string, 0, len(m.configured))
	for i, ok := range passed {
		if ok {
			healthy = append(healthy, m.configured[i])
		}
	}
	if len(healthy) == 0 {
		m.log().Warn("all relay probes failed, keeping previous healthy set",
			slog.Int("configured", len(m.configured)))
		return
	}

	m.mu.Lock()
	changed := !slices.Equal(m.healthy, healthy)
	m.healthy = healthy
	m.mu.Unlock()
	m.metrics.SetRelayHealthy(len(healthy))
	if changed {
		m.log().Info("relay healthy set changed",
			slog.Any("healthy", healthy),
			slog.Int("configured", len(m.configured)))
	}
}

func (m *Monitor) log() *slog.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return slog.Default().With(slog.String("component", "relay_monitor"))
}

package observability

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// RendezvousMetrics groups the collectors exported by the rendezvous server,
// its peer registry and its persistence layer.
type RendezvousMetrics struct {
	registrations    *prometheus.CounterVec
	renames          *prometheus.CounterVec
	punchHoles       *prometheus.CounterVec
	messages         *prometheus.CounterVec
	peerHealth       *prometheus.GaugeVec
	cachedPeers      prometheus.Gauge
	sweepEvictions   prometheus.Counter
	relayHealthy     prometheus.Gauge
	breakerOpen      prometheus.Gauge
	storeFailures    *prometheus.CounterVec
	statusDropped    prometheus.Counter
	udpDropped       prometheus.Counter
	resourceRestarts *prometheus.CounterVec

	registrationCounter metric.Int64Counter
	punchHoleCounter    metric.Int64Counter
}

var (
	rendezvousMetricsOnce sync.Once
	rendezvousRegistry    *RendezvousMetrics
)

// Rendezvous returns the lazily-initialised rendezvous metrics registry.
func Rendezvous() *RendezvousMetrics {
	rendezvousMetricsOnce.Do(func() {
		m := &RendezvousMetrics{
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Public key registrations segmented by result code.",
			}, []string{"result"}),
			renames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "registry",
				Name:      "renames_total",
				Help:      "Display id change requests segmented by result code.",
			}, []string{"result"}),
			punchHoles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "rendezvous",
				Name:      "punch_hole_requests_total",
				Help:      "Punch-hole negotiations segmented by outcome.",
			}, []string{"outcome"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "rendezvous",
				Name:      "messages_total",
				Help:      "Inbound protocol messages segmented by transport and kind.",
			}, []string{"transport", "kind"}),
			peerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "signalhub",
				Subsystem: "registry",
				Name:      "peers",
				Help:      "Cached peers classified by heartbeat health.",
			}, []string{"health"}),
			cachedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "signalhub",
				Subsystem: "registry",
				Name:      "cached_peers",
				Help:      "Peers currently held in the in-memory registry.",
			}),
			sweepEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "registry",
				Name:      "sweep_evictions_total",
				Help:      "Peers evicted from memory by the liveness sweep.",
			}),
			relayHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "signalhub",
				Subsystem: "relay",
				Name:      "healthy_servers",
				Help:      "Relay servers that passed the most recent reachability probe.",
			}),
			breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "signalhub",
				Subsystem: "storage",
				Name:      "circuit_open",
				Help:      "1 while the database circuit breaker is open.",
			}),
			storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "storage",
				Name:      "failures_total",
				Help:      "Failed database operations segmented by operation.",
			}, []string{"op"}),
			statusDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "storage",
				Name:      "status_writes_dropped_total",
				Help:      "Online/offline writes dropped because the status queue was full.",
			}),
			udpDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "rendezvous",
				Name:      "udp_dropped_total",
				Help:      "Datagrams dropped because every UDP worker was busy.",
			}),
			resourceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "signalhub",
				Subsystem: "rendezvous",
				Name:      "resource_restarts_total",
				Help:      "Sockets and listeners recreated after a fatal error.",
			}, []string{"resource"}),
		}
		prometheus.MustRegister(
			m.registrations,
			m.renames,
			m.punchHoles,
			m.messages,
			m.peerHealth,
			m.cachedPeers,
			m.sweepEvictions,
			m.relayHealthy,
			m.breakerOpen,
			m.storeFailures,
			m.statusDropped,
			m.udpDropped,
			m.resourceRestarts,
		)
		m.initMeter()
		rendezvousRegistry = m
	})
	return rendezvousRegistry
}

func (m *RendezvousMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("signalhub/rendezvous")
	registrations, err := meter.Int64Counter("signalhub.registry.registrations")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("signalhub/rendezvous")
		registrations, _ = fallback.Int64Counter("signalhub.registry.registrations")
		meter = fallback
	}
	punchHoles, err := meter.Int64Counter("signalhub.rendezvous.punch_holes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("signalhub/rendezvous")
		punchHoles, _ = fallback.Int64Counter("signalhub.rendezvous.punch_holes")
	}
	m.registrationCounter = registrations
	m.punchHoleCounter = punchHoles
}

// RecordRegistration counts a RegisterPk outcome.
func (m *RendezvousMetrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	result = labelOrUnknown(result)
	m.registrations.WithLabelValues(result).Inc()
	if m.registrationCounter != nil {
		m.registrationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordRename counts a change-id outcome.
func (m *RendezvousMetrics) RecordRename(result string) {
	if m == nil {
		return
	}
	m.renames.WithLabelValues(labelOrUnknown(result)).Inc()
}

// RecordPunchHole counts a punch-hole negotiation outcome such as "relay",
// "direct", "offline" or "not_exist".
func (m *RendezvousMetrics) RecordPunchHole(outcome string) {
	if m == nil {
		return
	}
	outcome = labelOrUnknown(outcome)
	m.punchHoles.WithLabelValues(outcome).Inc()
	if m.punchHoleCounter != nil {
		m.punchHoleCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordMessage counts a decoded inbound message.
func (m *RendezvousMetrics) RecordMessage(transport, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(labelOrUnknown(transport), labelOrUnknown(kind)).Inc()
}

// SetPeerHealth publishes the latest registry health classification.
func (m *RendezvousMetrics) SetPeerHealth(healthy, degraded, critical int) {
	if m == nil {
		return
	}
	m.peerHealth.WithLabelValues("healthy").Set(float64(healthy))
	m.peerHealth.WithLabelValues("degraded").Set(float64(degraded))
	m.peerHealth.WithLabelValues("critical").Set(float64(critical))
}

// SetCachedPeers publishes the in-memory registry size.
func (m *RendezvousMetrics) SetCachedPeers(n int) {
	if m == nil {
		return
	}
	m.cachedPeers.Set(float64(n))
}

// AddSweepEvictions counts peers removed by one sweep pass.
func (m *RendezvousMetrics) AddSweepEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepEvictions.Add(float64(n))
}

// SetRelayHealthy publishes the size of the healthy relay set.
func (m *RendezvousMetrics) SetRelayHealthy(n int) {
	if m == nil {
		return
	}
	m.relayHealthy.Set(float64(n))
}

// SetBreakerOpen mirrors the circuit breaker state.
func (m *RendezvousMetrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

// RecordStoreFailure counts a failed database operation.
func (m *RendezvousMetrics) RecordStoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(labelOrUnknown(op)).Inc()
}

// RecordStatusDropped counts a status write rejected by a full queue.
func (m *RendezvousMetrics) RecordStatusDropped() {
	if m == nil {
		return
	}
	m.statusDropped.Inc()
}

// RecordUDPDropped counts a datagram dropped by the worker pool.
func (m *RendezvousMetrics) RecordUDPDropped() {
	if m == nil {
		return
	}
	m.udpDropped.Inc()
}

// RecordResourceRestart counts a recreated socket or listener.
func (m *RendezvousMetrics) RecordResourceRestart(resource string) {
	if m == nil {
		return
	}
	m.resourceRestarts.WithLabelValues(labelOrUnknown(resource)).Inc()
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

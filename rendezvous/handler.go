package rendezvous

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"signalhub/crypto"
	"signalhub/observability"
	"signalhub/observability/logging"
	"signalhub/peer"
	"signalhub/protocol"
)

// Transport names the channel a message arrived on.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportNAT Transport = "nat"
	TransportWS  Transport = "ws"
)

// IsStream reports whether replies travel on a connection rather than as
// datagrams.
func (t Transport) IsStream() bool {
	return t != TransportUDP
}

const (
	defaultRequestTimeout = 5 * time.Second

	refuseNotExist = "ID does not exist"
	refuseOffline  = "Remote desktop is offline"
	refuseNoRelay  = "No relay server available"
)

// Sender delivers a message to a peer's UDP address through the outbound
// queue.
type Sender interface {
	SendTo(ctx context.Context, addr netip.AddrPort, msg protocol.Message) error
}

// RelaySelector hands out relay servers.
type RelaySelector interface {
	Select() string
}

// Signer signs routes handed to peers. *crypto.Signer satisfies it.
type Signer interface {
	Sign(msg []byte) []byte
}

// Sink writes a message back on an open stream.
type Sink func(protocol.Message) error

// Inbound is one decoded message together with where it came from.
type Inbound struct {
	Transport Transport
	Addr      netip.AddrPort
	Msg       protocol.Message
	// Sink is set for stream transports.
	Sink Sink
}

// HandlerConfig holds the server-wide values advertised to clients.
type HandlerConfig struct {
	Serial            int32
	RendezvousServers []string
	LicenceKey        string
	LANPrefix         netip.Prefix
	AlwaysUseRelay    bool
	SoftwareVersion   string
	SoftwareURL       string
	RequestTimeout    time.Duration
}

// Handler dispatches rendezvous messages. It keeps no per-request state; all
// peer mutations go through the registry.
type Handler struct {
	cfg      HandlerConfig
	registry *peer.Registry
	relays   RelaySelector
	signer   Signer
	out      Sender

	sinksMu sync.Mutex
	sinks   map[netip.AddrPort]Sink

	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *observability.RendezvousMetrics
}

// NewHandler builds a handler.
func NewHandler(cfg HandlerConfig, registry *peer.Registry, relays RelaySelector, signer Signer, out Sender, logger *slog.Logger) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Handler{
		cfg:      cfg,
		registry: registry,
		relays:   relays,
		signer:   signer,
		out:      out,
		sinks:    make(map[netip.AddrPort]Sink),
		tracer:   otel.Tracer("signalhub/rendezvous"),
		logger:   logger,
		metrics:  observability.Rendezvous(),
	}
}

// Handle processes one message and returns the replies for its sender.
// Messages for third peers are sent through the Sender.
func (h *Handler) Handle(ctx context.Context, in Inbound) []protocol.Message {
	if in.Msg == nil {
		return nil
	}
	kind := in.Msg.Kind()
	// The NAT test port only answers NAT tests.
	if in.Transport == TransportNAT && kind != protocol.KindTestNatRequest {
		return nil
	}
	h.metrics.RecordMessage(string(in.Transport), kind.String())

	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "rendezvous."+kind.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("transport", string(in.Transport)),
			attribute.String("peer.addr", in.Addr.String()),
		))
	defer span.End()

	switch m := in.Msg.(type) {
	case *protocol.RegisterPeer:
		return h.registerPeer(in, m)
	case *protocol.RegisterPk:
		return h.registerPk(ctx, in, m, span)
	case *protocol.PunchHoleRequest:
		return h.punchHole(ctx, in, m, span)
	case *protocol.PunchHoleSent:
		h.punchHoleSent(ctx, in, m)
		return nil
	case *protocol.RequestRelay:
		return h.requestRelay(ctx, in, m)
	case *protocol.TestNatRequest:
		return []protocol.Message{&protocol.TestNatResponse{
			Port:   int32(in.Addr.Port()),
			Config: h.configUpdateFor(m.Serial),
		}}
	case *protocol.OnlineRequest:
		return []protocol.Message{h.onlineStates(m)}
	case *protocol.HealthCheck:
		return []protocol.Message{&protocol.HealthCheck{Token: m.Token}}
	case *protocol.SoftwareUpdate:
		return h.softwareUpdate(m)
	default:
		h.log().Debug("ignoring message", slog.String("kind", kind.String()), slog.String("addr", in.Addr.String()))
		return nil
	}
}

// configUpdateFor returns the config push for a client at serial, or nil when
// the client is current.
func (h *Handler) configUpdateFor(serial int32) *protocol.ConfigUpdate {
	if serial >= h.cfg.Serial {
		return nil
	}
	return &protocol.ConfigUpdate{
		Serial:            h.cfg.Serial,
		RendezvousServers: append([]string(nil), h.cfg.RendezvousServers...),
	}
}

func (h *Handler) registerPeer(in Inbound, m *protocol.RegisterPeer) []protocol.Message {
	if m.ID == "" {
		return nil
	}
	requestPK := h.registry.UpdateAddr(m.ID, in.Addr)
	replies := []protocol.Message{&protocol.RegisterPeerResponse{RequestPk: requestPK}}
	if cu := h.configUpdateFor(m.Serial); cu != nil {
		replies = append(replies, cu)
	}
	return replies
}

func (h *Handler) registerPk(ctx context.Context, in Inbound, m *protocol.RegisterPk, span trace.Span) []protocol.Message {
	if len(m.UUID) == 0 || len(m.Pk) == 0 {
		return nil
	}
	ip := in.Addr.Addr().Unmap().String()
	var result protocol.RegisterPkResult
	switch {
	case m.IsRename():
		result = h.registry.ChangeID(ctx, peer.RenameRequest{
			OldID: m.OldID,
			NewID: m.ID,
			UUID:  m.UUID,
			PK:    m.Pk,
			Addr:  in.Addr,
			IP:    ip,
		})
	case in.Transport.IsStream():
		result = protocol.ResultNotSupport
	default:
		result = h.registry.Register(ctx, peer.RegisterRequest{
			ID:   m.ID,
			UUID: m.UUID,
			PK:   m.Pk,
			Addr: in.Addr,
			IP:   ip,
		})
	}
	span.SetAttributes(attribute.String("result", result.String()))
	if result != protocol.ResultOK {
		h.log().Info("key registration rejected",
			slog.String("peer_id", m.ID),
			slog.String("old_id", m.OldID),
			slog.String("result", result.String()),
			slog.String("transport", string(in.Transport)),
			logging.MaskBytes("uuid", m.UUID),
			slog.String("pk", crypto.Fingerprint(m.Pk)))
	}
	return []protocol.Message{&protocol.RegisterPkResponse{Result: result}}
}

func (h *Handler) isLAN(addr netip.AddrPort) bool {
	return h.cfg.LANPrefix.IsValid() && h.cfg.LANPrefix.Contains(addr.Addr().Unmap())
}

func (h *Handler) signRoute(id string, pk []byte, addr netip.AddrPort, relay string) []byte {
	route := protocol.Route{ID: id, Pk: pk, SocketAddr: protocol.EncodeAddr(addr), RelayServer: relay}
	return h.signer.Sign(route.Encode())
}

func (h *Handler) punchFailure(outcome string, failure protocol.PunchFailure, span trace.Span) []protocol.Message {
	h.metrics.RecordPunchHole(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	return []protocol.Message{&protocol.PunchHoleResponse{Failure: failure}}
}

func (h *Handler) punchHole(ctx context.Context, in Inbound, m *protocol.PunchHoleRequest, span trace.Span) []protocol.Message {
	if h.cfg.LicenceKey != "" && m.LicenceKey != h.cfg.LicenceKey {
		h.log().Info("licence key mismatch",
			slog.String("peer_id", m.ID),
			slog.String("addr", in.Addr.String()),
			logging.MaskField("licence_key", m.LicenceKey))
		return h.punchFailure("license_mismatch", protocol.FailureLicenseMismatch, span)
	}
	target, err := h.registry.Get(ctx, m.ID)
	if err != nil {
		h.log().Warn("peer lookup failed", slog.String("peer_id", m.ID), slog.Any("error", err))
	}
	if target == nil {
		return h.punchFailure("not_exist", protocol.FailureIDNotExist, span)
	}
	if !h.registry.Fresh(target) {
		return h.punchFailure("offline", protocol.FailureOffline, span)
	}
	snap := target.Snapshot()
	if !snap.Addr.IsValid() {
		return h.punchFailure("offline", protocol.FailureOffline, span)
	}

	local := !h.cfg.AlwaysUseRelay && h.isLAN(in.Addr) && h.isLAN(snap.Addr)
	relayServer := ""
	if !local {
		relayServer = h.relays.Select()
	}
	signed := h.signRoute(m.ID, snap.PK, snap.Addr, relayServer)

	if in.Sink != nil {
		h.putSink(in.Addr, in.Sink)
	}
	err = h.out.SendTo(ctx, snap.Addr, &protocol.PunchHole{
		SocketAddr:  protocol.EncodeAddr(in.Addr),
		RelayServer: relayServer,
		NatType:     m.NatType,
		ForceRelay:  h.cfg.AlwaysUseRelay,
		IsLocal:     local,
		Signed:      signed,
	})
	if err != nil {
		h.log().Warn("punch hole forward failed", slog.String("peer_id", m.ID), slog.Any("error", err))
	}

	outcome := "relay"
	if local {
		outcome = "direct"
	}
	h.metrics.RecordPunchHole(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	return []protocol.Message{&protocol.PunchHoleResponse{
		SocketAddr:  protocol.EncodeAddr(snap.Addr),
		Pk:          signed,
		RelayServer: relayServer,
		NatType:     m.NatType,
		IsLocal:     local,
	}}
}

// punchHoleSent forwards the target's acknowledgement to a requester waiting
// on a stream.
func (h *Handler) punchHoleSent(ctx context.Context, in Inbound, m *protocol.PunchHoleSent) {
	requester, err := protocol.DecodeAddr(m.SocketAddr)
	if err != nil {
		return
	}
	sink := h.takeSink(requester)
	if sink == nil {
		return
	}
	var pk []byte
	if target, err := h.registry.Get(ctx, m.ID); err == nil && target != nil {
		pk = target.PK()
	} else if p := h.registry.FindByAddr(in.Addr); p != nil {
		pk = p.PK()
	}
	resp := &protocol.PunchHoleResponse{
		SocketAddr:  protocol.EncodeAddr(in.Addr),
		Pk:          h.signRoute(m.ID, pk, in.Addr, m.RelayServer),
		RelayServer: m.RelayServer,
		NatType:     m.NatType,
	}
	if err := sink(resp); err != nil {
		h.log().Debug("punch hole response to stream failed", slog.String("addr", requester.String()), slog.Any("error", err))
	}
}

func (h *Handler) requestRelay(ctx context.Context, in Inbound, m *protocol.RequestRelay) []protocol.Message {
	refuse := func(reason string) []protocol.Message {
		return []protocol.Message{&protocol.RelayResponse{ID: m.ID, UUID: m.UUID, RefuseReason: reason}}
	}
	target, err := h.registry.Get(ctx, m.ID)
	if err != nil {
		h.log().Warn("peer lookup failed", slog.String("peer_id", m.ID), slog.Any("error", err))
	}
	if target == nil {
		return refuse(refuseNotExist)
	}
	if !h.registry.Fresh(target) {
		return refuse(refuseOffline)
	}
	snap := target.Snapshot()
	relayServer := m.RelayServer
	if relayServer == "" {
		relayServer = h.relays.Select()
	}
	if relayServer == "" {
		return refuse(refuseNoRelay)
	}
	err = h.out.SendTo(ctx, snap.Addr, &protocol.RequestRelay{
		ID:          m.ID,
		UUID:        m.UUID,
		SocketAddr:  protocol.EncodeAddr(in.Addr),
		RelayServer: relayServer,
		Secure:      m.Secure,
		ConnType:    m.ConnType,
	})
	if err != nil {
		h.log().Warn("relay request forward failed", slog.String("peer_id", m.ID), slog.Any("error", err))
	}
	return []protocol.Message{&protocol.RelayResponse{
		SocketAddr:  protocol.EncodeAddr(snap.Addr),
		UUID:        m.UUID,
		RelayServer: relayServer,
		ID:          m.ID,
		Pk:          h.signRoute(m.ID, snap.PK, snap.Addr, relayServer),
	}}
}

func (h *Handler) onlineStates(m *protocol.OnlineRequest) *protocol.OnlineResponse {
	states := make([]byte, (len(m.Peers)+7)/8)
	for i, id := range m.Peers {
		if h.registry.IsOnline(id) {
			states[i/8] |= 0x80 >> (i % 8)
		}
	}
	return &protocol.OnlineResponse{States: states}
}

func (h *Handler) softwareUpdate(m *protocol.SoftwareUpdate) []protocol.Message {
	if h.cfg.SoftwareVersion == "" || h.cfg.SoftwareURL == "" {
		return nil
	}
	if protocol.VersionNumber(m.URL) >= protocol.VersionNumber(h.cfg.SoftwareVersion) {
		return nil
	}
	return []protocol.Message{&protocol.SoftwareUpdate{URL: h.cfg.SoftwareURL}}
}

func (h *Handler) putSink(addr netip.AddrPort, sink Sink) {
	h.sinksMu.Lock()
	h.sinks[addr] = sink
	h.sinksMu.Unlock()
}

func (h *Handler) takeSink(addr netip.AddrPort) Sink {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	sink := h.sinks[addr]
	delete(h.sinks, addr)
	return sink
}

// dropSink forgets the stream waiting at addr.
func (h *Handler) dropSink(addr netip.AddrPort) {
	h.sinksMu.Lock()
	delete(h.sinks, addr)
	h.sinksMu.Unlock()
}

func (h *Handler) log() *slog.Logger {
	if h != nil && h.logger != nil {
		return h.logger
	}
	return slog.Default().With(slog.String("component", "rendezvous_handler"))
}

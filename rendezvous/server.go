package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"signalhub/observability"
	"signalhub/peer"
	"signalhub/protocol"
	"signalhub/relay"
)

// resource identifies one bound socket or listener.
type resource string

const (
	resourceUDP resource = "udp"
	resourceTCP resource = "tcp"
	resourceNAT resource = "nat"
	resourceWS  resource = "ws"
)

var allResources = []resource{resourceUDP, resourceTCP, resourceNAT, resourceWS}

const maxDatagram = 64 * 1024

// Config tunes the transport loop.
type Config struct {
	// Host is the listen host; empty binds every interface.
	Host string
	// Port is the main UDP and TCP port. The NAT test listener binds Port-1
	// and the WebSocket listener Port+2.
	Port               int
	UDPWorkers         int
	UDPQueue           int
	OutboundQueue      int
	StreamIdleTimeout  time.Duration
	RelayProbeInterval time.Duration
	SweepInterval      time.Duration
	StatsInterval      time.Duration
	BindAttempts       int
	BindBackoff        time.Duration
	RebindRetry        time.Duration
	// WSOrigins lists the Origin host patterns accepted on the WebSocket
	// port. Empty accepts any origin.
	WSOrigins []string
}

func (c Config) withDefaults() Config {
	if c.UDPWorkers <= 0 {
		c.UDPWorkers = 8
	}
	if c.UDPQueue <= 0 {
		c.UDPQueue = 4096
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 4096
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 20 * time.Second
	}
	if c.RelayProbeInterval <= 0 {
		c.RelayProbeInterval = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 60 * time.Second
	}
	if c.BindAttempts <= 0 {
		c.BindAttempts = 5
	}
	if c.BindBackoff <= 0 {
		c.BindBackoff = 100 * time.Millisecond
	}
	if len(c.WSOrigins) == 0 {
		c.WSOrigins = []string{"*"}
	}
	if c.RebindRetry <= 0 {
		c.RebindRetry = 5 * time.Second
	}
	return c
}

func (c Config) address(r resource) string {
	port := c.Port
	switch r {
	case resourceNAT:
		port--
	case resourceWS:
		port += 2
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

type udpPacket struct {
	addr netip.AddrPort
	data []byte
}

type outboundPacket struct {
	addr    netip.AddrPort
	payload []byte
}

type resourceFailure struct {
	res resource
	gen uint64
	err error
}

type acceptedConn struct {
	conn      net.Conn
	transport Transport
}

// binding is one live socket or listener. gen distinguishes it from the
// binding it replaced so late failures of a closed binding are ignored.
type binding struct {
	res  resource
	gen  uint64
	udp  *net.UDPConn
	ln   net.Listener
	http *http.Server
}

func (b *binding) close() {
	switch {
	case b.http != nil:
		_ = b.http.Close()
	case b.ln != nil:
		_ = b.ln.Close()
	case b.udp != nil:
		_ = b.udp.Close()
	}
}

func (b *binding) addr() net.Addr {
	switch {
	case b.ln != nil:
		return b.ln.Addr()
	case b.udp != nil:
		return b.udp.LocalAddr()
	}
	return nil
}

// Server owns the rendezvous sockets. A single loop goroutine multiplexes
// timers, the outbound UDP queue, inbound datagrams, accepted connections and
// resource failures; a failed resource is rebound without disturbing the
// others.
type Server struct {
	cfg      Config
	handler  *Handler
	registry *peer.Registry
	relays   *relay.Monitor

	packets  chan udpPacket
	work     chan udpPacket
	outbound chan outboundPacket
	accepted chan acceptedConn
	failures chan resourceFailure
	rebound  chan *binding

	streamsMu     sync.Mutex
	streams       map[frameConn]struct{}
	streamsClosed bool
	streamWG      sync.WaitGroup

	sweeping atomic.Bool
	ready    chan struct{}
	addrsMu  sync.RWMutex
	addrs    map[resource]net.Addr

	logger  *slog.Logger
	metrics *observability.RendezvousMetrics
}

// NewServer builds a server around handlerCfg. The handler is created here so
// that its outbound sends go through this server's queue.
func NewServer(cfg Config, handlerCfg HandlerConfig, registry *peer.Registry, relays *relay.Monitor, signer Signer, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		relays:   relays,
		packets:  make(chan udpPacket, 256),
		work:     make(chan udpPacket, cfg.UDPQueue),
		outbound: make(chan outboundPacket, cfg.OutboundQueue),
		accepted: make(chan acceptedConn, 64),
		failures: make(chan resourceFailure, len(allResources)),
		rebound:  make(chan *binding, len(allResources)),
		streams:  make(map[frameConn]struct{}),
		ready:    make(chan struct{}),
		addrs:    make(map[resource]net.Addr),
		logger:   logger,
		metrics:  observability.Rendezvous(),
	}
	s.handler = NewHandler(handlerCfg, registry, relays, signer, s, logger)
	return s
}

// Handler returns the message handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Ready is closed once every resource is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// SendTo queues msg for delivery to addr over UDP. It blocks while the queue
// is full.
func (s *Server) SendTo(ctx context.Context, addr netip.AddrPort, msg protocol.Message) error {
	if !addr.IsValid() {
		return fmt.Errorf("send %s: invalid address", msg.Kind())
	}
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- outboundPacket{addr: addr, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run binds every resource and serves until ctx is cancelled. Failing to bind
// any resource at startup is fatal.
func (s *Server) Run(ctx context.Context) error {
	var gen uint64
	bindings := make(map[resource]*binding, len(allResources))
	closeAll := func() {
		for _, b := range bindings {
			b.close()
		}
	}
	for _, res := range allResources {
		b, err := s.bindWithRetry(ctx, res)
		if err != nil {
			closeAll()
			return fmt.Errorf("bind %s on %s: %w", res, s.cfg.address(res), err)
		}
		gen++
		b.gen = gen
		bindings[res] = b
	}

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.UDPWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.udpWorker(ctx)
		}()
	}
	for _, b := range bindings {
		s.start(ctx, b)
	}
	close(s.ready)
	s.log().Info("rendezvous server listening",
		slog.Int("port", s.cfg.Port),
		slog.Int("nat_port", s.cfg.Port-1),
		slog.Int("ws_port", s.cfg.Port+2),
		slog.Int("udp_workers", s.cfg.UDPWorkers))

	relayTicker := time.NewTicker(s.cfg.RelayProbeInterval)
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	statsTicker := time.NewTicker(s.cfg.StatsInterval)
	defer func() {
		relayTicker.Stop()
		sweepTicker.Stop()
		statsTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			closeAll()
			s.closeStreams()
			workers.Wait()
			s.log().Info("rendezvous server stopped")
			return nil
		case <-relayTicker.C:
			go s.relays.Probe(ctx)
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-statsTicker.C:
			stats := s.registry.Stats()
			s.log().Info("peer health",
				slog.Int("total", stats.Total),
				slog.Int("healthy", stats.Healthy),
				slog.Int("degraded", stats.Degraded),
				slog.Int("critical", stats.Critical))
		case pkt := <-s.outbound:
			s.writeUDP(bindings[resourceUDP], pkt)
		case pkt := <-s.packets:
			select {
			case s.work <- pkt:
			default:
				s.metrics.RecordUDPDropped()
				s.log().Debug("udp worker pool saturated, dropping datagram", slog.String("addr", pkt.addr.String()))
			}
		case ac := <-s.accepted:
			go s.serveStream(ctx, newTCPFrameConn(ac.conn, s.cfg.StreamIdleTimeout), ac.transport)
		case f := <-s.failures:
			b, ok := bindings[f.res]
			if !ok || b.gen != f.gen {
				continue
			}
			s.log().Error("resource failed, rebinding",
				slog.String("resource", string(f.res)),
				slog.Any("error", f.err))
			b.close()
			delete(bindings, f.res)
			go s.rebind(ctx, f.res)
		case b := <-s.rebound:
			gen++
			b.gen = gen
			bindings[b.res] = b
			s.start(ctx, b)
			s.metrics.RecordResourceRestart(string(b.res))
			s.log().Info("resource rebound",
				slog.String("resource", string(b.res)),
				slog.String("addr", b.addr().String()))
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.sweeping.Store(false)
		s.registry.CheckOnlinePeers(ctx)
		s.registry.PeriodicCleanup()
	}()
}

func (s *Server) writeUDP(b *binding, pkt outboundPacket) {
	if b == nil {
		s.log().Debug("udp socket unavailable, dropping reply", slog.String("addr", pkt.addr.String()))
		return
	}
	if _, err := b.udp.WriteToUDPAddrPort(pkt.payload, pkt.addr); err != nil {
		s.log().Debug("udp write failed", slog.String("addr", pkt.addr.String()), slog.Any("error", err))
	}
}

func (s *Server) bind(ctx context.Context, res resource) (*binding, error) {
	var lc net.ListenConfig
	addr := s.cfg.address(res)
	switch res {
	case resourceUDP:
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, err
		}
		conn := pc.(*net.UDPConn)
		_ = conn.SetReadBuffer(4 << 20)
		_ = conn.SetWriteBuffer(4 << 20)
		return &binding{res: res, udp: conn}, nil
	case resourceWS:
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		srv := &http.Server{
			Handler:           s.wsHandler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return &binding{res: res, ln: ln, http: srv}, nil
	default:
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return &binding{res: res, ln: ln}, nil
	}
}

func (s *Server) bindWithRetry(ctx context.Context, res resource) (*binding, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.BindAttempts; attempt++ {
		if attempt > 0 {
			delay := s.cfg.BindBackoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		b, err := s.bind(ctx, res)
		if err == nil {
			s.addrsMu.Lock()
			s.addrs[res] = b.addr()
			s.addrsMu.Unlock()
			return b, nil
		}
		lastErr = err
		s.log().Warn("bind failed",
			slog.String("resource", string(res)),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return nil, lastErr
}

// rebind keeps trying until the resource is bound again or ctx ends.
func (s *Server) rebind(ctx context.Context, res resource) {
	for {
		b, err := s.bindWithRetry(ctx, res)
		if err == nil {
			select {
			case s.rebound <- b:
			case <-ctx.Done():
				b.close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log().Error("rebind exhausted attempts, retrying later",
			slog.String("resource", string(res)),
			slog.Duration("retry_in", s.cfg.RebindRetry),
			slog.Any("error", err))
		select {
		case <-time.After(s.cfg.RebindRetry):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) start(ctx context.Context, b *binding) {
	switch {
	case b.udp != nil:
		go s.readUDP(ctx, b)
	case b.http != nil:
		go s.serveWS(ctx, b)
	default:
		transport := TransportTCP
		if b.res == resourceNAT {
			transport = TransportNAT
		}
		go s.acceptLoop(ctx, b, transport)
	}
}

func (s *Server) fail(ctx context.Context, b *binding, err error) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.failures <- resourceFailure{res: b.res, gen: b.gen, err: err}:
	case <-ctx.Done():
	}
}

func (s *Server) readUDP(ctx context.Context, b *binding) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := b.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.fail(ctx, b, err)
			return
		}
		if n == 0 {
			continue
		}
		pkt := udpPacket{addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), data: append([]byte(nil), buf[:n]...)}
		select {
		case s.packets <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) udpWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.work:
			msg, err := protocol.Unmarshal(pkt.data)
			if err != nil {
				s.log().Debug("undecodable datagram", slog.String("addr", pkt.addr.String()), slog.Any("error", err))
				continue
			}
			for _, reply := range s.handler.Handle(ctx, Inbound{Transport: TransportUDP, Addr: pkt.addr, Msg: msg}) {
				if err := s.SendTo(ctx, pkt.addr, reply); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, b *binding, transport Transport) {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.fail(ctx, b, err)
			return
		}
		select {
		case s.accepted <- acceptedConn{conn: conn, transport: transport}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) serveWS(ctx context.Context, b *binding) {
	err := b.http.Serve(b.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.fail(ctx, b, err)
}

// Addr returns the bound address of the main UDP socket or the named
// listener ("udp", "tcp", "nat" or "ws").
func (s *Server) Addr(name string) net.Addr {
	s.addrsMu.RLock()
	defer s.addrsMu.RUnlock()
	return s.addrs[resource(name)]
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "rendezvous_server"))
}

package peer

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"signalhub/observability"
	"signalhub/protocol"
	"signalhub/storage"
)

// Store is the persistence surface the registry depends on. *storage.Store
// satisfies it.
type Store interface {
	GetPeer(ctx context.Context, id string) (*storage.PeerRow, error)
	InsertPeer(ctx context.Context, id string, peerUUID, pk []byte, info storage.PeerInfo) ([]byte, error)
	UpdatePeer(ctx context.Context, guid []byte, id string, peerUUID, pk []byte, info storage.PeerInfo) error
	SetOffline(ctx context.Context, id string) error
	BatchSetOffline(ctx context.Context, ids []string) error
	IsBanned(ctx context.Context, id string) (bool, error)
	IsIDAvailable(ctx context.Context, id string) (bool, error)
	ChangeID(ctx context.Context, oldID, newID string, pk []byte) error
}

// StatusMarker receives fire-and-forget online/offline flips.
// *storage.StatusQueue satisfies it.
type StatusMarker interface {
	MarkOnline(id string) bool
	MarkOffline(id string) bool
}

// Config tunes liveness and health classification.
type Config struct {
	// PeerTimeout is how long a registration stays fresh.
	PeerTimeout time.Duration
	// RegisterInterval is the expected client registration period; a peer
	// silent for longer accrues a missed heartbeat on each sweep.
	RegisterInterval time.Duration
	// CleanupInterval spaces abuse map cleanups.
	CleanupInterval time.Duration
	// DegradedThreshold is the first missed heartbeat count that is degraded.
	DegradedThreshold int
	// CriticalThreshold is the missed heartbeat count above which a peer is
	// critical.
	CriticalThreshold int
	Abuse             AbuseLimits
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		PeerTimeout:       15 * time.Second,
		RegisterInterval:  12 * time.Second,
		CleanupInterval:   5 * time.Minute,
		DegradedThreshold: 2,
		CriticalThreshold: 3,
		Abuse:             DefaultAbuseLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = def.PeerTimeout
	}
	if c.RegisterInterval <= 0 {
		c.RegisterInterval = def.RegisterInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	if c.CriticalThreshold < c.DegradedThreshold {
		c.CriticalThreshold = c.DegradedThreshold + 1
	}
	c.Abuse = c.Abuse.withDefaults()
	return c
}

// expiredAge backdates the timestamps of peers that are known but not yet
// heard from, so they never count as fresh.
const expiredAge = time.Hour

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAbuseTracker shares an existing tracker.
func WithAbuseTracker(tracker *AbuseTracker) Option {
	return func(r *Registry) {
		if tracker != nil {
			r.abuse = tracker
		}
	}
}

// Registry is the in-memory cache of active peers in front of the store. A
// peer missing from memory may still exist in the store; lookups fall through
// and load it.
type Registry struct {
	cfg    Config
	store  Store
	status StatusMarker
	abuse  *AbuseTracker

	mu    sync.RWMutex
	peers map[string]*Peer

	cleanupMu   sync.Mutex
	lastCleanup time.Time

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.RendezvousMetrics
}

// NewRegistry wires a registry to its store and status queue.
func NewRegistry(store Store, status StatusMarker, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg.withDefaults(),
		store:   store,
		status:  status,
		peers:   make(map[string]*Peer),
		now:     time.Now,
		metrics: observability.Rendezvous(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.abuse == nil {
		r.abuse = NewAbuseTracker(r.cfg.Abuse)
	}
	r.lastCleanup = r.now()
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Abuse exposes the tracker used by the registration policy.
func (r *Registry) Abuse() *AbuseTracker {
	return r.abuse
}

// Get returns the peer for id, loading it from the store on a memory miss. It
// returns nil without error when the store has no such peer or the stored row
// is banned; banned rows are never cached.
func (r *Registry) Get(ctx context.Context, id string) (*Peer, error) {
	if p := r.GetInMemory(id); p != nil {
		return p, nil
	}
	row, err := r.store.GetPeer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.IsBanned {
		return nil, nil
	}
	expired := r.now().Add(-expiredAge)
	loaded := &Peer{
		id:            row.PeerID,
		guid:          clone(row.GUID),
		uuid:          clone(row.UUID),
		pk:            clone(row.PK),
		ip:            storage.ParsePeerInfo(row.Info).IP,
		lastRegTime:   expired,
		lastHeartbeat: expired,
	}
	return r.insertIfAbsent(id, loaded), nil
}

// GetOr returns the peer for id, creating an empty placeholder when neither
// memory nor the store know it.
func (r *Registry) GetOr(ctx context.Context, id string) (*Peer, error) {
	p, err := r.Get(ctx, id)
	if err != nil || p != nil {
		return p, err
	}
	expired := r.now().Add(-expiredAge)
	return r.insertIfAbsent(id, &Peer{id: id, lastRegTime: expired, lastHeartbeat: expired}), nil
}

// GetInMemory returns the cached peer without touching the store.
func (r *Registry) GetInMemory(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// cached copies the map so callers can take peer locks without holding the
// map lock.
func (r *Registry) cached() map[string]*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Peer, len(r.peers))
	for id, p := range r.peers {
		out[id] = p
	}
	return out
}

func (r *Registry) insertIfAbsent(id string, p *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[id]; ok {
		return existing
	}
	r.peers[id] = p
	return p
}

// UpdatePK records a registration of pk for id. A banned id is rejected with
// UUID_MISMATCH; an error reading the ban flag is logged and ignored. The
// store row is inserted on first registration and updated by guid afterwards;
// the in-memory record only changes once the write succeeds.
func (r *Registry) UpdatePK(ctx context.Context, id string, addr netip.AddrPort, peerUUID, pk []byte, ip string) protocol.RegisterPkResult {
	if r.banned(ctx, id, ip) {
		return protocol.ResultUUIDMismatch
	}
	return r.updatePK(ctx, id, addr, peerUUID, pk, ip)
}

// banned reports a successfully read ban flag. Lookup errors fail open.
func (r *Registry) banned(ctx context.Context, id, ip string) bool {
	banned, err := r.store.IsBanned(ctx, id)
	switch {
	case err != nil:
		r.log().Warn("ban check failed, allowing peer",
			slog.String("peer_id", id),
			slog.Any("error", err))
		return false
	case banned:
		r.log().Warn("rejecting banned peer", slog.String("peer_id", id), slog.String("ip", ip))
		return true
	}
	return false
}

func (r *Registry) updatePK(ctx context.Context, id string, addr netip.AddrPort, peerUUID, pk []byte, ip string) protocol.RegisterPkResult {
	p, err := r.GetOr(ctx, id)
	if err != nil {
		r.log().Error("load peer failed", slog.String("peer_id", id), slog.Any("error", err))
		return protocol.ResultServerError
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info := storage.PeerInfo{IP: ip}
	if len(p.guid) == 0 {
		guid, err := r.store.InsertPeer(ctx, id, peerUUID, pk, info)
		if err != nil {
			r.log().Error("insert peer failed", slog.String("peer_id", id), slog.Any("error", err))
			return protocol.ResultServerError
		}
		p.guid = guid
	} else if err := r.store.UpdatePeer(ctx, p.guid, id, peerUUID, pk, info); err != nil {
		r.log().Error("update peer failed", slog.String("peer_id", id), slog.Any("error", err))
		return protocol.ResultServerError
	}

	p.id = id
	p.addr = addr
	p.uuid = clone(peerUUID)
	p.pk = clone(pk)
	p.ip = ip
	p.touchLocked(r.now())
	r.status.MarkOnline(id)
	return protocol.ResultOK
}

// UpdateAddr records a heartbeat registration from addr. It reports whether
// the client should be asked to register its public key: the peer is not
// cached, has no key, or its IP moved.
func (r *Registry) UpdateAddr(id string, addr netip.AddrPort) (requestPK bool) {
	p := r.GetInMemory(id)
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ipChanged := p.addr.IsValid() && p.addr.Addr() != addr.Addr()
	p.addr = addr
	p.touchLocked(r.now())
	return len(p.pk) == 0 || ipChanged
}

// UpdateHeartbeat refreshes liveness of a cached peer without changing its
// address. It reports false for unknown peers.
func (r *Registry) UpdateHeartbeat(id string) bool {
	p := r.GetInMemory(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	p.touchLocked(r.now())
	p.mu.Unlock()
	return true
}

// RecordMissedHeartbeat increments the missed counter of a cached peer.
func (r *Registry) RecordMissedHeartbeat(id string) {
	if p := r.GetInMemory(id); p != nil {
		p.mu.Lock()
		p.missedHeartbeats++
		p.mu.Unlock()
	}
}

// FindByAddr returns the cached peer last seen at addr.
func (r *Registry) FindByAddr(addr netip.AddrPort) *Peer {
	for _, p := range r.cached() {
		if p.Addr() == addr {
			return p
		}
	}
	return nil
}

// Fresh reports whether p registered within the peer timeout.
func (r *Registry) Fresh(p *Peer) bool {
	return p != nil && p.RegisteredWithin(r.now(), r.cfg.PeerTimeout)
}

// IsOnline reports whether id is cached with a fresh registration.
func (r *Registry) IsOnline(id string) bool {
	return r.Fresh(r.GetInMemory(id))
}

// Len returns the number of cached peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) log() *slog.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return slog.Default().With(slog.String("component", "peer_registry"))
}

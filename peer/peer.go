package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Peer is the in-memory record of one registered device. Only the registry
// mutates it, always under mu.
type Peer struct {
	mu sync.RWMutex

	id   string
	guid []byte
	uuid []byte
	pk   []byte
	addr netip.AddrPort
	ip   string

	lastRegTime      time.Time
	lastHeartbeat    time.Time
	missedHeartbeats int
	totalHeartbeats  uint64

	regPK regWindow

	// touches counts registrations and heartbeats. It is readable without mu
	// so the sweep can detect a refresh while it holds the map lock.
	touches atomic.Uint64
}

type regWindow struct {
	count int
	at    time.Time
}

// Snapshot is a point-in-time copy of a Peer.
type Snapshot struct {
	ID               string
	GUID             []byte
	UUID             []byte
	PK               []byte
	Addr             netip.AddrPort
	IP               string
	LastRegTime      time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int
	TotalHeartbeats  uint64
}

// Snapshot copies the peer state.
func (p *Peer) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		ID:               p.id,
		GUID:             clone(p.guid),
		UUID:             clone(p.uuid),
		PK:               clone(p.pk),
		Addr:             p.addr,
		IP:               p.ip,
		LastRegTime:      p.lastRegTime,
		LastHeartbeat:    p.lastHeartbeat,
		MissedHeartbeats: p.missedHeartbeats,
		TotalHeartbeats:  p.totalHeartbeats,
	}
}

// ID returns the current display id.
func (p *Peer) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Addr returns the last observed socket address.
func (p *Peer) Addr() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// PK returns a copy of the registered public key.
func (p *Peer) PK() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clone(p.pk)
}

// RegisteredWithin reports whether the last registration is younger than d.
func (p *Peer) RegisteredWithin(now time.Time, d time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.lastRegTime.IsZero() && now.Sub(p.lastRegTime) < d
}

func (p *Peer) touchLocked(now time.Time) {
	p.lastRegTime = now
	p.lastHeartbeat = now
	p.missedHeartbeats = 0
	p.totalHeartbeats++
	p.touches.Add(1)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

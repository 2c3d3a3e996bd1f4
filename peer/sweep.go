package peer

import (
	"context"
	"log/slog"
)

// CheckOnlinePeers runs one liveness sweep. Peers whose last registration is
// older than the peer timeout are marked offline in the store and evicted from
// memory; a peer that re-registers while the sweep runs is kept and flagged
// online again. Surviving peers silent for longer than the registration
// interval accrue a missed heartbeat. It returns the evicted ids.
func (r *Registry) CheckOnlinePeers(ctx context.Context) []string {
	type candidate struct {
		id      string
		peer    *Peer
		touches uint64
	}
	now := r.now()
	var (
		stale   []candidate
		lagging []string
	)
	for id, p := range r.cached() {
		p.mu.RLock()
		touches := p.touches.Load()
		switch {
		case now.Sub(p.lastRegTime) >= r.cfg.PeerTimeout:
			stale = append(stale, candidate{id: id, peer: p, touches: touches})
		case now.Sub(p.lastHeartbeat) > r.cfg.RegisterInterval:
			lagging = append(lagging, id)
		}
		p.mu.RUnlock()
	}

	for _, id := range lagging {
		r.RecordMissedHeartbeat(id)
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]string, len(stale))
	for i, c := range stale {
		ids[i] = c.id
	}
	if err := r.store.BatchSetOffline(ctx, ids); err != nil {
		r.log().Warn("batch offline failed, queueing single updates",
			slog.Int("peers", len(ids)),
			slog.Any("error", err))
		for _, id := range ids {
			r.status.MarkOffline(id)
		}
	}

	evicted := make([]string, 0, len(stale))
	var revived []string
	r.mu.Lock()
	for _, c := range stale {
		if r.peers[c.id] != c.peer {
			continue
		}
		if c.peer.touches.Load() != c.touches {
			revived = append(revived, c.id)
			continue
		}
		delete(r.peers, c.id)
		evicted = append(evicted, c.id)
	}
	remaining := len(r.peers)
	r.mu.Unlock()

	for _, id := range revived {
		r.status.MarkOnline(id)
	}
	r.metrics.AddSweepEvictions(len(evicted))
	r.metrics.SetCachedPeers(remaining)
	if len(evicted) > 0 {
		r.log().Info("evicted stale peers",
			slog.Int("evicted", len(evicted)),
			slog.Int("remaining", remaining))
	}
	return evicted
}

// PeriodicCleanup prunes the abuse maps when the cleanup interval has passed
// since the previous run. It reports whether a cleanup ran.
func (r *Registry) PeriodicCleanup() bool {
	now := r.now()
	r.cleanupMu.Lock()
	if now.Sub(r.lastCleanup) < r.cfg.CleanupInterval {
		r.cleanupMu.Unlock()
		return false
	}
	r.lastCleanup = now
	r.cleanupMu.Unlock()

	r.abuse.Cleanup(now)
	sizes := r.abuse.Sizes()
	r.log().Debug("abuse maps cleaned",
		slog.Int("short_term", sizes.ShortTerm),
		slog.Int("long_term", sizes.LongTerm),
		slog.Int("cooldowns", sizes.Cooldowns),
		slog.Int("ip_changes", sizes.IPChanges))
	return true
}

package peer

// Stats classifies cached peers by missed heartbeats.
type Stats struct {
	Total    int
	Healthy  int
	Degraded int
	Critical int
}

// Stats computes the current health classification and publishes it.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, p := range r.cached() {
		p.mu.RLock()
		missed := p.missedHeartbeats
		p.mu.RUnlock()
		s.Total++
		switch {
		case missed > r.cfg.CriticalThreshold:
			s.Critical++
		case missed >= r.cfg.DegradedThreshold:
			s.Degraded++
		default:
			s.Healthy++
		}
	}
	r.metrics.SetPeerHealth(s.Healthy, s.Degraded, s.Critical)
	r.metrics.SetCachedPeers(s.Total)
	return s
}

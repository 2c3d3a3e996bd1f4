package peer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AbuseLimits bounds how aggressively a single source may register and rename.
type AbuseLimits struct {
	// ShortWindow and ShortLimit cap registrations per IP.
	ShortWindow time.Duration
	ShortLimit  int
	// LongWindow and LongLimit cap distinct ids registered from one IP.
	LongWindow time.Duration
	LongLimit  int
	// RenameCooldown is the minimum spacing between renames touching an id.
	RenameCooldown time.Duration
	// IPChangeWindow groups consecutive IP changes of one id.
	IPChangeWindow time.Duration
}

// DefaultAbuseLimits returns the production limits.
func DefaultAbuseLimits() AbuseLimits {
	return AbuseLimits{
		ShortWindow:    60 * time.Second,
		ShortLimit:     30,
		LongWindow:     24 * time.Hour,
		LongLimit:      300,
		RenameCooldown: 5 * time.Minute,
		IPChangeWindow: 180 * time.Second,
	}
}

func (l AbuseLimits) withDefaults() AbuseLimits {
	def := DefaultAbuseLimits()
	if l.ShortWindow <= 0 {
		l.ShortWindow = def.ShortWindow
	}
	if l.ShortLimit <= 0 {
		l.ShortLimit = def.ShortLimit
	}
	if l.LongWindow <= 0 {
		l.LongWindow = def.LongWindow
	}
	if l.LongLimit <= 0 {
		l.LongLimit = def.LongLimit
	}
	if l.RenameCooldown <= 0 {
		l.RenameCooldown = def.RenameCooldown
	}
	if l.IPChangeWindow <= 0 {
		l.IPChangeWindow = def.IPChangeWindow
	}
	return l
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipIDSet struct {
	ids   map[string]struct{}
	since time.Time
}

type ipChange struct {
	count int
	first time.Time
	last  time.Time
}

// AbuseTracker holds the per-IP and per-id counters consulted by the
// registration and rename policy. All methods take the current time so callers
// control the clock.
type AbuseTracker struct {
	limits AbuseLimits

	mu        sync.Mutex
	short     map[string]*ipLimiter
	long      map[string]*ipIDSet
	cooldowns map[string]time.Time
	ipChanges map[string]*ipChange
}

// NewAbuseTracker constructs an empty tracker.
func NewAbuseTracker(limits AbuseLimits) *AbuseTracker {
	return &AbuseTracker{
		limits:    limits.withDefaults(),
		short:     make(map[string]*ipLimiter),
		long:      make(map[string]*ipIDSet),
		cooldowns: make(map[string]time.Time),
		ipChanges: make(map[string]*ipChange),
	}
}

// Limits returns the effective limits.
func (t *AbuseTracker) Limits() AbuseLimits {
	return t.limits
}

// AllowRegistration records a registration of id from ip and reports whether
// it stays within both the short-term rate and the long-term distinct id cap.
func (t *AbuseTracker) AllowRegistration(ip, id string, now time.Time) bool {
	if ip == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.short[ip]
	if !ok {
		every := t.limits.ShortWindow / time.Duration(t.limits.ShortLimit)
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), t.limits.ShortLimit)}
		t.short[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false
	}

	set, ok := t.long[ip]
	if !ok || now.Sub(set.since) > t.limits.LongWindow {
		set = &ipIDSet{ids: make(map[string]struct{}), since: now}
		t.long[ip] = set
	}
	if _, seen := set.ids[id]; !seen {
		if len(set.ids) >= t.limits.LongLimit {
			return false
		}
		set.ids[id] = struct{}{}
	}
	return true
}

// RenameBlocked reports whether id was involved in a rename within the
// cooldown.
func (t *AbuseTracker) RenameBlocked(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.cooldowns[id]
	return ok && now.Sub(at) < t.limits.RenameCooldown
}

// MarkRenamed starts the rename cooldown for every id given.
func (t *AbuseTracker) MarkRenamed(now time.Time, ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.cooldowns[id] = now
	}
}

// RecordIPChange counts an IP change of id and returns how many changes were
// seen inside the current window.
func (t *AbuseTracker) RecordIPChange(id string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.ipChanges[id]
	if !ok || now.Sub(entry.first) > t.limits.IPChangeWindow {
		entry = &ipChange{first: now}
		t.ipChanges[id] = entry
	}
	entry.count++
	entry.last = now
	return entry.count
}

// Cleanup drops expired entries from every map.
func (t *AbuseTracker) Cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, entry := range t.short {
		if now.Sub(entry.lastSeen) > t.limits.ShortWindow {
			delete(t.short, ip)
		}
	}
	for ip, set := range t.long {
		if now.Sub(set.since) > t.limits.LongWindow {
			delete(t.long, ip)
		}
	}
	for id, entry := range t.ipChanges {
		if now.Sub(entry.last) > 2*t.limits.IPChangeWindow {
			delete(t.ipChanges, id)
		}
	}
	for id, at := range t.cooldowns {
		if now.Sub(at) >= t.limits.RenameCooldown {
			delete(t.cooldowns, id)
		}
	}
}

// AbuseSizes reports the number of tracked entries per map.
type AbuseSizes struct {
	ShortTerm int
	LongTerm  int
	Cooldowns int
	IPChanges int
}

// Sizes returns the current map sizes.
func (t *AbuseTracker) Sizes() AbuseSizes {
	t.mu.Lock()
	defer t.mu.Unlock()
	return AbuseSizes{
		ShortTerm: len(t.short),
		LongTerm:  len(t.long),
		Cooldowns: len(t.cooldowns),
		IPChanges: len(t.ipChanges),
	}
}

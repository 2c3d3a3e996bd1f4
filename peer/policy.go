package peer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"signalhub/crypto"
	"signalhub/protocol"
	"signalhub/storage"
)

const (
	minIDLength = 6
	maxIDLength = 16

	// regPKWindow and regPKLimit bound key registrations of one peer.
	regPKWindow = 6 * time.Second
	regPKLimit  = 2
)

// NormalizeID uppercases id and reports whether it is 6 to 16 characters of
// letters, digits, '_' or '-'.
func NormalizeID(id string) (string, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) < minIDLength || len(id) > maxIDLength {
		return id, false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return id, false
		}
	}
	return id, true
}

// RegisterRequest is a public key registration received from a client.
type RegisterRequest struct {
	ID   string
	UUID []byte
	PK   []byte
	Addr netip.AddrPort
	IP   string
}

// Register applies the registration policy and then UpdatePK. Short ids are
// rejected, abusive sources are throttled, an identity presenting a different
// uuid than the one on record is refused, and a simultaneous key and IP change
// is treated as a takeover attempt.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (result protocol.RegisterPkResult) {
	defer func() { r.metrics.RecordRegistration(result.String()) }()

	if len(req.ID) < minIDLength {
		return protocol.ResultUUIDMismatch
	}
	// A ban wins over every limiter and leaves no trace in them.
	if r.banned(ctx, req.ID, req.IP) {
		return protocol.ResultUUIDMismatch
	}
	now := r.now()
	if !r.abuse.AllowRegistration(req.IP, req.ID, now) {
		r.log().Warn("registration rate exceeded", slog.String("ip", req.IP), slog.String("peer_id", req.ID))
		return protocol.ResultTooFrequent
	}

	p, err := r.GetOr(ctx, req.ID)
	if err != nil {
		r.log().Error("load peer failed", slog.String("peer_id", req.ID), slog.Any("error", err))
		return protocol.ResultServerError
	}

	p.mu.Lock()
	if len(p.uuid) > 0 && !bytes.Equal(p.uuid, req.UUID) {
		p.mu.Unlock()
		r.log().Warn("uuid mismatch on registration", slog.String("peer_id", req.ID), slog.String("ip", req.IP))
		return protocol.ResultUUIDMismatch
	}
	ipChanged := p.ip != "" && p.ip != req.IP
	pkChanged := len(p.pk) > 0 && !bytes.Equal(p.pk, req.PK)
	if ipChanged && pkChanged {
		p.mu.Unlock()
		r.log().Warn("key and ip changed together",
			slog.String("peer_id", req.ID),
			slog.String("old_ip", p.ip),
			slog.String("ip", req.IP),
			slog.String("pk", crypto.Fingerprint(req.PK)))
		return protocol.ResultUUIDMismatch
	}
	if now.Sub(p.regPK.at) > regPKWindow {
		p.regPK.count = 0
	} else if p.regPK.count > regPKLimit {
		p.mu.Unlock()
		return protocol.ResultTooFrequent
	}
	p.regPK.count++
	p.regPK.at = now
	oldIP := p.ip
	p.mu.Unlock()

	if ipChanged {
		changes := r.abuse.RecordIPChange(req.ID, now)
		r.log().Info("peer ip changed",
			slog.String("peer_id", req.ID),
			slog.String("old_ip", oldIP),
			slog.String("ip", req.IP),
			slog.Int("changes_in_window", changes))
	}
	return r.updatePK(ctx, req.ID, req.Addr, req.UUID, req.PK, req.IP)
}

// RenameRequest asks to move an identity from OldID to NewID.
type RenameRequest struct {
	OldID string
	NewID string
	UUID  []byte
	PK    []byte
	Addr  netip.AddrPort
	IP    string
}

// ChangeID renames an identity. The new id is normalised and validated, both
// ids enter a cooldown once the rename succeeds, and the guid is preserved.
// The presented key is persisted with the rename before memory takes it.
func (r *Registry) ChangeID(ctx context.Context, req RenameRequest) (result protocol.RegisterPkResult) {
	defer func() { r.metrics.RecordRename(result.String()) }()

	newID, ok := NormalizeID(req.NewID)
	if !ok {
		return protocol.ResultInvalidIDFormat
	}
	oldID := req.OldID
	now := r.now()
	if r.abuse.RenameBlocked(oldID, now) {
		return protocol.ResultTooFrequent
	}

	if r.banned(ctx, oldID, req.IP) {
		return protocol.ResultUUIDMismatch
	}

	p, err := r.Get(ctx, oldID)
	if err != nil {
		r.log().Error("load peer failed", slog.String("peer_id", oldID), slog.Any("error", err))
		return protocol.ResultServerError
	}
	if p == nil {
		return protocol.ResultNotExist
	}
	p.mu.RLock()
	sameUUID := bytes.Equal(p.uuid, req.UUID)
	p.mu.RUnlock()
	if !sameUUID {
		r.log().Warn("uuid mismatch on rename", slog.String("peer_id", oldID), slog.String("new_id", newID))
		return protocol.ResultUUIDMismatch
	}

	if newID == oldID {
		return protocol.ResultIDExists
	}
	available, err := r.store.IsIDAvailable(ctx, newID)
	if err != nil {
		r.log().Error("id availability check failed", slog.String("new_id", newID), slog.Any("error", err))
		return protocol.ResultServerError
	}
	if !available || r.GetInMemory(newID) != nil {
		return protocol.ResultIDExists
	}

	if err := r.store.ChangeID(ctx, oldID, newID, req.PK); err != nil {
		switch {
		case errors.Is(err, storage.ErrIDTaken):
			return protocol.ResultIDExists
		case errors.Is(err, storage.ErrNotFound):
			return protocol.ResultNotExist
		}
		r.log().Error("rename failed", slog.String("peer_id", oldID), slog.String("new_id", newID), slog.Any("error", err))
		return protocol.ResultServerError
	}

	r.mu.Lock()
	if r.peers[oldID] == p {
		delete(r.peers, oldID)
	}
	r.peers[newID] = p
	r.mu.Unlock()

	p.mu.Lock()
	p.id = newID
	p.addr = req.Addr
	p.ip = req.IP
	if len(req.PK) > 0 {
		p.pk = append([]byte(nil), req.PK...)
	}
	p.touchLocked(now)
	p.mu.Unlock()

	r.abuse.MarkRenamed(now, oldID, newID)
	r.status.MarkOnline(newID)
	r.log().Info("peer renamed", slog.String("old_id", oldID), slog.String("new_id", newID))
	return protocol.ResultOK
}

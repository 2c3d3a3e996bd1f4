package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{withSleep(func(context.Context, time.Duration) error { return nil })}, opts...)
	store, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: MemoryDSN(), PoolSize: 3}, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAndGetPeer(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	guid, err := store.InsertPeer(ctx, "ABC123", []byte("uuid-1"), []byte("pk-1"), PeerInfo{IP: "203.0.113.7"})
	if err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if len(guid) != 16 {
		t.Fatalf("unexpected guid length: %d", len(guid))
	}

	row, err := store.GetPeer(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if !bytes.Equal(row.GUID, guid) {
		t.Fatalf("guid mismatch: %x vs %x", row.GUID, guid)
	}
	if string(row.UUID) != "uuid-1" || string(row.PK) != "pk-1" {
		t.Fatalf("unexpected identity: uuid=%q pk=%q", row.UUID, row.PK)
	}
	if got := ParsePeerInfo(row.Info).IP; got != "203.0.113.7" {
		t.Fatalf("unexpected info ip: %q", got)
	}
	if row.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	if _, err := store.GetPeer(ctx, "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePeerByGUID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	guid, err := store.InsertPeer(ctx, "ABC123", []byte("u"), []byte("k1"), PeerInfo{})
	if err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if err := store.UpdatePeer(ctx, guid, "ABC123", []byte("u"), []byte("k2"), PeerInfo{IP: "10.0.0.2"}); err != nil {
		t.Fatalf("update peer: %v", err)
	}
	row, err := store.GetPeer(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if string(row.PK) != "k2" {
		t.Fatalf("expected rotated key, got %q", row.PK)
	}
	if err := store.UpdatePeer(ctx, []byte("no-such-guid"), "X", nil, nil, PeerInfo{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown guid, got %v", err)
	}
}

func TestGetPeerSkipsDeletedRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertPeer(ctx, "GONE01", []byte("u"), []byte("k"), PeerInfo{}); err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if err := store.db.Model(&PeerRow{}).Where("id = ?", "GONE01").Update("is_deleted", true).Error; err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := store.GetPeer(ctx, "GONE01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted row hidden, got %v", err)
	}
	available, err := store.IsIDAvailable(ctx, "GONE01")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if available {
		t.Fatalf("soft-deleted rows must keep their id reserved")
	}
}

func TestChangeIDAppendsHistory(t *testing.T) {
	clock := newTestClock()
	store := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	guid, err := store.InsertPeer(ctx, "ABC123", []byte("u"), []byte("k"), PeerInfo{})
	if err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	if err := store.ChangeID(ctx, "ABC123", "XYZ987", nil); err != nil {
		t.Fatalf("change id: %v", err)
	}
	clock.Advance(time.Hour)
	if err := store.ChangeID(ctx, "XYZ987", "QWE456", []byte("k2")); err != nil {
		t.Fatalf("second change id: %v", err)
	}

	row, err := store.GetPeer(ctx, "QWE456")
	if err != nil {
		t.Fatalf("get renamed peer: %v", err)
	}
	if !bytes.Equal(row.GUID, guid) {
		t.Fatalf("rename must keep the guid")
	}
	if !bytes.Equal(row.PK, []byte("k2")) {
		t.Fatalf("rename should persist the new key, got %q", row.PK)
	}
	if len(row.PreviousIDs) != 2 || row.PreviousIDs[0] != "ABC123" || row.PreviousIDs[1] != "XYZ987" {
		t.Fatalf("unexpected rename history: %v", row.PreviousIDs)
	}
	if row.IDChangedAt == nil || !row.IDChangedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("unexpected id_changed_at: %v", row.IDChangedAt)
	}
	if _, err := store.GetPeer(ctx, "ABC123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old id should be gone, got %v", err)
	}
}

func TestChangeIDRejectsTakenAndMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"FIRST1", "SECOND"} {
		if _, err := store.InsertPeer(ctx, id, []byte("u"), []byte("k"), PeerInfo{}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := store.ChangeID(ctx, "FIRST1", "SECOND", nil); !errors.Is(err, ErrIDTaken) {
		t.Fatalf("expected ErrIDTaken, got %v", err)
	}
	if err := store.ChangeID(ctx, "NOBODY", "THIRD1", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := store.Breaker().Failures(); got != 0 {
		t.Fatalf("policy answers must not count as failures, got %d", got)
	}
}

func TestBanFlag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	banned, err := store.IsBanned(ctx, "NOBODY")
	if err != nil || banned {
		t.Fatalf("missing row should not be banned: banned=%v err=%v", banned, err)
	}
	if _, err := store.InsertPeer(ctx, "BAD001", []byte("u"), []byte("k"), PeerInfo{}); err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if err := store.SetBanned(ctx, "BAD001", true, "abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err = store.IsBanned(ctx, "BAD001")
	if err != nil || !banned {
		t.Fatalf("expected banned: banned=%v err=%v", banned, err)
	}
	row, err := store.GetPeer(ctx, "BAD001")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if !row.IsBanned || row.BannedAt == nil || row.BanReason != "abuse" {
		t.Fatalf("unexpected ban columns: %+v", row)
	}
}

func TestOnlineMarkers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ids := []string{"PEER01", "PEER02", "PEER03"}
	for _, id := range ids {
		if _, err := store.InsertPeer(ctx, id, []byte("u"), []byte("k"), PeerInfo{}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if err := store.SetOnline(ctx, id); err != nil {
			t.Fatalf("set online %s: %v", id, err)
		}
	}
	row, err := store.GetPeer(ctx, "PEER01")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if !row.Online() || row.LastOnline == nil {
		t.Fatalf("expected online marker and last_online: %+v", row)
	}

	if err := store.BatchSetOffline(ctx, ids[:2]); err != nil {
		t.Fatalf("batch offline: %v", err)
	}
	for i, id := range ids {
		row, err := store.GetPeer(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if want := i == 2; row.Online() != want {
			t.Fatalf("%s online=%v want %v", id, row.Online(), want)
		}
	}

	affected, err := store.SetAllOffline(ctx)
	if err != nil {
		t.Fatalf("set all offline: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected one row reset, got %d", affected)
	}
	if err := store.SetOffline(ctx, "PEER03"); err != nil {
		t.Fatalf("set offline: %v", err)
	}
}

func TestStoreFailsFastWhenBreakerOpen(t *testing.T) {
	clock := newTestClock()
	store := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	if err := store.sqlDB.Close(); err != nil {
		t.Fatalf("close pool: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.IsBanned(ctx, "ANY001"); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: expected a database failure, got %v", i+1, err)
		}
	}
	if _, err := store.IsBanned(ctx, "ANY001"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail-fast ErrCircuitOpen, got %v", err)
	}
	if err := store.Healthy(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected unhealthy store, got %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := store.Healthy(); err != nil {
		t.Fatalf("expected breaker reset after quiet window: %v", err)
	}
}

func TestOpenRetriesWithBackoff(t *testing.T) {
	var waits []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "missing", "dir", "peers.db"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	_, err = Open(context.Background(), Config{Driver: DriverSQLite, DSN: dsn}, withSleep(sleep))
	if err == nil {
		t.Fatalf("expected open to fail for an unreachable path")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("unexpected retry schedule: %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("retry %d waited %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := Open(context.Background(), Config{}); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// batchChunk bounds the number of ids per IN clause so large sweeps stay under
// SQLite's bound-variable limit.
const batchChunk = 500

// GetPeer loads the non-deleted row for id. Banned rows are returned; callers
// decide how to treat them.
func (s *Store) GetPeer(ctx context.Context, id string) (*PeerRow, error) {
	var row PeerRow
	err := s.do(ctx, "get peer", func(conn *gorm.DB) error {
		err := conn.Where("id = ? AND is_deleted = ?", id, false).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertPeer creates a new identity row and returns its freshly assigned guid.
func (s *Store) InsertPeer(ctx context.Context, id string, peerUUID, pk []byte, info PeerInfo) ([]byte, error) {
	generated := uuid.New()
	guid := append([]byte(nil), generated[:]...)
	row := PeerRow{
		GUID:   guid,
		PeerID: id,
		UUID:   peerUUID,
		PK:     pk,
		Info:   info.Encode(),
	}
	err := s.do(ctx, "insert peer", func(conn *gorm.DB) error {
		return conn.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return guid, nil
}

// UpdatePeer rewrites id, uuid, pk and info of the row identified by guid.
func (s *Store) UpdatePeer(ctx context.Context, guid []byte, id string, peerUUID, pk []byte, info PeerInfo) error {
	return s.do(ctx, "update peer", func(conn *gorm.DB) error {
		res := conn.Model(&PeerRow{}).Where("guid = ?", guid).Updates(map[string]any{
			"id":   id,
			"uuid": peerUUID,
			"pk":   pk,
			"info": info.Encode(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetOnline sets the online marker and stamps last_online.
func (s *Store) SetOnline(ctx context.Context, id string) error {
	return s.do(ctx, "set online", func(conn *gorm.DB) error {
		return conn.Model(&PeerRow{}).
			Where("id = ? AND is_deleted = ?", id, false).
			Updates(map[string]any{"status": StatusOnline, "last_online": s.now().UTC()}).Error
	})
}

// SetOffline clears the online marker for a single id.
func (s *Store) SetOffline(ctx context.Context, id string) error {
	return s.do(ctx, "set offline", func(conn *gorm.DB) error {
		return conn.Model(&PeerRow{}).
			Where("id = ? AND is_deleted = ?", id, false).
			Update("status", StatusOffline).Error
	})
}

// BatchSetOffline clears the online marker for every id in one transaction.
func (s *Store) BatchSetOffline(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.do(ctx, "batch set offline", func(conn *gorm.DB) error {
		return conn.Transaction(func(tx *gorm.DB) error {
			for start := 0; start < len(ids); start += batchChunk {
				end := start + batchChunk
				if end > len(ids) {
					end = len(ids)
				}
				err := tx.Model(&PeerRow{}).
					Where("id IN ? AND is_deleted = ?", ids[start:end], false).
					Update("status", StatusOffline).Error
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// SetAllOffline resets every online marker. It runs once at startup, when no
// peer can be verified live yet.
func (s *Store) SetAllOffline(ctx context.Context) (int64, error) {
	var affected int64
	err := s.do(ctx, "set all offline", func(conn *gorm.DB) error {
		res := conn.Model(&PeerRow{}).Where("status = ?", StatusOnline).Update("status", StatusOffline)
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// IsBanned reports the ban flag of the non-deleted row for id. A missing row is
// not banned.
func (s *Store) IsBanned(ctx context.Context, id string) (bool, error) {
	var rows []PeerRow
	err := s.do(ctx, "ban check", func(conn *gorm.DB) error {
		return conn.Select("is_banned").
			Where("id = ? AND is_deleted = ?", id, false).
			Limit(1).
			Find(&rows).Error
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0].IsBanned, nil
}

// SetBanned writes the ban flag. Bans are normally applied by admin tooling
// sharing the same table.
func (s *Store) SetBanned(ctx context.Context, id string, banned bool, reason string) error {
	return s.do(ctx, "set banned", func(conn *gorm.DB) error {
		updates := map[string]any{"is_banned": banned, "ban_reason": reason, "banned_at": nil}
		if banned {
			updates["banned_at"] = s.now().UTC()
		}
		res := conn.Model(&PeerRow{}).Where("id = ? AND is_deleted = ?", id, false).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IsIDAvailable reports whether no row, deleted or not, holds id. The unique
// index spans soft-deleted rows, so they still reserve their id.
func (s *Store) IsIDAvailable(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.do(ctx, "id availability", func(conn *gorm.DB) error {
		return conn.Model(&PeerRow{}).Where("id = ?", id).Count(&count).Error
	})
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// ChangeID renames oldID to newID, appending oldID to the rename history and
// stamping id_changed_at. A non-empty pk replaces the stored key in the same
// transaction. The guid is untouched.
func (s *Store) ChangeID(ctx context.Context, oldID, newID string, pk []byte) error {
	return s.do(ctx, "change id", func(conn *gorm.DB) error {
		return conn.Transaction(func(tx *gorm.DB) error {
			var row PeerRow
			err := tx.Where("id = ? AND is_deleted = ?", oldID, false).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var taken int64
			if err := tx.Model(&PeerRow{}).Where("id = ?", newID).Count(&taken).Error; err != nil {
				return err
			}
			if taken > 0 {
				return ErrIDTaken
			}
			changedAt := s.now().UTC()
			history := append(append([]string(nil), row.PreviousIDs...), oldID)
			cols := []string{"id", "previous_ids", "id_changed_at"}
			update := PeerRow{PeerID: newID, PreviousIDs: history, IDChangedAt: &changedAt}
			if len(pk) > 0 {
				cols = append(cols, "pk")
				update.PK = pk
			}
			return tx.Model(&row).Select(cols).Updates(&update).Error
		})
	})
}

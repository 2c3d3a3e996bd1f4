package storage

import (
	"encoding/json"
	"time"
)

// PeerRow is the durable identity record of a peer. GUID is assigned once on
// insert and never changes; PeerID is the user-visible display id and may be
// renamed.
type PeerRow struct {
	GUID        []byte     `gorm:"column:guid;primaryKey"`
	PeerID      string     `gorm:"column:id;size:100;not null;uniqueIndex:index_peer_id"`
	UUID        []byte     `gorm:"column:uuid;not null"`
	PK          []byte     `gorm:"column:pk;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	Status      int        `gorm:"column:status;not null;default:0;index:index_peer_status"`
	LastOnline  *time.Time `gorm:"column:last_online"`
	Note        string     `gorm:"column:note;type:text"`
	Info        string     `gorm:"column:info;type:text;not null"`
	PreviousIDs []string   `gorm:"column:previous_ids;type:text;serializer:json"`
	IDChangedAt *time.Time `gorm:"column:id_changed_at"`
	IsBanned    bool       `gorm:"column:is_banned;not null;default:false"`
	BannedAt    *time.Time `gorm:"column:banned_at"`
	BanReason   string     `gorm:"column:ban_reason;type:text"`
	IsDeleted   bool       `gorm:"column:is_deleted;not null;default:false;index:index_peer_deleted"`
}

// TableName pins the table name shared with external admin tooling.
func (PeerRow) TableName() string { return "peer" }

// Online reports the persisted online marker.
func (r *PeerRow) Online() bool { return r != nil && r.Status == StatusOnline }

// PeerInfo is the JSON blob stored in the info column.
type PeerInfo struct {
	IP string `json:"ip"`
}

// Encode renders the info blob. Encoding a struct of strings cannot fail.
func (i PeerInfo) Encode() string {
	raw, _ := json.Marshal(i)
	return string(raw)
}

// ParsePeerInfo decodes an info blob, tolerating empty and malformed values
// written by older tooling.
func ParsePeerInfo(raw string) PeerInfo {
	var info PeerInfo
	if raw == "" {
		return info
	}
	_ = json.Unmarshal([]byte(raw), &info)
	return info
}

// Status column values.
const (
	StatusOffline = 0
	StatusOnline  = 1
)

package models

import (
	"encoding/json"
	"time"
)

// ActivityLogEntry is the append-only ledger of billing-relevant actions,
// keyed by user. The external event id is extracted into its own indexed
// column so the ledger doubles as a secondary idempotency index without
// JSON-path queries.
type ActivityLogEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Action       string    `gorm:"type:varchar(100);not null;index" json:"action"`
	Description  string    `gorm:"type:text" json:"description"`
	MetadataJSON string    `gorm:"type:longtext" json:"-"`
	EventID      string    `gorm:"type:varchar(191);default:'';index" json:"event_id"`
	ResourceType string    `gorm:"type:varchar(50);default:''" json:"resource_type"`
	ResourceID   string    `gorm:"type:varchar(191);default:'';index" json:"resource_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Metadata decodes the free-form metadata bag. Broken JSON yields an empty
// map; ledger reads must not fail on old rows.
func (e *ActivityLogEntry) Metadata() map[string]any {
	meta := map[string]any{}
	if e.MetadataJSON == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(e.MetadataJSON), &meta)
	return meta
}

package models

import (
	"time"
)

// Channel represents an owning account/project that posts are published under.
// Each channel maps to one Instagram business account.
type Channel struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	IGUserID string `gorm:"index" json:"ig_user_id"` // Instagram business account ID
	Enabled  bool   `gorm:"default:true" json:"enabled"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Configured returns true if the channel has a platform account attached.
// Scheduling into an unconfigured channel is rejected up front.
func (c *Channel) Configured() bool {
	return c.IGUserID != ""
}

package models

import (
	"time"
)

// Frequency represents how often a recurring schedule fires
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurrenceRule describes a recurring schedule. The rule itself is persisted so
// the materialization horizon can be extended later; the actual occurrences are
// concrete Post rows created from it.
type RecurrenceRule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChannelID uint      `gorm:"index;not null" json:"channel_id"`
	Frequency Frequency `gorm:"not null" json:"frequency"`

	// DaysOfWeek holds weekday indices (0=Sunday .. 6=Saturday), weekly rules only.
	// Empty means "the weekday of AnchorAt".
	DaysOfWeek IntSlice `gorm:"type:json" json:"days_of_week"`

	TimeOfDay string `gorm:"not null" json:"time_of_day"` // "15:04"

	// AnchorAt fixes the weekly default weekday and the monthly day-of-month.
	AnchorAt time.Time  `gorm:"not null" json:"anchor_at"`
	EndDate  *time.Time `json:"end_date"` // exclusive upper bound

	// Content stamped onto every materialized occurrence.
	Kind      PostKind    `gorm:"not null" json:"kind"`
	Caption   string      `gorm:"type:text" json:"caption"`
	MediaURLs StringSlice `gorm:"type:json" json:"media_urls"`

	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Ended returns true if the rule's end date has passed at the given time
func (r *RecurrenceRule) Ended(now time.Time) bool {
	return r.EndDate != nil && !now.Before(*r.EndDate)
}

package authors

import (
	"strings"
	"time"
)

// Author is the directory entry for a user who has written commits.
type Author struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing the author directory.
func (Author) TableName() string {
	return "authors"
}

// Label is the human name shown in history listings.
func (a Author) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Email != "" {
		return a.Email
	}
	return a.ID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

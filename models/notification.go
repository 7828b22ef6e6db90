package models

import "time"

// Notification types written by the workflow and messaging collaborators.
const (
	NotificationRevision     = "revision"
	NotificationReReview     = "re-review"
	NotificationMessage      = "message"
	NotificationAnnouncement = "announcement"
	NotificationInfo         = "info"
)

type Notification struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"not null;index"`
	Title     string    `json:"title" gorm:"not null;size:255"`
	Body      string    `json:"body" gorm:"type:text;not null"`
	Type      string    `json:"type" gorm:"not null;size:32;default:info"`
	Link      *string   `json:"link"`
	Read      bool      `json:"read" gorm:"column:is_read;not null;default:false;index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	User *User `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

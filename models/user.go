package models

import "time"

type User struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name" gorm:"not null;size:100"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null;size:255"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Role         Role      `json:"role" gorm:"type:varchar(16);not null;check:role IN ('admin','writer','typesetter')"`
	TeamID       *uint     `json:"team_id" gorm:"index"`
	SubjectID    *uint     `json:"subject_id"` // first element of the subject set, written by SetSubjects
	Active       bool      `json:"active" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Relationships
	Team    *Team    `json:"team,omitempty" gorm:"constraint:OnDelete:SET NULL"`
	Subject *Subject `json:"-" gorm:"constraint:OnDelete:SET NULL"`

	SubjectIDs []uint `json:"subject_ids" gorm:"-"`
}

// UserSubject is the authoritative typesetter to subject assignment.
type UserSubject struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_user_subject"`
	SubjectID uint      `json:"subject_id" gorm:"not null;uniqueIndex:idx_user_subject;index"`
	CreatedAt time.Time `json:"created_at"`

	User    *User    `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Subject *Subject `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

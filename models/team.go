package models

import "time"

type Team struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex;not null;size:100"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Subjects []Subject `json:"subjects,omitempty" gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE"`
}

type Subject struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"not null;size:100;uniqueIndex:idx_subject_team_name"`
	TeamID      uint      `json:"team_id" gorm:"not null;index;uniqueIndex:idx_subject_team_name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Team *Team `json:"team,omitempty"`
}

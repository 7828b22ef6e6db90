package models

import "time"

type Question struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	Text         string         `json:"text" gorm:"type:text;not null"`
	LatexCode    *string        `json:"latex_code" gorm:"type:text"`
	PhotoURL     *string        `json:"photo_url"`
	PhotoMediaID *string        `json:"-"`
	FileURL      *string        `json:"file_url"`
	FileMediaID  *string        `json:"-"`
	FileName     *string        `json:"file_name"`
	Difficulty   *Difficulty    `json:"difficulty" gorm:"type:varchar(16)"`
	SubjectID    uint           `json:"subject_id" gorm:"not null;index"`
	CreatedBy    *uint          `json:"created_by" gorm:"index"`
	TypesetterID *uint          `json:"typesetter_id" gorm:"index"`
	Status       QuestionStatus `json:"status" gorm:"type:varchar(32);not null;default:pending;index;check:status IN ('pending','in-typesetting','completed','needs-revision')"`
	RevisionNote *string        `json:"revision_note" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	TypesettingStartedAt  *time.Time `json:"typesetting_started_at"`
	TypesettingFinishedAt *time.Time `json:"typesetting_finished_at"`

	// Relationships
	Subject    *Subject             `json:"subject,omitempty" gorm:"constraint:OnDelete:RESTRICT"`
	Creator    *User                `json:"creator,omitempty" gorm:"foreignKey:CreatedBy;constraint:OnDelete:SET NULL"`
	Typesetter *User                `json:"typesetter,omitempty" gorm:"foreignKey:TypesetterID;constraint:OnDelete:SET NULL"`
	History    []TypesettingHistory `json:"history,omitempty" gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

// TypesettingHistory is appended once per completed typesetting cycle.
type TypesettingHistory struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	QuestionID   uint           `json:"question_id" gorm:"not null;index"`
	TypesetterID *uint          `json:"typesetter_id" gorm:"index"`
	Status       QuestionStatus `json:"status" gorm:"type:varchar(32);not null"`
	Notes        *string        `json:"notes" gorm:"type:text"`
	CompletedAt  time.Time      `json:"completed_at" gorm:"not null"`

	Typesetter *User `json:"typesetter,omitempty" gorm:"foreignKey:TypesetterID;constraint:OnDelete:SET NULL"`
}

func (TypesettingHistory) TableName() string { return "typesetting_history" }

package models

import "time"

type DirectMessage struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	SenderID    uint      `json:"sender_id" gorm:"not null;index"`
	RecipientID uint      `json:"recipient_id" gorm:"not null;index"`
	Body        string    `json:"body" gorm:"type:text;not null"`
	FileURL     *string   `json:"file_url"`
	Read        bool      `json:"read" gorm:"column:is_read;not null;default:false"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`

	Sender    *User `json:"sender,omitempty" gorm:"foreignKey:SenderID;constraint:OnDelete:CASCADE"`
	Recipient *User `json:"recipient,omitempty" gorm:"foreignKey:RecipientID;constraint:OnDelete:CASCADE"`
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questionpool/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	messagePreviewRunes = 50
	maxConversations    = 100
)

type MessageService struct {
	db  *gorm.DB
	out dispatcher
	log *zap.Logger
}

func NewMessageService(db *gorm.DB, sink NotificationSink, log *zap.Logger) *MessageService {
	log = log.With(zap.String("service", "MessageService"))
	return &MessageService{db: db, out: dispatcher{sink: sink, log: log}, log: log}
}

type SendMessageRequest struct {
	RecipientID uint   `json:"recipient_id" binding:"required"`
	Body        string `json:"body" binding:"required"`
	FileURL     string `json:"file_url"`
}

type Contact struct {
	ID   uint        `json:"id"`
	Name string      `json:"name"`
	Role models.Role `json:"role"`
}

type Conversation struct {
	User        Contact               `json:"user"`
	LastMessage *models.DirectMessage `json:"last_message"`
	Unread      int64                 `json:"unread"`
}

// Contacts lists every other active user the actor can write to.
func (s *MessageService) Contacts(ctx context.Context, a Actor) ([]Contact, error) {
	var contacts []Contact
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Select("id, name, role").
		Where("id <> ? AND active = ?", a.ID, true).
		Order("name").
		Scan(&contacts).Error
	if err != nil {
		return nil, storeErr("users", err)
	}
	return contacts, nil
}

// Conversations returns one entry per counterpart, most recent first, capped
// at maxConversations.
func (s *MessageService) Conversations(ctx context.Context, a Actor) ([]Conversation, error) {
	db := s.db.WithContext(ctx)

	var heads []struct {
		OtherID uint
		LastID  uint
		Unread  int64
	}
	err := db.Model(&models.DirectMessage{}).
		Select(`CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS other_id,
			MAX(id) AS last_id,
			SUM(CASE WHEN recipient_id = ? AND is_read = ? THEN 1 ELSE 0 END) AS unread`,
			a.ID, a.ID, false).
		Where("sender_id = ? OR recipient_id = ?", a.ID, a.ID).
		Group("other_id").
		Order("last_id DESC").
		Limit(maxConversations).
		Scan(&heads).Error
	if err != nil {
		return nil, storeErr("messages", err)
	}
	if len(heads) == 0 {
		return []Conversation{}, nil
	}

	lastIDs := make([]uint, 0, len(heads))
	otherIDs := make([]uint, 0, len(heads))
	for _, h := range heads {
		lastIDs = append(lastIDs, h.LastID)
		otherIDs = append(otherIDs, h.OtherID)
	}

	var last []models.DirectMessage
	if err := db.Where("id IN ?", lastIDs).Find(&last).Error; err != nil {
		return nil, storeErr("messages", err)
	}
	byID := make(map[uint]*models.DirectMessage, len(last))
	for i := range last {
		byID[last[i].ID] = &last[i]
	}

	var users []Contact
	err = db.Model(&models.User{}).
		Select("id, name, role").
		Where("id IN ?", otherIDs).
		Scan(&users).Error
	if err != nil {
		return nil, storeErr("users", err)
	}
	contacts := make(map[uint]Contact, len(users))
	for _, u := range users {
		contacts[u.ID] = u
	}

	out := make([]Conversation, 0, len(heads))
	for _, h := range heads {
		user, ok := contacts[h.OtherID]
		if !ok {
			user = Contact{ID: h.OtherID}
		}
		out = append(out, Conversation{User: user, LastMessage: byID[h.LastID], Unread: h.Unread})
	}
	return out, nil
}

// Conversation returns the thread with otherID oldest first and marks the
// actor's received messages in it as read.
func (s *MessageService) Conversation(ctx context.Context, a Actor, otherID uint) ([]models.DirectMessage, error) {
	var messages []models.DirectMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			a.ID, otherID, otherID, a.ID).
			Order("created_at ASC, id ASC").
			Find(&messages).Error
		if err != nil {
			return storeErr("messages", err)
		}
		err = tx.Model(&models.DirectMessage{}).
			Where("sender_id = ? AND recipient_id = ? AND is_read = ?", otherID, a.ID, false).
			Update("is_read", true).Error
		return storeErr("messages", err)
	})
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].RecipientID == a.ID {
			messages[i].Read = true
		}
	}
	return messages, nil
}

func (s *MessageService) Send(ctx context.Context, a Actor, req *SendMessageRequest) (*models.DirectMessage, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, Validation("message body is required")
	}
	if req.RecipientID == a.ID {
		return nil, Validation("cannot send a message to yourself")
	}
	var recipient models.User
	if err := s.db.WithContext(ctx).First(&recipient, req.RecipientID).Error; err != nil {
		if KindOf(err) == KindNotFound {
			return nil, Validation("recipient %d does not exist", req.RecipientID)
		}
		return nil, storeErr("user", err)
	}

	m := models.DirectMessage{
		SenderID:    a.ID,
		RecipientID: recipient.ID,
		Body:        body,
		FileURL:     optional(req.FileURL),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, storeErr("message", err)
	}

	var after outbox
	after.notify(NotificationRequest{
		UserID: recipient.ID,
		Title:  "New message",
		Body:   fmt.Sprintf("%s: %s", senderName(a), preview(body)),
		Type:   models.NotificationMessage,
		Link:   messageLink(a.ID),
	})
	s.out.flush(ctx, &after)
	return &m, nil
}

// Delete removes one of the actor's own sent messages. Messages sent by
// others are reported as not found.
func (s *MessageService) Delete(ctx context.Context, a Actor, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND sender_id = ?", id, a.ID).Delete(&models.DirectMessage{})
	if res.Error != nil {
		return storeErr("message", res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("message")
	}
	return nil
}

func (s *MessageService) UnreadCount(ctx context.Context, a Actor) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Where("recipient_id = ? AND is_read = ?", a.ID, false).
		Count(&n).Error
	if err != nil {
		return 0, storeErr("messages", err)
	}
	return n, nil
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= messagePreviewRunes {
		return body
	}
	return string(r[:messagePreviewRunes]) + "..."
}

func senderName(a Actor) string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("User #%d", a.ID)
}

func messageLink(senderID uint) *string {
	link := fmt.Sprintf("/messages/%d", senderID)
	return &link
}

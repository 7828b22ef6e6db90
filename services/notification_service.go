package services

import (
	"context"
	"strings"

	"questionpool/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultNotificationLimit = 50

// Publisher pushes a stored notification to live clients.
type Publisher interface {
	Publish(ctx context.Context, n *models.Notification) error
}

type NotificationService struct {
	db  *gorm.DB
	pub Publisher
	log *zap.Logger
}

func NewNotificationService(db *gorm.DB, pub Publisher, log *zap.Logger) *NotificationService {
	return &NotificationService{
		db:  db,
		pub: pub,
		log: log.With(zap.String("service", "NotificationService")),
	}
}

type BroadcastRequest struct {
	Title string `json:"title" binding:"required"`
	Body  string `json:"body" binding:"required"`
	Type  string `json:"type"`
	Link  string `json:"link"`
}

// Enqueue stores a notification and pushes it to the recipient if they are
// connected. A failed push is not an error; the row is the source of truth.
func (s *NotificationService) Enqueue(ctx context.Context, req NotificationRequest) error {
	if req.UserID == 0 || strings.TrimSpace(req.Title) == "" {
		return Validation("notification needs a recipient and a title")
	}
	n := models.Notification{
		UserID: req.UserID,
		Title:  req.Title,
		Body:   req.Body,
		Type:   req.Type,
		Link:   req.Link,
	}
	if n.Type == "" {
		n.Type = models.NotificationInfo
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return storeErr("notification", err)
	}
	s.publish(ctx, &n)
	return nil
}

func (s *NotificationService) List(ctx context.Context, a Actor, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > defaultNotificationLimit {
		limit = defaultNotificationLimit
	}
	var notifications []models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", a.ID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, storeErr("notifications", err)
	}
	return notifications, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, a Actor) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", a.ID, false).
		Count(&n).Error
	if err != nil {
		return 0, storeErr("notifications", err)
	}
	return n, nil
}

// MarkRead only touches the actor's own notifications; anything else is
// reported as not found.
func (s *NotificationService) MarkRead(ctx context.Context, a Actor, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, a.ID).
		Update("is_read", true)
	if res.Error != nil {
		return storeErr("notification", res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("notification")
	}
	return nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, a Actor) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", a.ID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, storeErr("notifications", res.Error)
	}
	return res.RowsAffected, nil
}

// Broadcast sends one notification to every active user except the sender.
func (s *NotificationService) Broadcast(ctx context.Context, a Actor, req *BroadcastRequest) (int, error) {
	if err := Authorize(a, ResourceNotification, ActionBroadcast, Target{}); err != nil {
		return 0, err
	}
	title, body := strings.TrimSpace(req.Title), strings.TrimSpace(req.Body)
	if title == "" || body == "" {
		return 0, Validation("title and body are required")
	}
	kind := strings.TrimSpace(req.Type)
	if kind == "" {
		kind = models.NotificationAnnouncement
	}

	var recipients []uint
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id <> ? AND active = ?", a.ID, true).
		Pluck("id", &recipients).Error
	if err != nil {
		return 0, storeErr("users", err)
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	rows := make([]models.Notification, 0, len(recipients))
	for _, id := range recipients {
		rows = append(rows, models.Notification{
			UserID: id,
			Title:  title,
			Body:   body,
			Type:   kind,
			Link:   optional(req.Link),
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, 200).Error; err != nil {
		return 0, storeErr("notifications", err)
	}
	for i := range rows {
		s.publish(ctx, &rows[i])
	}
	s.log.Info("broadcast sent", zap.Uint("actor_id", a.ID), zap.Int("recipients", len(rows)))
	return len(rows), nil
}

func (s *NotificationService) publish(ctx context.Context, n *models.Notification) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, n); err != nil {
		s.log.Warn("live push failed", zap.Uint("notification_id", n.ID), zap.Error(err))
	}
}

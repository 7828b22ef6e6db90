package services

import (
	"context"
	"time"

	"questionpool/metrics"
	"questionpool/storage"

	"go.uber.org/zap"
)

type NotificationRequest struct {
	UserID uint
	Title  string
	Body   string
	Type   string
	Link   *string
}

// NotificationSink accepts notifications for delivery.
type NotificationSink interface {
	Enqueue(ctx context.Context, req NotificationRequest) error
}

// outbox collects side effects decided inside a transaction. Nothing in it
// runs until the transaction has committed.
type outbox struct {
	notifications []NotificationRequest
	releases      []string
}

func (o *outbox) notify(req NotificationRequest) {
	o.notifications = append(o.notifications, req)
}

func (o *outbox) release(mediaID *string) {
	if mediaID != nil && *mediaID != "" {
		o.releases = append(o.releases, *mediaID)
	}
}

type dispatcher struct {
	sink  NotificationSink
	media storage.MediaStore
	log   *zap.Logger
}

// flush runs every collected side effect. Failures are logged and counted;
// the operation that produced them has already succeeded.
func (d dispatcher) flush(ctx context.Context, o *outbox) {
	if o == nil || (len(o.notifications) == 0 && len(o.releases) == 0) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, n := range o.notifications {
		if d.sink == nil {
			break
		}
		if err := d.sink.Enqueue(ctx, n); err != nil {
			metrics.NotificationFailures.Inc()
			d.log.Warn("notification dropped",
				zap.Uint("user_id", n.UserID),
				zap.String("type", n.Type),
				zap.Error(err))
		}
	}
	for _, id := range o.releases {
		if d.media == nil {
			break
		}
		if err := d.media.Delete(ctx, id); err != nil {
			metrics.MediaReleaseFailures.Inc()
			d.log.Warn("media release failed", zap.String("media_id", id), zap.Error(err))
		}
	}
}

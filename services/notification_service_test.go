package services

import (
	"context"
	"errors"
	"sync"

	"questionpool/models"
	"questionpool/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu  sync.Mutex
	got []models.Notification
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, n *models.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, *n)
	return p.err
}

var _ = Describe("NotificationService", func() {
	var (
		ctx   context.Context
		db    *gorm.DB
		pub   *recordingPublisher
		svc   *NotificationService
		admin Actor
		alice Actor
		bob   Actor
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = testutil.NewDB(GinkgoT())
		pub = &recordingPublisher{}
		svc = NewNotificationService(db, pub, zap.NewNop())

		admin = actorFor(testutil.SeedUser(GinkgoT(), db, "Ada Admin", models.RoleAdmin))
		alice = actorFor(testutil.SeedUser(GinkgoT(), db, "Alice Writer", models.RoleWriter))
		bob = actorFor(testutil.SeedUser(GinkgoT(), db, "Bob Setter", models.RoleTypesetter))
	})

	enqueue := func(to Actor, title string) {
		Expect(svc.Enqueue(ctx, NotificationRequest{UserID: to.ID, Title: title, Body: "body"})).To(Succeed())
	}

	It("stores and pushes enqueued notifications", func() {
		link := "/questions/7"
		err := svc.Enqueue(ctx, NotificationRequest{
			UserID: alice.ID,
			Title:  "Revision requested",
			Body:   "Revision requested for question #7: fix it",
			Type:   models.NotificationRevision,
			Link:   &link,
		})
		Expect(err).NotTo(HaveOccurred())

		list, err := svc.List(ctx, alice, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].Type).To(Equal(models.NotificationRevision))
		Expect(*list[0].Link).To(Equal(link))
		Expect(list[0].Read).To(BeFalse())

		Expect(pub.got).To(HaveLen(1))
		Expect(pub.got[0].ID).To(Equal(list[0].ID))
	})

	It("defaults the type and rejects incomplete requests", func() {
		enqueue(alice, "hello")
		list, _ := svc.List(ctx, alice, 10)
		Expect(list[0].Type).To(Equal(models.NotificationInfo))

		Expect(svc.Enqueue(ctx, NotificationRequest{Title: "no recipient"})).To(haveKind(KindValidation))
		Expect(svc.Enqueue(ctx, NotificationRequest{UserID: alice.ID, Title: " "})).To(haveKind(KindValidation))
	})

	It("keeps the row when the live push fails", func() {
		pub.err = errors.New("no subscribers")
		enqueue(alice, "hello")

		n, err := svc.UnreadCount(ctx, alice)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("tracks read state per user", func() {
		enqueue(alice, "one")
		enqueue(alice, "two")
		enqueue(bob, "three")

		list, _ := svc.List(ctx, alice, 10)
		Expect(svc.MarkRead(ctx, alice, list[0].ID)).To(Succeed())
		Expect(svc.MarkRead(ctx, bob, list[1].ID)).To(haveKind(KindNotFound))

		n, _ := svc.UnreadCount(ctx, alice)
		Expect(n).To(Equal(int64(1)))

		updated, err := svc.MarkAllRead(ctx, alice)
		Expect(err).NotTo(HaveOccurred())
		Expect(updated).To(Equal(int64(1)))

		n, _ = svc.UnreadCount(ctx, bob)
		Expect(n).To(Equal(int64(1)))
	})

	It("lists newest first and caps the page size", func() {
		for i := 0; i < 55; i++ {
			enqueue(alice, "n")
		}
		list, err := svc.List(ctx, alice, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(50))
		Expect(list[0].ID).To(BeNumerically(">", list[49].ID))
	})

	Describe("Broadcast", func() {
		It("reaches every other active user", func() {
			Expect(db.Model(&models.User{}).Where("id = ?", bob.ID).Update("active", false).Error).To(Succeed())

			sent, err := svc.Broadcast(ctx, admin, &BroadcastRequest{Title: "Maintenance", Body: "Down at 6pm"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(1))

			list, _ := svc.List(ctx, alice, 10)
			Expect(list).To(HaveLen(1))
			Expect(list[0].Type).To(Equal(models.NotificationAnnouncement))

			mine, _ := svc.List(ctx, admin, 10)
			Expect(mine).To(BeEmpty())
		})

		It("is reserved for admins", func() {
			_, err := svc.Broadcast(ctx, alice, &BroadcastRequest{Title: "hi", Body: "all"})
			Expect(err).To(haveKind(KindForbidden))
		})

		It("requires a title and body", func() {
			_, err := svc.Broadcast(ctx, admin, &BroadcastRequest{Title: "hi", Body: "  "})
			Expect(err).To(haveKind(KindValidation))
		})
	})
})

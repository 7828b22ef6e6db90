package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"questionpool/models"
	"questionpool/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var _ = Describe("QuestionService", func() {
	var (
		ctx   context.Context
		db    *gorm.DB
		sink  *recordingSink
		media *memoryMedia
		svc   *QuestionService

		algebra, geometry *models.Subject

		admin, writer, otherWriter Actor
		typesetter, geoSetter      Actor
		both, unassigned           Actor
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = testutil.NewDB(GinkgoT())
		sink = &recordingSink{}
		media = newMemoryMedia()
		svc = NewQuestionService(db, media, sink, zap.NewNop())

		team := testutil.SeedTeam(GinkgoT(), db, "Mathematics")
		algebra = testutil.SeedSubject(GinkgoT(), db, team, "Algebra")
		geometry = testutil.SeedSubject(GinkgoT(), db, team, "Geometry")

		admin = actorFor(testutil.SeedUser(GinkgoT(), db, "Ada Admin", models.RoleAdmin))
		writer = actorFor(testutil.SeedUser(GinkgoT(), db, "Wren Writer", models.RoleWriter))
		otherWriter = actorFor(testutil.SeedUser(GinkgoT(), db, "Owen Writer", models.RoleWriter))
		typesetter = actorFor(testutil.SeedUser(GinkgoT(), db, "Tess Setter", models.RoleTypesetter, algebra))
		geoSetter = actorFor(testutil.SeedUser(GinkgoT(), db, "Gus Setter", models.RoleTypesetter, geometry))
		both = actorFor(testutil.SeedUser(GinkgoT(), db, "Bo Setter", models.RoleTypesetter, algebra, geometry))
		unassigned = actorFor(testutil.SeedUser(GinkgoT(), db, "Nia Setter", models.RoleTypesetter))
	})

	create := func(a Actor, subject *models.Subject) *models.Question {
		q, err := svc.Create(ctx, a, &CreateQuestionRequest{Text: "Factor x^2 - 1", SubjectID: subject.ID})
		Expect(err).NotTo(HaveOccurred())
		return q
	}

	Describe("Create", func() {
		It("stores a pending question owned by the writer", func() {
			q, err := svc.Create(ctx, writer, &CreateQuestionRequest{
				Text:       "  Factor x^2 - 1  ",
				LatexCode:  `x^2 - 1`,
				Difficulty: "Medium",
				SubjectID:  algebra.ID,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Status).To(Equal(models.StatusPending))
			Expect(q.Text).To(Equal("Factor x^2 - 1"))
			Expect(*q.CreatedBy).To(Equal(writer.ID))
			Expect(*q.Difficulty).To(Equal(models.DifficultyMedium))
			Expect(q.TypesetterID).To(BeNil())
			Expect(q.Subject.Name).To(Equal("Algebra"))
		})

		It("rejects malformed input", func() {
			_, err := svc.Create(ctx, writer, &CreateQuestionRequest{Text: "  ", SubjectID: algebra.ID})
			Expect(err).To(haveKind(KindValidation))

			_, err = svc.Create(ctx, writer, &CreateQuestionRequest{Text: "x", Difficulty: "brutal", SubjectID: algebra.ID})
			Expect(err).To(haveKind(KindValidation))

			_, err = svc.Create(ctx, writer, &CreateQuestionRequest{Text: "x", SubjectID: 9999})
			Expect(err).To(haveKind(KindValidation))
		})

		It("does not let typesetters author questions", func() {
			_, err := svc.Create(ctx, typesetter, &CreateQuestionRequest{Text: "x", SubjectID: algebra.ID})
			Expect(err).To(haveKind(KindForbidden))
		})

		It("uploads attachments and records their urls", func() {
			q, err := svc.Create(ctx, writer, &CreateQuestionRequest{
				Text:      "See figure",
				SubjectID: geometry.ID,
				Photo:     &Upload{Name: "fig.png", ContentType: "image/png", Size: 3, Body: strings.NewReader("png")},
				File:      &Upload{Name: "worked.pdf", ContentType: "application/pdf", Size: 3, Body: strings.NewReader("pdf")},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*q.PhotoURL).To(HaveSuffix("fig.png"))
			Expect(*q.FileName).To(Equal("worked.pdf"))
			Expect(media.count()).To(Equal(2))
		})

		It("refuses a photo that is not an image before storing anything", func() {
			_, err := svc.Create(ctx, writer, &CreateQuestionRequest{
				Text:      "See figure",
				SubjectID: geometry.ID,
				Photo:     &Upload{Name: "fig.txt", ContentType: "text/plain", Size: 3, Body: strings.NewReader("txt")},
			})
			Expect(err).To(haveKind(KindValidation))
			Expect(media.count()).To(BeZero())
		})
	})

	Describe("the typesetting workflow", func() {
		It("claims, completes, sends back and reverts a question", func() {
			q := create(writer, algebra)

			By("a typesetter assigned to the subject claiming it")
			claimed, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Status).To(Equal(models.StatusInTypesetting))
			Expect(*claimed.TypesetterID).To(Equal(typesetter.ID))
			Expect(claimed.TypesettingStartedAt).NotTo(BeNil())

			By("the assigned typesetter completing it")
			done, err := svc.Complete(ctx, typesetter, q.ID, "ok")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Status).To(Equal(models.StatusCompleted))
			Expect(done.TypesettingFinishedAt).NotTo(BeNil())

			full, err := svc.Get(ctx, admin, q.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(full.History).To(HaveLen(1))
			Expect(full.History[0].Status).To(Equal(models.StatusCompleted))
			Expect(*full.History[0].Notes).To(Equal("ok"))
			Expect(*full.History[0].TypesetterID).To(Equal(typesetter.ID))

			By("an admin requesting a revision")
			revised, err := svc.RequestRevision(ctx, admin, q.ID, "fix step 2")
			Expect(err).NotTo(HaveOccurred())
			Expect(revised.Status).To(Equal(models.StatusNeedsRevision))
			Expect(*revised.RevisionNote).To(Equal("fix step 2"))

			notes := sink.sent()
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].UserID).To(Equal(writer.ID))
			Expect(notes[0].Type).To(Equal(models.NotificationRevision))
			Expect(notes[0].Body).To(ContainSubstring(fmt.Sprintf("#%d", q.ID)))
			Expect(notes[0].Body).To(ContainSubstring("fix step 2"))
			Expect(*notes[0].Link).To(Equal(fmt.Sprintf("/questions/%d", q.ID)))

			By("the writer editing the content")
			text := "Factor x^2 - 1 over the integers"
			edited, err := svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{Text: &text})
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.Status).To(Equal(models.StatusPending))
			Expect(edited.Text).To(Equal(text))
			Expect(edited.RevisionNote).To(BeNil())
			Expect(edited.TypesetterID).To(BeNil())

			notes = sink.sent()
			Expect(notes).To(HaveLen(2))
			Expect(notes[1].UserID).To(Equal(typesetter.ID))
			Expect(notes[1].Type).To(Equal(models.NotificationReReview))
			Expect(notes[1].Body).To(ContainSubstring("fix step 2"))
		})

		It("stores an absent revision note as the empty string", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())

			revised, err := svc.RequestRevision(ctx, typesetter, q.ID, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(revised.RevisionNote).NotTo(BeNil())
			Expect(*revised.RevisionNote).To(BeEmpty())

			notes := sink.sent()
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].Body).To(ContainSubstring("no details"))
		})

		It("skips the re-review notice when nobody had claimed the question", func() {
			q := create(writer, algebra)
			_, err := svc.RequestRevision(ctx, admin, q.ID, "typo")
			Expect(err).NotTo(HaveOccurred())

			text := "fixed"
			_, err = svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{Text: &text})
			Expect(err).NotTo(HaveOccurred())
			Expect(sink.sent()).To(HaveLen(1))
		})

		It("keeps the status change when notifications cannot be delivered", func() {
			q := create(writer, algebra)
			sink.err = errors.New("queue down")

			revised, err := svc.RequestRevision(ctx, admin, q.ID, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(revised.Status).To(Equal(models.StatusNeedsRevision))
		})

		It("appends one history entry per completed cycle", func() {
			q := create(writer, algebra)
			for i := 0; i < 2; i++ {
				_, err := svc.Claim(ctx, typesetter, q.ID)
				Expect(err).NotTo(HaveOccurred())
				_, err = svc.Complete(ctx, typesetter, q.ID, fmt.Sprintf("pass %d", i))
				Expect(err).NotTo(HaveOccurred())
				_, err = svc.RequestRevision(ctx, admin, q.ID, "again")
				Expect(err).NotTo(HaveOccurred())
				text := fmt.Sprintf("v%d", i)
				_, err = svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{Text: &text})
				Expect(err).NotTo(HaveOccurred())
			}

			var n int64
			Expect(db.Model(&models.TypesettingHistory{}).Where("question_id = ?", q.ID).Count(&n).Error).To(Succeed())
			Expect(n).To(Equal(int64(2)))
		})
	})

	Describe("Claim", func() {
		It("lets exactly one of many concurrent claimants win", func() {
			q := create(writer, algebra)

			claimants := []Actor{typesetter, both, admin}
			for i := 0; i < 5; i++ {
				u := testutil.SeedUser(GinkgoT(), db, fmt.Sprintf("Extra Setter %d", i), models.RoleTypesetter, algebra)
				claimants = append(claimants, actorFor(u))
			}

			var wg sync.WaitGroup
			errs := make([]error, len(claimants))
			for i, a := range claimants {
				wg.Add(1)
				go func(i int, a Actor) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = svc.Claim(ctx, a, q.ID)
				}(i, a)
			}
			wg.Wait()

			var wins, conflicts int
			var winner Actor
			for i, err := range errs {
				switch {
				case err == nil:
					wins++
					winner = claimants[i]
				case KindOf(err) == KindConflict:
					conflicts++
				default:
					Fail(fmt.Sprintf("unexpected claim error: %v", err))
				}
			}
			Expect(wins).To(Equal(1))
			Expect(conflicts).To(Equal(len(claimants) - 1))

			stored, err := svc.Get(ctx, admin, q.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(models.StatusInTypesetting))
			Expect(*stored.TypesetterID).To(Equal(winner.ID))
		})

		It("fails the same way every time once the question has left pending", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())
			before, _ := svc.Get(ctx, admin, q.ID)

			for _, a := range []Actor{typesetter, both, typesetter} {
				_, err := svc.Claim(ctx, a, q.ID)
				Expect(err).To(haveKind(KindConflict))
			}

			after, _ := svc.Get(ctx, admin, q.ID)
			Expect(after.TypesetterID).To(Equal(before.TypesetterID))
			Expect(after.UpdatedAt).To(BeTemporally("==", before.UpdatedAt))
		})

		It("reports a missing question as not found", func() {
			_, err := svc.Claim(ctx, typesetter, 4242)
			Expect(err).To(haveKind(KindNotFound))
		})
	})

	Describe("authorization", func() {
		It("keeps typesetters out of subjects they are not assigned to", func() {
			q := create(writer, algebra)

			_, err := svc.Get(ctx, geoSetter, q.ID)
			Expect(err).To(haveKind(KindForbidden))
			_, err = svc.Claim(ctx, geoSetter, q.ID)
			Expect(err).To(haveKind(KindForbidden))
			_, err = svc.Claim(ctx, unassigned, q.ID)
			Expect(err).To(haveKind(KindForbidden))

			_, err = svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Complete(ctx, geoSetter, q.ID, "")
			Expect(err).To(haveKind(KindForbidden))
			_, err = svc.RequestRevision(ctx, geoSetter, q.ID, "")
			Expect(err).To(haveKind(KindForbidden))
		})

		It("only lets the assigned typesetter or an admin finish a claim", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Complete(ctx, both, q.ID, "")
			Expect(err).To(haveKind(KindForbidden))
			_, err = svc.RequestRevision(ctx, both, q.ID, "")
			Expect(err).To(haveKind(KindForbidden))

			done, err := svc.Complete(ctx, admin, q.ID, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Status).To(Equal(models.StatusCompleted))

			var entry models.TypesettingHistory
			Expect(db.Where("question_id = ?", q.ID).First(&entry).Error).To(Succeed())
			Expect(*entry.TypesetterID).To(Equal(admin.ID))
		})

		It("limits writers to their own questions and keeps them out of the workflow", func() {
			q := create(writer, algebra)

			_, err := svc.Get(ctx, otherWriter, q.ID)
			Expect(err).To(haveKind(KindForbidden))
			text := "hijack"
			_, err = svc.Update(ctx, otherWriter, q.ID, &UpdateQuestionRequest{Text: &text})
			Expect(err).To(haveKind(KindForbidden))
			Expect(svc.Delete(ctx, otherWriter, q.ID)).To(haveKind(KindForbidden))

			_, err = svc.Claim(ctx, writer, q.ID)
			Expect(err).To(haveKind(KindForbidden))
			_, err = svc.RequestRevision(ctx, writer, q.ID, "")
			Expect(err).To(haveKind(KindForbidden))
		})

		It("stores nothing for an unauthorized edit with attachments", func() {
			q := create(writer, algebra)
			_, err := svc.Update(ctx, otherWriter, q.ID, &UpdateQuestionRequest{
				Photo: &Upload{Name: "x.png", ContentType: "image/png", Size: 1, Body: strings.NewReader("x")},
			})
			Expect(err).To(haveKind(KindForbidden))
			Expect(media.count()).To(BeZero())
		})
	})

	Describe("Update", func() {
		It("refuses edits once typesetting has started", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())

			text := "late change"
			_, err = svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{Text: &text})
			Expect(err).To(haveKind(KindConflict))

			_, err = svc.Complete(ctx, typesetter, q.ID, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Update(ctx, admin, q.ID, &UpdateQuestionRequest{Text: &text})
			Expect(err).To(haveKind(KindConflict))
		})

		It("replaces a photo and releases the old one after commit", func() {
			q, err := svc.Create(ctx, writer, &CreateQuestionRequest{
				Text:      "figure",
				SubjectID: algebra.ID,
				Photo:     &Upload{Name: "a.png", ContentType: "image/png", Size: 1, Body: strings.NewReader("a")},
			})
			Expect(err).NotTo(HaveOccurred())
			var stored models.Question
			Expect(db.First(&stored, q.ID).Error).To(Succeed())
			oldID := *stored.PhotoMediaID

			updated, err := svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{
				Photo: &Upload{Name: "b.png", ContentType: "image/png", Size: 1, Body: strings.NewReader("b")},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*updated.PhotoURL).To(HaveSuffix("b.png"))
			Expect(media.deleted).To(ConsistOf(oldID))
			Expect(media.count()).To(Equal(1))
		})

		It("releases a freshly stored upload when the edit is rejected", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Update(ctx, writer, q.ID, &UpdateQuestionRequest{
				File: &Upload{Name: "late.pdf", ContentType: "application/pdf", Size: 1, Body: strings.NewReader("x")},
			})
			Expect(err).To(haveKind(KindConflict))
			Expect(media.count()).To(BeZero())
			Expect(media.deleted).To(HaveLen(1))
		})
	})

	Describe("SetStatus", func() {
		It("rejects values outside the workflow", func() {
			q := create(writer, algebra)
			_, err := svc.SetStatus(ctx, admin, q.ID, &SetStatusRequest{Status: "archived"})
			Expect(err).To(haveKind(KindValidation))
		})

		It("does not allow setting pending directly", func() {
			q := create(writer, algebra)
			_, err := svc.RequestRevision(ctx, admin, q.ID, "x")
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.SetStatus(ctx, admin, q.ID, &SetStatusRequest{Status: "pending"})
			Expect(err).To(haveKind(KindConflict))
		})

		It("routes to the matching transition", func() {
			q := create(writer, algebra)
			claimed, err := svc.SetStatus(ctx, typesetter, q.ID, &SetStatusRequest{Status: "in-typesetting"})
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Status).To(Equal(models.StatusInTypesetting))

			revised, err := svc.SetStatus(ctx, typesetter, q.ID, &SetStatusRequest{Status: "needs-revision"})
			Expect(err).NotTo(HaveOccurred())
			Expect(*revised.RevisionNote).To(BeEmpty())
		})
	})

	Describe("Delete", func() {
		It("removes the question with its history", func() {
			q := create(writer, algebra)
			_, err := svc.Claim(ctx, typesetter, q.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Complete(ctx, typesetter, q.ID, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(svc.Delete(ctx, writer, q.ID)).To(Succeed())

			var n int64
			Expect(db.Model(&models.TypesettingHistory{}).Where("question_id = ?", q.ID).Count(&n).Error).To(Succeed())
			Expect(n).To(BeZero())
			_, err = svc.Get(ctx, admin, q.ID)
			Expect(err).To(haveKind(KindNotFound))
		})

		It("succeeds even when the media store cannot release attachments", func() {
			q, err := svc.Create(ctx, writer, &CreateQuestionRequest{
				Text:      "figure",
				SubjectID: algebra.ID,
				Photo:     &Upload{Name: "a.png", ContentType: "image/png", Size: 1, Body: strings.NewReader("a")},
			})
			Expect(err).NotTo(HaveOccurred())
			media.failDel = true

			Expect(svc.Delete(ctx, admin, q.ID)).To(Succeed())
			Expect(media.deleted).To(HaveLen(1))
		})

		It("reports a missing question", func() {
			Expect(svc.Delete(ctx, admin, 777)).To(haveKind(KindNotFound))
		})
	})

	Describe("List and Stats", func() {
		BeforeEach(func() {
			a1 := create(writer, algebra)
			create(writer, geometry)
			create(otherWriter, geometry)
			_, err := svc.Claim(ctx, typesetter, a1.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		subjectsOf := func(qs []models.Question) []uint {
			var ids []uint
			for _, q := range qs {
				ids = append(ids, q.SubjectID)
			}
			return ids
		}

		It("scopes results by role", func() {
			all, err := svc.List(ctx, admin, QuestionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))

			own, err := svc.List(ctx, writer, QuestionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(own).To(HaveLen(2))

			geo, err := svc.List(ctx, geoSetter, QuestionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(subjectsOf(geo)).To(ConsistOf(geometry.ID, geometry.ID))

			union, err := svc.List(ctx, both, QuestionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(union).To(HaveLen(3))

			none, err := svc.List(ctx, unassigned, QuestionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeEmpty())
		})

		It("applies filters", func() {
			pending, err := svc.List(ctx, admin, QuestionFilter{Status: "pending"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(2))

			mine, err := svc.List(ctx, admin, QuestionFilter{TypesetterID: typesetter.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(mine).To(HaveLen(1))

			page, err := svc.List(ctx, admin, QuestionFilter{Limit: 1, Offset: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(1))

			other := testutil.SeedTeam(GinkgoT(), db, "Physics")
			byTeam, err := svc.List(ctx, admin, QuestionFilter{TeamID: other.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(byTeam).To(BeEmpty())

			_, err = svc.List(ctx, admin, QuestionFilter{Status: "done"})
			Expect(err).To(haveKind(KindValidation))
		})

		It("combines the team filter with role scope and honours the request context", func() {
			maths, err := svc.List(ctx, geoSetter, QuestionFilter{TeamID: algebra.TeamID, Status: "pending"})
			Expect(err).NotTo(HaveOccurred())
			Expect(subjectsOf(maths)).To(ConsistOf(geometry.ID, geometry.ID))

			cancelled, stop := context.WithCancel(ctx)
			stop()
			_, err = svc.List(cancelled, admin, QuestionFilter{TeamID: algebra.TeamID})
			Expect(err).To(HaveOccurred())
		})

		It("counts questions per status within the actor's scope", func() {
			counts, err := svc.Stats(ctx, admin)
			Expect(err).NotTo(HaveOccurred())
			Expect(*counts).To(Equal(StatusCounts{Total: 3, Pending: 2, InTypesetting: 1}))

			counts, err = svc.Stats(ctx, geoSetter)
			Expect(err).NotTo(HaveOccurred())
			Expect(*counts).To(Equal(StatusCounts{Total: 2, Pending: 2}))
		})

		It("exports the visible questions as a workbook", func() {
			wb, err := svc.Export(ctx, writer, QuestionFilter{Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			rows, err := wb.GetRows("Questions")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))
			Expect(rows[0][0]).To(Equal("ID"))
		})
	})

	It("never persists a status outside the workflow", func() {
		q := create(writer, algebra)
		err := db.Model(&models.Question{}).Where("id = ?", q.ID).Update("status", "archived").Error
		Expect(err).To(HaveOccurred())

		var statuses []string
		Expect(db.Model(&models.Question{}).Distinct("status").Pluck("status", &statuses).Error).To(Succeed())
		Expect(statuses).To(ConsistOf(string(models.StatusPending)))
	})
})

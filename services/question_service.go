package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"questionpool/export"
	"questionpool/metrics"
	"questionpool/models"
	"questionpool/storage"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxPhotoBytes = 5 << 20
	MaxFileBytes  = 10 << 20
	maxListLimit  = 500
)

type QuestionService struct {
	db    *gorm.DB
	media storage.MediaStore
	out   dispatcher
	log   *zap.Logger
	now   func() time.Time
}

func NewQuestionService(db *gorm.DB, media storage.MediaStore, sink NotificationSink, log *zap.Logger) *QuestionService {
	log = log.With(zap.String("service", "QuestionService"))
	return &QuestionService{
		db:    db,
		media: media,
		out:   dispatcher{sink: sink, media: media, log: log},
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upload is a file received with a question.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type CreateQuestionRequest struct {
	Text       string `json:"text" form:"text" binding:"required"`
	LatexCode  string `json:"latex_code" form:"latex_code"`
	Difficulty string `json:"difficulty" form:"difficulty"`
	SubjectID  uint   `json:"subject_id" form:"subject_id" binding:"required"`

	Photo *Upload `json:"-" form:"-"`
	File  *Upload `json:"-" form:"-"`
}

type UpdateQuestionRequest struct {
	Text        *string `json:"text" form:"text"`
	LatexCode   *string `json:"latex_code" form:"latex_code"`
	Difficulty  *string `json:"difficulty" form:"difficulty"`
	SubjectID   *uint   `json:"subject_id" form:"subject_id"`
	RemovePhoto bool    `json:"remove_photo" form:"remove_photo"`
	RemoveFile  bool    `json:"remove_file" form:"remove_file"`

	Photo *Upload `json:"-" form:"-"`
	File  *Upload `json:"-" form:"-"`
}

type SetStatusRequest struct {
	Status       string  `json:"status" binding:"required"`
	RevisionNote *string `json:"revision_note"`
	Notes        string  `json:"notes"`
}

type QuestionFilter struct {
	Status       string `form:"status"`
	SubjectID    uint   `form:"subject_id"`
	TeamID       uint   `form:"team_id"`
	CreatedBy    uint   `form:"created_by"`
	TypesetterID uint   `form:"typesetter_id"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}

type StatusCounts struct {
	Total         int64 `json:"total"`
	Pending       int64 `json:"pending"`
	InTypesetting int64 `json:"in_typesetting"`
	Completed     int64 `json:"completed"`
	NeedsRevision int64 `json:"needs_revision"`
}

func (s *QuestionService) Create(ctx context.Context, a Actor, req *CreateQuestionRequest) (*models.Question, error) {
	if err := Authorize(a, ResourceQuestion, ActionCreate, Target{OwnerID: &a.ID}); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, Validation("question text is required")
	}
	difficulty, err := models.ParseDifficulty(req.Difficulty)
	if err != nil {
		return nil, Validation("%v", err)
	}
	if err := s.requireSubject(ctx, req.SubjectID); err != nil {
		return nil, err
	}
	if err := checkUploads(req.Photo, req.File); err != nil {
		return nil, err
	}

	// Media goes up before the transaction; if the insert fails it is released.
	var undo outbox
	photo, err := s.store(ctx, req.Photo)
	if err != nil {
		return nil, err
	}
	if photo != nil {
		undo.release(&photo.ID)
	}
	file, err := s.store(ctx, req.File)
	if err != nil {
		s.out.flush(ctx, &undo)
		return nil, err
	}
	if file != nil {
		undo.release(&file.ID)
	}

	q := models.Question{
		Text:       text,
		LatexCode:  optional(req.LatexCode),
		Difficulty: difficulty,
		SubjectID:  req.SubjectID,
		CreatedBy:  &a.ID,
		Status:     models.StatusPending,
	}
	if photo != nil {
		q.PhotoURL, q.PhotoMediaID = &photo.URL, &photo.ID
	}
	if file != nil {
		q.FileURL, q.FileMediaID = &file.URL, &file.ID
		name := req.File.Name
		q.FileName = &name
	}

	if err := s.db.WithContext(ctx).Create(&q).Error; err != nil {
		s.out.flush(ctx, &undo)
		return nil, storeErr("question", err)
	}
	s.log.Info("question created", zap.Uint("question_id", q.ID), zap.Uint("actor_id", a.ID))
	return s.reload(ctx, q.ID)
}

func (s *QuestionService) Get(ctx context.Context, a Actor, id uint) (*models.Question, error) {
	var q models.Question
	err := s.db.WithContext(ctx).
		Preload("Subject").
		Preload("Creator").
		Preload("Typesetter").
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("typesetting_history.completed_at DESC, typesetting_history.id DESC")
		}).
		Preload("History.Typesetter").
		First(&q, id).Error
	if err != nil {
		return nil, storeErr("question", err)
	}
	if err := Authorize(a, ResourceQuestion, ActionRead, QuestionTarget(&q)); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *QuestionService) List(ctx context.Context, a Actor, f QuestionFilter) ([]models.Question, error) {
	query, err := s.filtered(s.db.WithContext(ctx).Model(&models.Question{}), a, f)
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		query = query.Limit(min(f.Limit, maxListLimit))
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var questions []models.Question
	err = query.Preload("Subject").
		Order("questions.created_at DESC, questions.id DESC").
		Find(&questions).Error
	if err != nil {
		return nil, storeErr("questions", err)
	}
	return questions, nil
}

func (s *QuestionService) Update(ctx context.Context, a Actor, id uint, req *UpdateQuestionRequest) (*models.Question, error) {
	// Checked again under the transaction; this keeps uploads from
	// unauthorized callers out of the media store.
	current, err := loadQuestion(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(a, ResourceQuestion, ActionEdit, QuestionTarget(current)); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Text != nil {
		text := strings.TrimSpace(*req.Text)
		if text == "" {
			return nil, Validation("question text cannot be empty")
		}
		updates["text"] = text
	}
	if req.LatexCode != nil {
		updates["latex_code"] = optional(*req.LatexCode)
	}
	if req.Difficulty != nil {
		d, err := models.ParseDifficulty(*req.Difficulty)
		if err != nil {
			return nil, Validation("%v", err)
		}
		updates["difficulty"] = d
	}
	if req.SubjectID != nil {
		if err := s.requireSubject(ctx, *req.SubjectID); err != nil {
			return nil, err
		}
		updates["subject_id"] = *req.SubjectID
	}
	if err := checkUploads(req.Photo, req.File); err != nil {
		return nil, err
	}

	var after, undo outbox
	photo, err := s.store(ctx, req.Photo)
	if err != nil {
		return nil, err
	}
	if photo != nil {
		undo.release(&photo.ID)
	}
	file, err := s.store(ctx, req.File)
	if err != nil {
		s.out.flush(ctx, &undo)
		return nil, err
	}
	if file != nil {
		undo.release(&file.ID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := loadQuestion(tx, id)
		if err != nil {
			return err
		}
		if err := Authorize(a, ResourceQuestion, ActionEdit, QuestionTarget(q)); err != nil {
			return err
		}
		if q.Status != models.StatusPending && q.Status != models.StatusNeedsRevision {
			return Conflict("question %d is %s and cannot be edited", id, q.Status)
		}

		switch {
		case photo != nil:
			after.release(q.PhotoMediaID)
			updates["photo_url"], updates["photo_media_id"] = photo.URL, photo.ID
		case req.RemovePhoto:
			after.release(q.PhotoMediaID)
			updates["photo_url"], updates["photo_media_id"] = nil, nil
		}
		switch {
		case file != nil:
			after.release(q.FileMediaID)
			updates["file_url"], updates["file_media_id"], updates["file_name"] = file.URL, file.ID, req.File.Name
		case req.RemoveFile:
			after.release(q.FileMediaID)
			updates["file_url"], updates["file_media_id"], updates["file_name"] = nil, nil, nil
		}

		if q.Status == models.StatusNeedsRevision {
			updates["status"] = models.StatusPending
			updates["revision_note"] = nil
			updates["typesetter_id"] = nil
			updates["typesetting_started_at"] = nil
			updates["typesetting_finished_at"] = nil
			if q.TypesetterID != nil {
				after.notify(reReviewNotification(q))
			}
		}
		updates["updated_at"] = s.now()

		res := tx.Model(&models.Question{}).
			Where("id = ? AND status = ?", id, q.Status).
			Updates(updates)
		if res.Error != nil {
			return storeErr("question", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostUpdate(tx, id, "question was changed by someone else")
		}
		return nil
	})
	if err != nil {
		s.out.flush(ctx, &undo)
		return nil, err
	}
	s.out.flush(ctx, &after)
	return s.reload(ctx, id)
}

func (s *QuestionService) Delete(ctx context.Context, a Actor, id uint) error {
	var after outbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := loadQuestion(tx, id)
		if err != nil {
			return err
		}
		if err := Authorize(a, ResourceQuestion, ActionDelete, QuestionTarget(q)); err != nil {
			return err
		}
		if err := tx.Where("question_id = ?", id).Delete(&models.TypesettingHistory{}).Error; err != nil {
			return storeErr("typesetting history", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.Question{})
		if res.Error != nil {
			return storeErr("question", res.Error)
		}
		if res.RowsAffected == 0 {
			return NotFound("question")
		}
		after.release(q.PhotoMediaID)
		after.release(q.FileMediaID)
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("question deleted", zap.Uint("question_id", id), zap.Uint("actor_id", a.ID))
	s.out.flush(ctx, &after)
	return nil
}

// Claim moves a pending question into typesetting for the actor. Exactly one
// of any number of concurrent claimants succeeds.
func (s *QuestionService) Claim(ctx context.Context, a Actor, id uint) (*models.Question, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := loadQuestion(tx, id)
		if err != nil {
			return err
		}
		if err := Authorize(a, ResourceQuestion, ActionClaim, QuestionTarget(q)); err != nil {
			return err
		}
		if q.Status != models.StatusPending {
			return Conflict("question %d is %s and cannot be claimed", id, q.Status)
		}

		now := s.now()
		res := tx.Model(&models.Question{}).
			Where("id = ? AND status = ?", id, models.StatusPending).
			Updates(map[string]interface{}{
				"status":                  models.StatusInTypesetting,
				"typesetter_id":           a.ID,
				"typesetting_started_at":  now,
				"typesetting_finished_at": nil,
				"updated_at":              now,
			})
		if res.Error != nil {
			return storeErr("question", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostUpdate(tx, id, "question was already claimed")
		}
		return nil
	})
	metrics.ObserveTransition(string(models.StatusInTypesetting), outcome(err))
	if err != nil {
		return nil, err
	}
	s.log.Info("question claimed", zap.Uint("question_id", id), zap.Uint("actor_id", a.ID))
	return s.reload(ctx, id)
}

// Complete finishes typesetting and appends a history entry in the same
// transaction.
func (s *QuestionService) Complete(ctx context.Context, a Actor, id uint, notes string) (*models.Question, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := loadQuestion(tx, id)
		if err != nil {
			return err
		}
		if err := Authorize(a, ResourceQuestion, ActionComplete, QuestionTarget(q)); err != nil {
			return err
		}
		if q.Status != models.StatusInTypesetting {
			return Conflict("question %d is %s and cannot be completed", id, q.Status)
		}

		now := s.now()
		cond := tx.Model(&models.Question{}).Where("id = ? AND status = ?", id, models.StatusInTypesetting)
		if !a.IsAdmin() {
			cond = cond.Where("typesetter_id = ?", a.ID)
		}
		res := cond.Updates(map[string]interface{}{
			"status":                  models.StatusCompleted,
			"revision_note":           nil,
			"typesetting_finished_at": now,
			"updated_at":              now,
		})
		if res.Error != nil {
			return storeErr("question", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostUpdate(tx, id, "question is no longer in typesetting for this user")
		}

		entry := models.TypesettingHistory{
			QuestionID:   id,
			TypesetterID: &a.ID,
			Status:       models.StatusCompleted,
			Notes:        optional(notes),
			CompletedAt:  now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return storeErr("typesetting history", err)
		}
		return nil
	})
	metrics.ObserveTransition(string(models.StatusCompleted), outcome(err))
	if err != nil {
		return nil, err
	}
	s.log.Info("question completed", zap.Uint("question_id", id), zap.Uint("actor_id", a.ID))
	return s.reload(ctx, id)
}

// RequestRevision sends a question back to its writer with a note. An absent
// note is stored as the empty string.
func (s *QuestionService) RequestRevision(ctx context.Context, a Actor, id uint, note string) (*models.Question, error) {
	var after outbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := loadQuestion(tx, id)
		if err != nil {
			return err
		}
		if err := Authorize(a, ResourceQuestion, ActionRevise, QuestionTarget(q)); err != nil {
			return err
		}

		res := tx.Model(&models.Question{}).
			Where("id = ? AND status = ?", id, q.Status).
			Updates(map[string]interface{}{
				"status":        models.StatusNeedsRevision,
				"revision_note": note,
				"updated_at":    s.now(),
			})
		if res.Error != nil {
			return storeErr("question", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostUpdate(tx, id, "question was changed by someone else")
		}
		if q.CreatedBy != nil {
			after.notify(revisionNotification(q, note))
		}
		return nil
	})
	metrics.ObserveTransition(string(models.StatusNeedsRevision), outcome(err))
	if err != nil {
		return nil, err
	}
	s.out.flush(ctx, &after)
	return s.reload(ctx, id)
}

// SetStatus routes a requested target status to its transition.
func (s *QuestionService) SetStatus(ctx context.Context, a Actor, id uint, req *SetStatusRequest) (*models.Question, error) {
	to, err := models.ParseQuestionStatus(req.Status)
	if err != nil {
		return nil, Validation("%v", err)
	}
	switch to {
	case models.StatusInTypesetting:
		return s.Claim(ctx, a, id)
	case models.StatusCompleted:
		return s.Complete(ctx, a, id, req.Notes)
	case models.StatusNeedsRevision:
		note := ""
		if req.RevisionNote != nil {
			note = *req.RevisionNote
		}
		return s.RequestRevision(ctx, a, id, note)
	default:
		return nil, Conflict("a question returns to %s only by editing its content", to)
	}
}

func (s *QuestionService) Stats(ctx context.Context, a Actor) (*StatusCounts, error) {
	var rows []struct {
		Status models.QuestionStatus
		Count  int64
	}
	query, err := s.filtered(s.db.WithContext(ctx).Model(&models.Question{}), a, QuestionFilter{})
	if err != nil {
		return nil, err
	}
	if err := query.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, storeErr("question stats", err)
	}

	counts := &StatusCounts{}
	for _, r := range rows {
		counts.Total += r.Count
		switch r.Status {
		case models.StatusPending:
			counts.Pending = r.Count
		case models.StatusInTypesetting:
			counts.InTypesetting = r.Count
		case models.StatusCompleted:
			counts.Completed = r.Count
		case models.StatusNeedsRevision:
			counts.NeedsRevision = r.Count
		}
	}
	return counts, nil
}

// Export renders the questions visible to the actor as a workbook.
func (s *QuestionService) Export(ctx context.Context, a Actor, f QuestionFilter) (*excelize.File, error) {
	f.Limit, f.Offset = 0, 0
	questions, err := s.List(ctx, a, f)
	if err != nil {
		return nil, err
	}
	wb, err := export.QuestionsWorkbook(questions)
	if err != nil {
		return nil, Internal("build export", err)
	}
	return wb, nil
}

// filtered applies role visibility and the request filters.
func (s *QuestionService) filtered(db *gorm.DB, a Actor, f QuestionFilter) (*gorm.DB, error) {
	switch a.Role {
	case models.RoleAdmin:
	case models.RoleWriter:
		db = db.Where("questions.created_by = ?", a.ID)
	case models.RoleTypesetter:
		if len(a.SubjectIDs) == 0 {
			return db.Where("1 = 0"), nil
		}
		db = db.Where("questions.subject_id IN ?", a.SubjectIDs)
	default:
		return nil, Forbidden("unknown role")
	}

	if f.Status != "" {
		st, err := models.ParseQuestionStatus(f.Status)
		if err != nil {
			return nil, Validation("%v", err)
		}
		db = db.Where("questions.status = ?", st)
	}
	if f.SubjectID != 0 {
		db = db.Where("questions.subject_id = ?", f.SubjectID)
	}
	if f.TeamID != 0 {
		teamSubjects := db.Session(&gorm.Session{NewDB: true}).
			Model(&models.Subject{}).Select("id").Where("team_id = ?", f.TeamID)
		db = db.Where("questions.subject_id IN (?)", teamSubjects)
	}
	if f.CreatedBy != 0 {
		db = db.Where("questions.created_by = ?", f.CreatedBy)
	}
	if f.TypesetterID != 0 {
		db = db.Where("questions.typesetter_id = ?", f.TypesetterID)
	}
	return db, nil
}

func (s *QuestionService) requireSubject(ctx context.Context, id uint) error {
	if id == 0 {
		return Validation("subject_id is required")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Subject{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return storeErr("subject", err)
	}
	if n == 0 {
		return Validation("subject %d does not exist", id)
	}
	return nil
}

func (s *QuestionService) store(ctx context.Context, u *Upload) (*storage.Media, error) {
	if u == nil {
		return nil, nil
	}
	if s.media == nil {
		return nil, Validation("file uploads are not enabled")
	}
	m, err := s.media.Store(ctx, u.Name, u.ContentType, u.Body)
	if err != nil {
		return nil, Internal("store media", err)
	}
	return m, nil
}

func (s *QuestionService) reload(ctx context.Context, id uint) (*models.Question, error) {
	var q models.Question
	if err := s.db.WithContext(ctx).Preload("Subject").First(&q, id).Error; err != nil {
		return nil, storeErr("question", err)
	}
	return &q, nil
}

func checkUploads(photo, file *Upload) error {
	if photo != nil {
		if !strings.HasPrefix(photo.ContentType, "image/") {
			return Validation("photo must be an image")
		}
		if photo.Size > MaxPhotoBytes {
			return Validation("photo exceeds %d MB", MaxPhotoBytes>>20)
		}
	}
	if file != nil && file.Size > MaxFileBytes {
		return Validation("file exceeds %d MB", MaxFileBytes>>20)
	}
	return nil
}

func loadQuestion(tx *gorm.DB, id uint) (*models.Question, error) {
	var q models.Question
	if err := tx.First(&q, id).Error; err != nil {
		return nil, storeErr("question", err)
	}
	return &q, nil
}

// lostUpdate explains a conditional update that matched no row.
func lostUpdate(tx *gorm.DB, id uint, msg string) error {
	var n int64
	if err := tx.Model(&models.Question{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return storeErr("question", err)
	}
	if n == 0 {
		return NotFound("question")
	}
	return Conflict("%s", msg)
}

func revisionNotification(q *models.Question, note string) NotificationRequest {
	detail := note
	if strings.TrimSpace(detail) == "" {
		detail = "no details"
	}
	return NotificationRequest{
		UserID: *q.CreatedBy,
		Title:  "Revision requested",
		Body:   fmt.Sprintf("Revision requested for question #%d: %s", q.ID, detail),
		Type:   models.NotificationRevision,
		Link:   questionLink(q.ID),
	}
}

func reReviewNotification(q *models.Question) NotificationRequest {
	body := fmt.Sprintf("Question #%d was revised and is pending again.", q.ID)
	if q.RevisionNote != nil && *q.RevisionNote != "" {
		body += fmt.Sprintf(" Requested change: %s", *q.RevisionNote)
	}
	return NotificationRequest{
		UserID: *q.TypesetterID,
		Title:  "Ready for re-review",
		Body:   body,
		Type:   models.NotificationReReview,
		Link:   questionLink(q.ID),
	}
}

func questionLink(id uint) *string {
	link := fmt.Sprintf("/questions/%d", id)
	return &link
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}

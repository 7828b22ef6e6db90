package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"questionpool/export"
	"questionpool/services"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

type QuestionHandler struct {
	questionService *services.QuestionService
}

func NewQuestionHandler(questionService *services.QuestionService) *QuestionHandler {
	return &QuestionHandler{
		questionService: questionService,
	}
}

type completeRequest struct {
	Notes string `json:"notes"`
}

type revisionRequest struct {
	Note string `json:"note"`
}

func (h *QuestionHandler) ListQuestions(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var filter services.QuestionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err.Error())
		return
	}

	questions, err := h.questionService.List(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, questions)
}

func (h *QuestionHandler) CreateQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var req services.CreateQuestionRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	closeUploads, ok := attachUploads(c, &req.Photo, &req.File)
	if !ok {
		return
	}
	defer closeUploads()

	question, err := h.questionService.Create(c.Request.Context(), actor, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, question)
}

func (h *QuestionHandler) GetQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	question, err := h.questionService.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) UpdateQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	var req services.UpdateQuestionRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	closeUploads, ok := attachUploads(c, &req.Photo, &req.File)
	if !ok {
		return
	}
	defer closeUploads()

	question, err := h.questionService.Update(c.Request.Context(), actor, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) DeleteQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	if err := h.questionService.Delete(c.Request.Context(), actor, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Question deleted successfully"})
}

func (h *QuestionHandler) ClaimQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	question, err := h.questionService.Claim(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) CompleteQuestion(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	var req completeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	question, err := h.questionService.Complete(c.Request.Context(), actor, id, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) RequestRevision(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	var req revisionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	question, err := h.questionService.RequestRevision(c.Request.Context(), actor, id, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) SetStatus(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "question")
	if !ok {
		return
	}

	var req services.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	question, err := h.questionService.SetStatus(c.Request.Context(), actor, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

func (h *QuestionHandler) GetStats(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	stats, err := h.questionService.Stats(c.Request.Context(), actor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *QuestionHandler) ExportQuestions(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var filter services.QuestionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err.Error())
		return
	}

	wb, err := h.questionService.Export(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	defer wb.Close()

	c.Header("Content-Disposition", `attachment; filename="`+export.Filename(time.Now())+`"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Status(http.StatusOK)
	if err := wb.Write(c.Writer); err != nil {
		_ = c.Error(err)
	}
}

// attachUploads fills photo and file from a multipart request. The returned
// func closes whatever was opened.
func attachUploads(c *gin.Context, photo, file **services.Upload) (func(), bool) {
	var closers []io.Closer
	closeAll := func() {
		for _, cl := range closers {
			cl.Close()
		}
	}
	if c.ContentType() != binding.MIMEMultipartPOSTForm {
		return closeAll, true
	}

	for field, dst := range map[string]**services.Upload{"photo": photo, "file": file} {
		fh, err := c.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			closeAll()
			badRequest(c, "Invalid "+field+" upload")
			return nil, false
		}
		f, err := fh.Open()
		if err != nil {
			closeAll()
			badRequest(c, "Invalid "+field+" upload")
			return nil, false
		}
		closers = append(closers, f)
		*dst = &services.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		}
	}
	return closeAll, true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return false
	}
	return true
}

package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"questionpool/handlers"
	"questionpool/models"
	"questionpool/services"
	"questionpool/storage"
	"questionpool/testutil"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var _ = Describe("API", func() {
	var (
		db        *gorm.DB
		router    *gin.Engine
		auth      *services.AuthService
		uploadDir string
		algebra   *models.Subject
		tokens    map[string]string
		users     map[string]*models.User
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		db = testutil.NewDB(GinkgoT())
		log := zap.NewNop()

		uploadDir = GinkgoT().TempDir()
		media, err := storage.NewLocalStore(uploadDir, "/uploads")
		Expect(err).NotTo(HaveOccurred())

		hub := services.NewHub(log)
		auth = services.NewAuthService(db, "routes-secret", time.Hour, log)
		notifications := services.NewNotificationService(db, hub, log)
		questions := services.NewQuestionService(db, media, notifications, log)

		router = gin.New()
		SetupRoutes(router, Handlers{
			Auth:          handlers.NewAuthHandler(auth),
			Users:         handlers.NewUserHandler(services.NewUserService(db, log)),
			Teams:         handlers.NewTeamHandler(services.NewTeamService(db, log), services.NewSubjectService(db, log)),
			Questions:     handlers.NewQuestionHandler(questions),
			Notifications: handlers.NewNotificationHandler(notifications),
			Messages:      handlers.NewMessageHandler(services.NewMessageService(db, notifications, log)),
		}, Options{Resolver: auth, UploadDir: uploadDir, Log: log})

		team := testutil.SeedTeam(GinkgoT(), db, "Mathematics")
		algebra = testutil.SeedSubject(GinkgoT(), db, team, "Algebra")
		geometry := testutil.SeedSubject(GinkgoT(), db, team, "Geometry")

		users = map[string]*models.User{
			"admin":     testutil.SeedUser(GinkgoT(), db, "Ada Admin", models.RoleAdmin),
			"writer":    testutil.SeedUser(GinkgoT(), db, "Wren Writer", models.RoleWriter),
			"setter":    testutil.SeedUser(GinkgoT(), db, "Tess Setter", models.RoleTypesetter, algebra),
			"geoSetter": testutil.SeedUser(GinkgoT(), db, "Gil Setter", models.RoleTypesetter, geometry),
		}
		tokens = map[string]string{}
		for name, u := range users {
			tokens[name], err = auth.IssueToken(u)
			Expect(err).NotTo(HaveOccurred())
		}
	})

	do := func(method, path, who string, body any) *httptest.ResponseRecorder {
		var r io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			r = bytes.NewReader(raw)
		}
		req := httptest.NewRequest(method, path, r)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if who != "" {
			req.Header.Set("Authorization", "Bearer "+tokens[who])
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	envelope := func(w *httptest.ResponseRecorder) (string, string) {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		return body.Code, body.Error
	}

	decode := func(w *httptest.ResponseRecorder, into any) {
		Expect(json.Unmarshal(w.Body.Bytes(), into)).To(Succeed(), w.Body.String())
	}

	createQuestion := func() uint {
		w := do(http.MethodPost, "/api/questions", "writer", gin.H{"text": "Solve x^2 = 4", "subject_id": algebra.ID, "difficulty": "easy"})
		Expect(w.Code).To(Equal(http.StatusCreated), w.Body.String())
		var q models.Question
		decode(w, &q)
		return q.ID
	}

	It("serves health and metrics without a token", func() {
		Expect(do(http.MethodGet, "/health", "", nil).Code).To(Equal(http.StatusOK))
		w := do(http.MethodGet, "/metrics", "", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("questionpool_notification_failures_total"))
	})

	It("requires a token on protected routes", func() {
		w := do(http.MethodGet, "/api/questions", "", nil)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		code, _ := envelope(w)
		Expect(code).To(Equal("unauthenticated"))
	})

	It("returns the caller's profile with the subject set", func() {
		w := do(http.MethodGet, "/api/auth/me", "setter", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		var u models.User
		decode(w, &u)
		Expect(u.SubjectIDs).To(Equal([]uint{algebra.ID}))
	})

	It("runs a question through claim, revision and completion", func() {
		id := createQuestion()
		path := fmt.Sprintf("/api/questions/%d", id)

		w := do(http.MethodPost, path+"/claim", "setter", nil)
		Expect(w.Code).To(Equal(http.StatusOK), w.Body.String())

		w = do(http.MethodPost, path+"/claim", "setter", nil)
		Expect(w.Code).To(Equal(http.StatusConflict))
		code, _ := envelope(w)
		Expect(code).To(Equal("conflict"))

		w = do(http.MethodPost, path+"/revision", "setter", gin.H{"note": "unclear diagram"})
		Expect(w.Code).To(Equal(http.StatusOK), w.Body.String())
		var q models.Question
		decode(w, &q)
		Expect(q.Status).To(Equal(models.StatusNeedsRevision))

		w = do(http.MethodGet, "/api/notifications/unread-count", "writer", nil)
		Expect(w.Body.String()).To(MatchJSON(`{"count": 1}`))

		w = do(http.MethodPut, path, "writer", gin.H{"text": "Solve x^2 = 9"})
		Expect(w.Code).To(Equal(http.StatusOK), w.Body.String())
		decode(w, &q)
		Expect(q.Status).To(Equal(models.StatusPending))

		w = do(http.MethodPut, path+"/status", "setter", gin.H{"status": "in-typesetting"})
		Expect(w.Code).To(Equal(http.StatusOK), w.Body.String())

		w = do(http.MethodPost, path+"/complete", "setter", nil)
		Expect(w.Code).To(Equal(http.StatusOK), w.Body.String())
		decode(w, &q)
		Expect(q.Status).To(Equal(models.StatusCompleted))

		w = do(http.MethodGet, "/api/questions/stats", "admin", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		var stats services.StatusCounts
		decode(w, &stats)
		Expect(stats.Completed).To(Equal(int64(1)))
	})

	It("maps service errors onto status codes", func() {
		id := createQuestion()
		path := fmt.Sprintf("/api/questions/%d", id)

		w := do(http.MethodPost, path+"/claim", "geoSetter", nil)
		Expect(w.Code).To(Equal(http.StatusForbidden))
		code, msg := envelope(w)
		Expect(code).To(Equal("forbidden"))
		Expect(msg).NotTo(BeEmpty())

		w = do(http.MethodPut, path+"/status", "admin", gin.H{"status": "archived"})
		Expect(w.Code).To(Equal(http.StatusBadRequest))
		code, _ = envelope(w)
		Expect(code).To(Equal("validation_failed"))

		Expect(do(http.MethodPut, path+"/status", "admin", gin.H{}).Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodGet, "/api/questions/abc", "admin", nil).Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodGet, "/api/questions/0", "admin", nil).Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodGet, "/api/questions/9999", "admin", nil).Code).To(Equal(http.StatusNotFound))
		Expect(do(http.MethodPost, "/api/questions", "setter", gin.H{"text": "x", "subject_id": algebra.ID}).Code).To(Equal(http.StatusForbidden))
	})

	It("accepts multipart uploads and serves them locally", func() {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		Expect(mw.WriteField("text", "See the figure")).To(Succeed())
		Expect(mw.WriteField("subject_id", fmt.Sprint(algebra.ID))).To(Succeed())
		part, err := mw.CreatePart(map[string][]string{
			"Content-Disposition": {`form-data; name="photo"; filename="figure.png"`},
			"Content-Type":        {"image/png"},
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("\x89PNG fake"))
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.Close()).To(Succeed())

		req := httptest.NewRequest(http.MethodPost, "/api/questions", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+tokens["writer"])
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusCreated), w.Body.String())

		var q models.Question
		decode(w, &q)
		Expect(q.PhotoURL).NotTo(BeNil())
		Expect(*q.PhotoURL).To(HavePrefix("/uploads/"))

		entries, err := os.ReadDir(uploadDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(filepath.Ext(entries[0].Name())).To(Equal(".png"))

		served := do(http.MethodGet, *q.PhotoURL, "", nil)
		Expect(served.Code).To(Equal(http.StatusOK))
		Expect(served.Body.String()).To(Equal("\x89PNG fake"))
	})

	It("exports the visible questions as a workbook", func() {
		createQuestion()
		w := do(http.MethodGet, "/api/questions/export?status=pending", "admin", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Disposition")).To(MatchRegexp(`attachment; filename="questions-\d{8}-\d{6}\.xlsx"`))
		Expect(strings.HasPrefix(w.Body.String(), "PK")).To(BeTrue())
	})

	It("sends direct messages and reports unread counts", func() {
		w := do(http.MethodPost, "/api/messages", "writer", gin.H{"recipient_id": users["setter"].ID, "body": "ping"})
		Expect(w.Code).To(Equal(http.StatusCreated), w.Body.String())

		w = do(http.MethodGet, "/api/messages/unread-count", "setter", nil)
		Expect(w.Body.String()).To(MatchJSON(`{"count": 1}`))

		w = do(http.MethodGet, fmt.Sprintf("/api/messages/conversations/%d", users["writer"].ID), "setter", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = do(http.MethodGet, "/api/messages/unread-count", "setter", nil)
		Expect(w.Body.String()).To(MatchJSON(`{"count": 0}`))
	})

	It("limits broadcasts to admins", func() {
		Expect(do(http.MethodPost, "/api/notifications/broadcast", "writer", gin.H{"title": "Hi", "body": "all"}).Code).
			To(Equal(http.StatusForbidden))

		w := do(http.MethodPost, "/api/notifications/broadcast", "admin", gin.H{"title": "Maintenance", "body": "Tonight at 10"})
		Expect(w.Code).To(Equal(http.StatusCreated), w.Body.String())
		Expect(w.Body.String()).To(MatchJSON(`{"recipients": 3}`))
	})
})

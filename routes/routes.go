package routes

import (
	"net/http"

	"questionpool/handlers"
	"questionpool/metrics"
	"questionpool/middleware"
	"questionpool/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers groups everything SetupRoutes mounts.
type Handlers struct {
	Auth          *handlers.AuthHandler
	Users         *handlers.UserHandler
	Teams         *handlers.TeamHandler
	Questions     *handlers.QuestionHandler
	Notifications *handlers.NotificationHandler
	Messages      *handlers.MessageHandler
}

// Options carries the non-handler dependencies of the router.
type Options struct {
	Resolver       middleware.TokenResolver
	Hub            *services.Hub
	AllowedOrigins []string
	// UploadDir is served under /uploads when media is stored locally.
	UploadDir string
	Log       *zap.Logger
}

func SetupRoutes(router *gin.Engine, h Handlers, opts Options) {
	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.Auth.Register)
			auth.POST("/login", h.Auth.Login)
		}

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware(opts.Resolver))
		{
			protected.GET("/auth/me", h.Auth.GetProfile)

			users := protected.Group("/users")
			{
				users.GET("", h.Users.ListUsers)
				users.POST("", h.Users.CreateUser)
				users.GET("/:id", h.Users.GetUser)
				users.PUT("/:id", h.Users.UpdateUser)
				users.DELETE("/:id", h.Users.DeleteUser)
				users.PUT("/:id/subjects", h.Users.SetSubjects)
			}

			teams := protected.Group("/teams")
			{
				teams.GET("", h.Teams.ListTeams)
				teams.POST("", h.Teams.CreateTeam)
				teams.GET("/:id", h.Teams.GetTeam)
				teams.PUT("/:id", h.Teams.UpdateTeam)
				teams.DELETE("/:id", h.Teams.DeleteTeam)
			}

			subjects := protected.Group("/subjects")
			{
				subjects.GET("", h.Teams.ListSubjects)
				subjects.POST("", h.Teams.CreateSubject)
				subjects.GET("/:id", h.Teams.GetSubject)
				subjects.PUT("/:id", h.Teams.UpdateSubject)
				subjects.DELETE("/:id", h.Teams.DeleteSubject)
			}

			questions := protected.Group("/questions")
			{
				questions.GET("", h.Questions.ListQuestions)
				questions.POST("", h.Questions.CreateQuestion)
				questions.GET("/stats", h.Questions.GetStats)
				questions.GET("/export", h.Questions.ExportQuestions)
				questions.GET("/:id", h.Questions.GetQuestion)
				questions.PUT("/:id", h.Questions.UpdateQuestion)
				questions.DELETE("/:id", h.Questions.DeleteQuestion)
				questions.POST("/:id/claim", h.Questions.ClaimQuestion)
				questions.POST("/:id/complete", h.Questions.CompleteQuestion)
				questions.POST("/:id/revision", h.Questions.RequestRevision)
				questions.PUT("/:id/status", h.Questions.SetStatus)
			}

			notifications := protected.Group("/notifications")
			{
				notifications.GET("", h.Notifications.ListNotifications)
				notifications.GET("/unread-count", h.Notifications.UnreadCount)
				notifications.PUT("/read-all", h.Notifications.MarkAllRead)
				notifications.PUT("/:id/read", h.Notifications.MarkRead)
				notifications.POST("/broadcast", h.Notifications.Broadcast)
			}

			messages := protected.Group("/messages")
			{
				messages.GET("/contacts", h.Messages.Contacts)
				messages.GET("/conversations", h.Messages.Conversations)
				messages.GET("/conversations/:userId", h.Messages.Conversation)
				messages.GET("/unread-count", h.Messages.UnreadCount)
				messages.POST("", h.Messages.Send)
				messages.DELETE("/:id", h.Messages.Delete)
			}
		}
	}

	if opts.Hub != nil {
		ws := router.Group("/ws")
		ws.Use(middleware.AuthMiddleware(opts.Resolver))
		ws.GET("/notifications", notificationSocket(opts))
	}

	if opts.UploadDir != "" {
		router.Static("/uploads", opts.UploadDir)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

func notificationSocket(opts Options) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: originChecker(opts.AllowedOrigins),
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		actor, ok := middleware.ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "code": services.KindUnauthenticated})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the error response.
			log.Warn("websocket upgrade failed", zap.Uint("user_id", actor.ID), zap.Error(err))
			return
		}

		client := opts.Hub.RegisterClient(conn, actor.ID)
		log.Debug("websocket connected", zap.Uint("user_id", actor.ID), zap.String("client_id", client.ID()))
	}
}

// originChecker accepts same-origin requests, requests without an Origin
// header, and the configured frontend origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

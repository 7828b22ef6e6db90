package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"questionpool/config"
	"questionpool/handlers"
	"questionpool/logger"
	"questionpool/middleware"
	"questionpool/models"
	"questionpool/observability"
	"questionpool/routes"
	"questionpool/services"
	"questionpool/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer func() { _ = zlog.Sync() }()

	flushSentry, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, cfg.Release)
	if err != nil {
		zlog.Warn("sentry disabled", zap.Error(err))
	} else {
		defer flushSentry()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		zlog.Fatal("Failed to migrate database", zap.Error(err))
	}

	media, uploadDir, closeMedia, err := initMedia(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialise media storage", zap.Error(err))
	}
	defer closeMedia()

	hub := services.NewHub(zlog)
	go hub.Run(ctx)

	var publisher services.Publisher = hub
	if rdb := config.InitRedis(cfg); rdb != nil {
		defer rdb.Close()
		bus := services.NewRedisBus(rdb, cfg.RedisChannel, zlog)
		deliver := func(n *models.Notification) { _ = hub.Publish(ctx, n) }
		if err := bus.StartForwarder(ctx, deliver); err != nil {
			zlog.Warn("redis unavailable, notifications stay local", zap.Error(err))
		} else {
			publisher = bus
		}
	}

	authService := services.NewAuthService(db, cfg.JWTSecret, cfg.JWTTTL, zlog)
	userService := services.NewUserService(db, zlog)
	teamService := services.NewTeamService(db, zlog)
	subjectService := services.NewSubjectService(db, zlog)
	notificationService := services.NewNotificationService(db, publisher, zlog)
	questionService := services.NewQuestionService(db, media, notificationService, zlog)
	messageService := services.NewMessageService(db, notificationService, zlog)

	if cfg.AdminEmail != "" {
		if err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName); err != nil {
			zlog.Fatal("Failed to seed admin account", zap.Error(err))
		}
	}

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(zlog),
		middleware.Recovery(zlog),
		middleware.CORS(cfg.FrontendURL),
	)

	routes.SetupRoutes(router, routes.Handlers{
		Auth:          handlers.NewAuthHandler(authService),
		Users:         handlers.NewUserHandler(userService),
		Teams:         handlers.NewTeamHandler(teamService, subjectService),
		Questions:     handlers.NewQuestionHandler(questionService),
		Notifications: handlers.NewNotificationHandler(notificationService),
		Messages:      handlers.NewMessageHandler(messageService),
	}, routes.Options{
		Resolver:       authService,
		Hub:            hub,
		AllowedOrigins: cfg.FrontendURL,
		UploadDir:      uploadDir,
		Log:            zlog,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		zlog.Info("Server starting", zap.String("addr", server.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server shutdown failed", zap.Error(err))
	}
}

// initMedia picks the bucket store when one is configured and falls back to
// the local upload directory. The returned directory is empty for GCS.
func initMedia(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (storage.MediaStore, string, func(), error) {
	if cfg.GCSBucket != "" {
		store, err := storage.NewGCSStore(ctx, zlog, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			PublicBaseURL:   cfg.GCSPublicBaseURL,
			CredentialsFile: cfg.GCSCredentials,
			Prefix:          "questions",
		})
		if err != nil {
			return nil, "", nil, err
		}
		return store, "", func() { _ = store.Close() }, nil
	}

	store, err := storage.NewLocalStore(cfg.UploadDir, cfg.PublicBaseURL+"/uploads")
	if err != nil {
		return nil, "", nil, err
	}
	zlog.Info("Storing media locally", zap.String("dir", store.Dir()))
	return store, store.Dir(), func() {}, nil
}

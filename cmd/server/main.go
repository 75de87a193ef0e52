package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/Baaaki/bazaar-inbox/internal/cache"
	"github.com/Baaaki/bazaar-inbox/internal/config"
	"github.com/Baaaki/bazaar-inbox/internal/database"
	"github.com/Baaaki/bazaar-inbox/internal/handler"
	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/middleware"
	"github.com/Baaaki/bazaar-inbox/internal/outbox"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(!cfg.IsProduction()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	database.Connect(cfg)
	database.Migrate()

	journal, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		logger.Log.Fatal("Failed to open outbox", zap.String("path", cfg.OutboxPath), zap.Error(err))
	}
	defer journal.Close()

	redisClient, err := broker.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := broker.NewRedisChangeFeed(redisClient, journal)
	defer feed.Close()
	feed.StartRedelivery(ctx, cfg.OutboxRedeliverInterval)

	// Repositories
	userRepo := repository.NewUserRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB, feed)
	messageRepo := repository.NewMessageRepository(database.DB, feed)

	// Attachments
	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	pipeline := media.NewPipeline(
		media.NewLocalStore(cfg.MediaRoot, cfg.MediaBaseURL),
		media.NewRasterCompressor(),
		ffmpeg,
		ffmpeg,
		media.DefaultLimits,
	)

	// Services
	profiles := service.NewProfileResolver(userRepo, cache.NewProfileCache(redisClient, cfg.ProfileCacheTTL))
	guard := service.NewAccessGuard(conversationRepo)
	directory := service.NewDirectory(conversationRepo, messageRepo, profiles, cfg.DirectoryConcurrency)
	timeline := service.NewTimeline(guard, messageRepo, profiles)
	messageService := service.NewMessageService(guard, conversationRepo, messageRepo, userRepo, pipeline)
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiry)
	moderationService := service.NewModerationService(conversationRepo, userRepo, profiles)

	wsHandler := handler.NewWebSocketHandler(service.Inbox{
		Guard:     guard,
		Directory: directory,
		Timeline:  timeline,
		Messages:  messageService,
		Feed:      feed,
	}, authService, cfg.CORSAllowedOrigins)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.HSTSMiddleware(cfg.IsProduction()))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.MaxMultipartMemory = 32 << 20

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.Static("/media", cfg.MediaRoot)

	limiter := middleware.NewRateLimiter(redisClient, middleware.RateLimiterConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		Prefix:      "api",
	})
	handler.RegisterRoutes(router, handler.Handlers{
		Auth:      handler.NewAuthHandler(authService, cfg.IsProduction()),
		Inbox:     handler.NewInboxHandler(directory, timeline, messageService),
		Admin:     handler.NewAdminHandler(moderationService),
		WebSocket: wsHandler,
	}, cfg.JWTSecret, limiter)

	srv := &http.Server{
		Addr:              cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Log.Info("Server starting",
			zap.String("addr", cfg.ServerPort),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down server")

	wsHandler.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Log.Info("Server exited")
}

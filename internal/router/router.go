package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/internal/handlers"
	"github.com/anonto42/nano-social/backend/internal/middleware"
	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// Dependencies are the shared pieces built in main and handed to the routes.
type Dependencies struct {
	Postgres      *gorm.DB
	Users         repositories.UserRepository
	Posts         repositories.PostRepository
	Verifier      auth.TokenVerifier
	Tokens        handlers.TokenIssuer
	Firebase      auth.IDTokenVerifier
	Notifications NotificationService
	Realtime      http.Handler
	RealtimePath  string
	Health        *handlers.HealthHandler
	Log           *logger.Logger
}

// NotificationService is everything the HTTP layer needs from
// services.NotificationService.
type NotificationService interface {
	handlers.EventNotifier
	handlers.NotificationInbox
}

// Migrate creates or updates the PostgreSQL tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Comment{},
		&models.Like{},
		&models.Follow{},
		&models.Notification{},
	)
}

// SetupRoutes configures all application routes and injects dependencies
func SetupRoutes(e *echo.Echo, d Dependencies) {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}

	e.GET("/health", d.Health.HealthCheck)
	if d.Realtime != nil {
		e.GET(d.RealtimePath, echo.WrapHandler(d.Realtime))
	}

	// --- Initialize Repositories ---
	likeRepo := repositories.NewPostgresLikeRepository(d.Postgres)
	followRepo := repositories.NewPostgresFollowRepository(d.Postgres)
	commentRepo := repositories.NewPostgresCommentRepository(d.Postgres)

	// --- Unprotected routes for authentication ---
	authGroup := e.Group("/api/v1/auth")
	handlers.NewAuthHandler(d.Users, d.Tokens, d.Firebase, log).RegisterAuthRoutes(authGroup)

	// --- Protected routes ---
	api := e.Group("/api/v1")
	api.Use(middleware.Auth(d.Verifier, log))

	handlers.NewPostHandler(d.Posts, followRepo, d.Notifications, log).RegisterPostRoutes(api)
	handlers.NewFollowHandler(followRepo, d.Users, d.Notifications, log).RegisterFollowRoutes(api)
	handlers.NewCommentHandler(commentRepo, d.Posts, d.Notifications, log).RegisterCommentRoutes(api)
	handlers.NewLikeHandler(likeRepo, d.Posts, d.Notifications, log).RegisterLikeRoutes(api)
	handlers.NewNotificationHandler(d.Notifications, log).RegisterNotificationRoutes(api)
	handlers.NewUserHandler(d.Users, log).RegisterProfileRoutes(api)
}

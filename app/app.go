// Package app assembles the services and the HTTP router from a Config.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/nearchat/api/rest"
	"github.com/kasuganosora/nearchat/api/sse"
	apiws "github.com/kasuganosora/nearchat/api/ws"
	"github.com/kasuganosora/nearchat/audit"
	"github.com/kasuganosora/nearchat/cache"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/contact"
	dbadapter "github.com/kasuganosora/nearchat/db"
	"github.com/kasuganosora/nearchat/identity"
	"github.com/kasuganosora/nearchat/message"
	mw "github.com/kasuganosora/nearchat/middleware"
	"github.com/kasuganosora/nearchat/model"
	"github.com/kasuganosora/nearchat/presence"
	"github.com/kasuganosora/nearchat/realtime"
	"github.com/kasuganosora/nearchat/upload"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// App holds everything main needs to run and later shut down.
type App struct {
	Engine   *gin.Engine
	DB       *gorm.DB
	Cache    cache.Backend
	Identity *identity.Service
	Contacts *contact.Graph
	Messages *message.Log
	Presence *presence.Index
	Uploads  *upload.Service
	Hub      *realtime.Hub
	Audit    *audit.Service

	store  upload.Store
	logger *zap.Logger
}

// New opens the stores and builds the router. db may be nil, in which case it
// is opened from cfg.Database and migrated.
func New(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*App, error) {
	if db == nil {
		var err error
		db, err = dbadapter.Open(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		if err := model.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))
	}

	backend, err := cache.Open(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if cfg.Cache.RedisAddr == "" {
		logger.Info("using in-process cache, single node only")
	}

	store, err := openStore(cfg.Upload)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("upload store: %w", err)
	}

	a := &App{DB: db, Cache: backend, store: store, logger: logger}
	a.Audit = audit.New(db, logger)
	a.Identity = identity.NewService(db, backend, cfg.Security, logger)
	a.Contacts = contact.NewGraph(db, logger)
	a.Hub = realtime.NewHub(backend, backend, logger)
	a.Messages = message.NewLog(db, a.Contacts, a.Hub, logger)
	a.Presence = presence.NewIndex(db, cfg.Nearby, logger)
	a.Uploads = upload.NewService(db, store, cfg.Upload, logger)
	a.Engine = a.routes(cfg)
	return a, nil
}

func openStore(cfg config.UploadConfig) (upload.Store, error) {
	switch cfg.Backend {
	case "", "disk":
		return upload.NewDiskStore(cfg.Dir)
	case "gridfs":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return upload.NewGridFSStore(ctx, cfg.MongoURI, cfg.MongoDB, cfg.GridFSBucket)
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.Backend)
	}
}

func (a *App) routes(cfg *config.Config) *gin.Engine {
	logger := a.logger
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	if cfg.Security.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMW := mw.Auth(a.Identity)

	authH := apirest.NewAuthHandler(a.Identity, a.Audit, logger)
	profileH := apirest.NewProfileHandler(a.Identity, a.Uploads, a.Audit, logger)
	uploadH := apirest.NewUploadHandler(a.Uploads, a.Audit, logger)
	contactH := apirest.NewContactHandler(a.Contacts, a.Identity, a.Hub, a.Audit, logger)
	userH := apirest.NewUserHandler(a.Identity, a.Presence, logger)
	msgH := apirest.NewMessageHandler(a.Messages, logger)
	adminH := apirest.NewAdminHandler(a.DB, a.Hub, a.Audit, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.GET("/register", authH.CheckEmail)
		authG.POST("/login", authH.Login)
		authG.GET("/login", authH.CheckUsername)
		authG.GET("/validate", authMW, authH.Validate)
		authG.POST("/logout", authH.Logout)

		profileG := api.Group("/profile", authMW)
		profileG.GET("", profileH.Get)
		profileG.PUT("", profileH.Update)
		profileG.POST("/avatar", profileH.UploadAvatar)
		profileG.DELETE("/avatar", profileH.DeleteAvatar)

		api.POST("/upload", authMW, uploadH.Upload)
		api.DELETE("/upload/:filename", authMW, uploadH.Delete)

		contactsG := api.Group("/contacts", authMW)
		contactsG.GET("", contactH.List)
		contactsG.GET("/pending", contactH.Pending)
		contactsG.POST("/request", contactH.Request)
		contactsG.POST("/accept", contactH.Accept)
		contactsG.POST("/reject", contactH.Reject)

		api.GET("/users/search", authMW, userH.Search)
		api.GET("/users_nearby", authMW, userH.Nearby)
		api.POST("/nearby/update_location", authMW, userH.UpdateLocation)

		api.GET("/messages/:userId", authMW, msgH.History)
		api.POST("/messages", authMW, msgH.Send)

		api.GET("/settings/:section", authMW, userH.GetSettings)
		api.POST("/settings/:section", authMW, userH.UpdateSettings)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/audit", adminH.AuditLog)
	}

	r.GET(a.Uploads.URLPrefix()+"/:filename", uploadH.Serve)

	wsH := apiws.NewHandler(a.Identity, a.Hub, a.Messages, cfg.Security, logger)
	r.GET("/ws", wsH.ServeWS)

	sseH := sse.NewHandler(a.Identity, a.Hub, logger)
	r.GET("/sse", sseH.ServeSSE)

	return r
}

// Close releases background workers and external connections.
func (a *App) Close(ctx context.Context) {
	a.Hub.Close()
	a.Audit.Stop(ctx)
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn("close upload store", zap.Error(err))
	}
	if err := a.Cache.Close(); err != nil {
		a.logger.Warn("close cache", zap.Error(err))
	}
}

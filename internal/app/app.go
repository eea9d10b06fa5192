// Package app wires configuration, storage and the automation engine into a
// runnable HTTP application. Both the server binary and the CLI build on it.
package app

import (
	"context"
	"fmt"

	"pipeflow/internal/config"
	"pipeflow/internal/handlers"
	"pipeflow/internal/middleware"
	"pipeflow/internal/services"
	"pipeflow/pkg/mailer"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Version is reported by the health endpoint.
var Version = "dev"

// OpenDatabase 连接 Postgres 并按配置设置连接池
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	return db, nil
}

// App holds the long-lived services of one process.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger

	Store  *services.GormAutomationStore
	Engine *services.AutomationService
	Admin  *services.AutomationAdminService
	Cards  *services.CardService
	Hub    *services.ActivityHub

	stopHub context.CancelFunc
}

// New builds the engine and its collaborators on top of db. sender may be nil,
// in which case an HTTP mailer is created from cfg.Email.
func New(cfg *config.Config, db *gorm.DB, sender services.EmailSender, log *logrus.Logger) *App {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if sender == nil {
		sender = mailer.NewClient(&mailer.Config{
			BaseURL:  cfg.Email.BaseURL,
			SendPath: cfg.Email.SendPath,
			APIKey:   cfg.Email.APIKey,
			Timeout:  cfg.Email.Timeout,
		}, log)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := services.NewActivityHub(log)
	go hub.Run(hubCtx)

	store := services.NewGormAutomationStore(db)
	engine := services.NewAutomationService(store, sender, services.AutomationOptions{
		Actions: services.ActionOptions{
			FormLinkBaseURL: cfg.Automation.FormLinkBaseURL,
			DefaultFrom:     cfg.Email.DefaultFrom,
			DefaultFromName: cfg.Email.FromName,
			DefaultSubject:  cfg.Automation.DefaultEmailSubject,
			DefaultBody:     cfg.Automation.DefaultEmailBody,
		},
		Cascade: services.CascadeOptions{
			Workers:   cfg.Automation.CascadeWorkers,
			QueueSize: cfg.Automation.CascadeQueueSize,
			MaxDepth:  cfg.Automation.MaxCascadeDepth,
		},
		Publisher: hub,
	}, log)

	return &App{
		Config:  cfg,
		DB:      db,
		Logger:  log,
		Store:   store,
		Engine:  engine,
		Admin:   services.NewAutomationAdminService(db, nil, log),
		Cards:   services.NewCardService(db, store, engine, nil, log),
		Hub:     hub,
		stopHub: stopHub,
	}
}

// Router 构建 gin 路由
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(a.DB, a.Hub, Version)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, handlers.MetricsHandler())
	}

	api := r.Group("/api")
	api.Use(middleware.RateLimit(cfg.Security.RateLimiting, "api"))
	handlers.RegisterAutomationRoutes(api,
		handlers.NewAutomationHandler(a.Engine, a.Admin, a.Hub, a.Logger),
		middleware.RateLimit(cfg.Security.RateLimiting, "automation_run"),
	)
	handlers.RegisterCardRoutes(api, handlers.NewCardHandler(a.Cards, a.Logger))
	return r
}

// Close waits for pending cascades and stops the activity hub.
func (a *App) Close() {
	a.Engine.Close()
	a.stopHub()
}

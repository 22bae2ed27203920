package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/middlewares"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/pfasync"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PFA_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Services are built once the database and Redis are reachable; until then every
	// route except /healthz answers 503.
	var ready atomic.Bool
	h := &pfasync.Handlers{}
	var pipeline *pfasync.Pipeline

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if corsConfig.AllowOrigins == nil {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-organization-id", "x-user-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.OrganizationMiddleware())
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	h.Register(r)

	r.GET("/readyz", func(c *gin.Context) {
		if sqlDB, err := config.GetDB().DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"database": "unreachable"})
			return
		}
		if rdb := config.GetRedisDB(); rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"redis": "unreachable"})
				return
			}
		}
		c.Status(http.StatusNoContent)
	})

	// Pub/Sub push endpoint for async sync runs.
	r.POST("/pubsub/pfa-sync", func(c *gin.Context) {
		pfasync.PubSubPushHandler(pipeline)(c)
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	secrets, err := config.NewSecretBoxFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "secrets"}).Fatal(err)
	}
	audit := pfasync.LogAuditSink{Logger: logger}

	pipeline = pfasync.NewPipeline(db, logger, secrets, audit)
	worker := pfasync.NewWorker(db, logger, secrets, audit)
	h.DB = db
	h.Sync = pfasync.NewSyncService(db, logger, pipeline)
	h.Drift = pipeline.Drift
	h.Queue = worker.Queue
	h.Conflicts = worker.Engine
	h.Modifications = pfasync.NewModificationService(db, logger, worker.Engine, worker.Queue)
	h.Worker = worker
	ready.Store(true)

	if config.EnvBool("ENABLE_PFA_WRITEBACK_WORKER", true) {
		go worker.Start(sigCtx)
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

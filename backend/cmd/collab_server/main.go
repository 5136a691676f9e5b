package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/webodf/Kotype/backend/config"
	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/httpapi/handlers"
	"github.com/webodf/Kotype/backend/internal/httpapi/middleware"
	"github.com/webodf/Kotype/backend/internal/identity"
	"github.com/webodf/Kotype/backend/internal/logging"
	"github.com/webodf/Kotype/backend/internal/store"
	"github.com/webodf/Kotype/backend/internal/ws"
)

type documentStore interface {
	cache.Store
	handlers.DocumentRepo
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("collab server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	var (
		db      *gorm.DB
		docs    documentStore
		err     error
		closers []func() error
	)
	if cfg.Mysql.DSN != "" {
		db, err = store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		docs = store.NewDocumentStore(db)
	} else {
		logger.Warn("no mysql dsn, documents are kept in memory only")
		docs = store.NewMemoryStore()
	}

	opts := collab.SessionOptions{Logger: logger, PresenceTTL: cfg.Redis.PresenceTTL}

	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		// one address is a single node, several are a cluster
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		presence = cache.NewRedisPresence(rdb)
		opts.Presence = presence
		closers = append(closers, rdb.Close)
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, logger,
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
		opts.Events = dispatcher
	}

	writeBack := cache.NewWriteBack(docs, logger,
		cache.WithFlushInterval(cfg.Cache.FlushInterval),
		cache.WithFlushConcurrency(cfg.Cache.FlushConcurrency))
	writeBack.Start()

	registry := collab.NewRegistry(writeBack, opts)
	hub := ws.NewHub()
	manager := ws.NewManager(hub, registry, logger, cfg.WS.AllowedOrigins)

	signer := identity.NewSigner(cfg.Auth.Secret)
	colors := identity.NewColorPicker()
	documents := handlers.NewDocumentHandler(docs, writeBack, registry, presence, signer, colors, logger)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// guests come here before they have a token
	r.POST("/collab/guest", documents.Guest)
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": registry.Len(), "connections": hub.Len()})
	})

	authed := r.Group("/collab")
	authed.Use(middleware.Auth(signer, colors))
	{
		authed.GET("/ws", manager.WebSocketConnect)
		authed.GET("/documents", documents.List)
		authed.POST("/documents", documents.Create)
		authed.GET("/documents/:id", documents.Get)
		authed.GET("/documents/:id/members", documents.Members)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		logger.Info("signal caught", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()

	// each step finishes before the next starts
	if err := registry.TeardownAll(ctx); err != nil {
		logger.Error("session teardown incomplete", zap.Error(err))
	}
	if err := writeBack.Shutdown(ctx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.CloseAll(ctx); err != nil {
		logger.Warn("websocket close", zap.Error(err))
	}
	if dispatcher != nil {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("kafka close", zap.Error(err))
		}
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("redis close", zap.Error(err))
		}
	}
	if db != nil {
		if err := store.Close(db); err != nil {
			logger.Warn("mysql close", zap.Error(err))
		}
	}
	logger.Info("collab server stopped")
	return nil
}

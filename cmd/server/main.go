package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtrack/backend/internal/compose"
	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/gateway"
	"mailtrack/backend/internal/health"
	"mailtrack/backend/internal/logger"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/hybrid"
	"mailtrack/backend/internal/storage/memory"
	"mailtrack/backend/internal/storage/redis"
	sqlstore "mailtrack/backend/internal/storage/sql"
	"mailtrack/backend/internal/tracking"
	httptransport "mailtrack/backend/internal/transport/http"
	"mailtrack/backend/internal/websocket"
)

// main 启动邮件代理与阅读追踪 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting mailtrack server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("tracking_base_url", cfg.Tracking.BaseURL),
	)
	if cfg.IsLocalTrackingURL() {
		log.Warn("tracking base URL is only reachable from this machine; set MAILTRACK_TRACKING_BASE_URL to a public address for external tracking",
			zap.String("tracking_base_url", cfg.Tracking.BaseURL))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, relay, sqlDB, err := initializeStorage(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close warning", zap.Error(err))
		}
	}()

	if err := seedUser(store, cfg, log); err != nil {
		return err
	}

	// 监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)
	if sqlDB != nil {
		healthChecker.AddReadinessCheck("database", health.DatabaseHealthCheck(sqlDB.DB()))
	}

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(cfg.Monitoring.MemoryThresholdMB))
	alertManager.AddRule(monitoring.StoreHealthRule(store))
	alertManager.AddRule(monitoring.GatewayErrorBurstRule(metrics, cfg.Monitoring.GatewayErrorThreshold))

	// 服务层
	gmail := gateway.NewGmailGateway(gateway.Config{
		Endpoint:  cfg.Gmail.Endpoint,
		Timeout:   cfg.Gmail.Timeout,
		RateLimit: cfg.Gmail.RateLimit,
		Burst:     cfg.Gmail.Burst,
	}, metrics, log.Named("gateway"))

	emailService := service.NewEmailService(service.EmailServiceDeps{
		Users:            store,
		Sent:             store,
		Gateway:          gmail,
		Composer:         compose.NewComposer(cfg.Tracking.BaseURL),
		IDs:              tracking.NewGenerator(),
		Metrics:          metrics,
		Logger:           log.Named("email"),
		FetchConcurrency: cfg.Mail.FetchConcurrency,
		SentListLimit:    cfg.Mail.SentListLimit,
	})

	var hubRelay websocket.Relay
	if relay != nil {
		hubRelay = relay
	}
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, hubRelay, metrics, log.Named("websocket"))
	trackingService := service.NewTrackingService(tracking.NewCorrelator(store), metrics, log.Named("tracking"), wsHub)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		EmailService:    emailService,
		TrackingService: trackingService,
		WebSocketHub:    wsHub,
		HealthChecker:   healthChecker,
		RateLimits:      store,
		Metrics:         metrics,
		Logger:          log.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// 列表接口需要等待服务商返回全部邮件
		WriteTimeout: cfg.Gmail.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub", zap.Bool("relay", relay != nil))
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, cfg.Monitoring.AlertInterval)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// initializeStorage 根据配置选择存储：数据库加 Redis 使用混合存储，只有数据库使用 SQL 存储，否则使用内存存储
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, *redis.Cache, *sqlstore.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage; users and tracking records are lost on restart")
		if cfg.Redis.Address == "" {
			return memory.NewStore(), nil, nil, nil
		}
		// 只配置 Redis 时仍用它在实例间转发打开事件
		cache, err := newCache(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return &relayedMemoryStore{Store: memory.NewStore(), cache: cache}, cache, nil, nil
	}

	db, err := sqlstore.NewStore(sqlstore.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize database storage: %w", err)
	}
	log.Info("database storage initialized", zap.String("type", cfg.Database.Type))

	if cfg.Redis.Address == "" {
		return db, nil, db, nil
	}

	cache, err := newCache(cfg)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	log.Info("redis cache initialized", zap.String("address", cfg.Redis.Address))

	return hybrid.NewStore(db, cache, log.Named("store")), cache, db, nil
}

// seedUser 内存存储没有其它登记用户的途径，按配置登记一个用户
func seedUser(users storage.UserRepository, cfg *config.Config, log *zap.Logger) error {
	seeded := cfg.Seed.UserEmail != "" || cfg.Seed.AccessToken != ""

	if cfg.Database.Type != "" {
		if seeded {
			log.Warn("seed user ignored with a database; use mailtrackctl user set-token")
		}
		return nil
	}

	if !seeded {
		log.Warn("memory storage has no registered users; every email request will return 404. " +
			"Set MAILTRACK_SEED_USER_EMAIL and MAILTRACK_SEED_ACCESS_TOKEN or configure a database")
		return nil
	}

	user, err := service.NewUserService(users, log).SetToken(cfg.Seed.UserEmail, cfg.Seed.AccessToken)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	log.Info("seed user registered", zap.String("email", user.Email))
	return nil
}

func newCache(cfg *config.Config) (*redis.Cache, error) {
	cache, err := redis.NewCache(redis.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize redis cache: %w", err)
	}
	return cache, nil
}

// relayedMemoryStore 内存存储加上仅用于事件转发的 Redis 连接
type relayedMemoryStore struct {
	*memory.Store
	cache *redis.Cache
}

func (s *relayedMemoryStore) Close() error {
	return errors.Join(s.Store.Close(), s.cache.Close())
}

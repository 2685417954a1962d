// Package app 组装数据库、上游客户端、服务与调度器，server 与 worker 共用
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/api/handlers"
	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/cache"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
	"github.com/langchou/fleetgazer/internal/service"
	"github.com/langchou/fleetgazer/internal/state"
	"github.com/langchou/fleetgazer/pkg/ws"
)

// Options 组装选项
type Options struct {
	// WithHub 创建 WebSocket Hub，worker 进程不需要
	WithHub bool
}

// App 进程内的全部组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	DB    *repository.DB
	Redis *cache.RedisStore // 未配置 REDIS_ADDR 时为 nil
	Hub   *ws.Hub

	Devices   *repository.DeviceRepository
	Positions *repository.PositionRepository
	Trips     *repository.TripRepository
	Events    *repository.EventRepository
	JobRuns   *repository.JobRunRepository

	Scheduler *service.Scheduler
}

// New 连接依赖并创建服务
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	db, err := repository.New(ctx, cfg.DatabaseURL, repository.Options{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		DB:        db,
		Devices:   repository.NewDeviceRepository(db),
		Positions: repository.NewPositionRepository(db),
		Trips:     repository.NewTripRepository(db),
		Events:    repository.NewEventRepository(db),
		JobRuns:   repository.NewJobRunRepository(db),
	}

	if cfg.RedisAddr != "" {
		rs, err := cache.NewRedisStore(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rs
		logger.Info("Redis enabled", zap.String("addr", cfg.RedisAddr))
	}

	if opts.WithHub {
		a.Hub = ws.NewHub(logger)
		a.Hub.SetInitDataProvider(func(ctx context.Context) (interface{}, error) {
			return a.Positions.ListCurrent(ctx)
		})
		a.Hub.OnClientCount(func(n int) {
			metrics.WSClients.Set(float64(n))
		})
	}

	client := vendor.NewClient(vendor.Options{
		BaseURL:     cfg.VendorBaseURL,
		Timeout:     cfg.VendorTimeout,
		MinSpacing:  cfg.RateMinSpacing,
		Burst:       cfg.RateBurst,
		BurstWindow: cfg.RateBurstWindow,
		MaxRetries:  cfg.RateMaxRetries,
		BackoffBase: cfg.RateBackoffBase,
		BackoffMax:  cfg.RateBackoffMax,
		TokenSkew:   time.Minute,
	}, vendor.NewFileTokenSource(cfg.VendorTokenFile), repository.NewRateLimitRepository(db), logger)

	var (
		gate      service.CooldownGate
		publisher service.Publisher
	)
	switch {
	case a.Redis != nil:
		gate = a.Redis
		publisher = a.Redis
	case a.Hub != nil:
		publisher = hubPublisher{hub: a.Hub}
	}

	detector := state.NewDetector(state.Config{
		MinConfidence:     cfg.IgnitionMinConfidence,
		OverspeedKmh:      cfg.OverspeedKmh,
		DefaultCooldown:   cfg.EventCooldown,
		OverspeedCooldown: cfg.OverspeedCooldown,
	}, logger)
	emitter := service.NewEventEmitter(a.Events, gate, publisher, logger)

	ingest := service.NewIngestionService(cfg, logger, client, a.Devices, a.Positions, a.Trips, emitter, detector, publisher)
	deviceSync := service.NewDeviceSyncService(logger, client, a.Devices)
	tripSync := service.NewTripSyncService(cfg, logger, client, a.Devices, a.Trips)
	reconcile := service.NewReconcileService(cfg, logger, a.Devices, a.Positions, a.Trips)

	a.Scheduler = service.NewScheduler(logger, a.JobRuns,
		service.StandardJobs(cfg, ingest, deviceSync, tripSync, reconcile)...)
	return a, nil
}

// Handler 创建 HTTP 处理器
func (a *App) Handler() *handlers.Handler {
	deps := handlers.Deps{
		Devices:   a.Devices,
		Positions: a.Positions,
		Trips:     a.Trips,
		Events:    a.Events,
		Jobs:      a.Scheduler,
		JobRuns:   a.JobRuns,
		Hub:       a.Hub,
		Checks: map[string]func(ctx context.Context) error{
			"postgres": a.DB.Ping,
		},
	}
	if a.Redis != nil {
		deps.Geo = a.Redis
		deps.Checks["redis"] = a.Redis.Ping
	}
	return handlers.NewHandler(a.logger, deps)
}

// RunRealtime 运行 Hub，配置了 Redis 时把频道消息转发给 WebSocket 客户端，阻塞到 ctx 结束
func (a *App) RunRealtime(ctx context.Context) {
	if a.Hub == nil {
		return
	}
	if a.Redis != nil {
		go a.relay(ctx)
	}
	a.Hub.Run(ctx)
}

func (a *App) relay(ctx context.Context) {
	for {
		err := a.Redis.Subscribe(ctx, func(channel string, payload []byte) {
			switch channel {
			case cache.ChannelState:
				a.Hub.Relay(ws.MsgTypeState, payload)
			case cache.ChannelEvents:
				a.Hub.Relay(ws.MsgTypeEvent, payload)
			}
		})
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("Redis subscription ended, resubscribing", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Close 释放连接
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	a.DB.Close()
}

// hubPublisher 无 Redis 时直接推送到本进程的 WebSocket 客户端
type hubPublisher struct {
	hub *ws.Hub
}

func (p hubPublisher) PublishState(_ context.Context, cp *models.CurrentPosition) error {
	p.hub.BroadcastMessage(ws.MsgTypeState, cp)
	return nil
}

func (p hubPublisher) PublishEvent(_ context.Context, e *models.Event) error {
	p.hub.BroadcastMessage(ws.MsgTypeEvent, e)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/aliasmx/internal/alias"
	"tempmail/aliasmx/internal/config"
	"tempmail/aliasmx/internal/console"
	"tempmail/aliasmx/internal/eventloop"
	"tempmail/aliasmx/internal/health"
	"tempmail/aliasmx/internal/logger"
	"tempmail/aliasmx/internal/monitoring"
	"tempmail/aliasmx/internal/notify"
	"tempmail/aliasmx/internal/poller"
	"tempmail/aliasmx/internal/provider"
	"tempmail/aliasmx/internal/session"
	"tempmail/aliasmx/internal/storage"
	"tempmail/aliasmx/internal/storage/filesystem"
	"tempmail/aliasmx/internal/storage/memory"
	"tempmail/aliasmx/internal/storage/postgres"
	redisstore "tempmail/aliasmx/internal/storage/redis"
	httptransport "tempmail/aliasmx/internal/transport/http"
	"tempmail/aliasmx/internal/websocket"
)

const collectInterval = 15 * time.Second

// main 启动终端别名管理器：事件循环、通知队列、日志拉取和可选的本地诊断服务。
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aliasmx: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     20,
		MaxBackups:  3,
		MaxAge:      14,
		Compress:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting aliasmx",
		zap.String("storage", cfg.Storage.Type),
		zap.Duration("alias_ttl", cfg.Alias.TTL),
		zap.Duration("poll_interval", cfg.Poller.Interval),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	kv, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer kv.Close()
	state := storage.NewState(kv, log.Named("state"))

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	loop := eventloop.New(log.Named("loop"), eventloop.WithPanicCounter(metrics.PanicsTotal))

	wsHub := websocket.NewHub(cfg.Diagnostics.AllowedOrigins, log.Named("websocket"), metrics)

	presenter := notify.CountingPresenter{
		Presenter: notify.MultiPresenter{
			notify.NewWriterPresenter(os.Stdout),
			notify.NewLogPresenter(log.Named("notify")),
			wsHub,
		},
		Counter: metrics,
	}
	notifier := notify.NewScheduler(presenter, log.Named("notify"), notify.Options{
		DefaultDuration: cfg.Notification.DefaultDuration,
		DismissDelay:    cfg.Notification.DismissDelay,
		Tick:            cfg.Notification.Tick,
	})

	factory := provider.NewFactory(provider.Options{
		BaseURL:   cfg.Provider.BaseURL,
		Timeout:   cfg.Provider.Timeout,
		RateLimit: cfg.Provider.RateLimit,
		Burst:     cfg.Provider.Burst,
	}, log.Named("provider"))

	// 事件循环最后停止，会话结束时仍需在循环中取消定时器
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event loop stopped with error", zap.Error(err))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	svc, err := session.New(groupCtx, session.Deps{
		Loop:     loop,
		State:    state,
		Factory:  factory,
		Notifier: notifier,
		Signaler: wsHub,
		Logger:   log.Named("session"),
		AliasOptions: []alias.Option{
			alias.WithTTL(cfg.Alias.TTL),
			alias.WithPurgeWorkers(cfg.Alias.PurgeWorkers),
			alias.WithMetrics(metrics),
		},
		Poller: poller.Options{
			Interval:    cfg.Poller.Interval,
			DefaultAuto: cfg.Poller.AutoLoad,
			Metrics:     metrics,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	svc.Aliases().Subscribe(func(e alias.Event) {
		data := websocket.AliasEventData{Event: string(e.Type)}
		switch e.Type {
		case alias.EventPurged:
			result := e.Result
			data.Result = &result
		default:
			a := e.Alias
			data.Alias = &a
		}
		wsHub.NotifyAliasEvent(data)
	})

	group.Go(func() error {
		if err := notifier.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	collector := monitoring.NewCollector(metrics, loop, func(ctx context.Context) (int, int, error) {
		stats, err := svc.Stats(ctx)
		if err != nil {
			return 0, 0, err
		}
		pending, err := svc.Aliases().PendingDeletions(ctx)
		return stats.Active, pending, err
	}, log.Named("collector"))
	group.Go(func() error {
		collector.Run(groupCtx, collectInterval)
		return nil
	})

	if cfg.Diagnostics.Addr != "" {
		healthChecker := health.NewHealthChecker(loop, kv, svc, log.Named("health"))
		router := httptransport.NewRouter(httptransport.RouterDependencies{
			Config:       cfg.Diagnostics,
			Session:      svc,
			Health:       healthChecker,
			Metrics:      metrics,
			WebSocketHub: wsHub,
			Logger:       log.Named("http"),
		})
		httpServer := &http.Server{
			Addr:              cfg.Diagnostics.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		group.Go(func() error {
			log.Info("starting diagnostics server", zap.String("address", cfg.Diagnostics.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("diagnostics server error", zap.Error(err))
				return err
			}
			return nil
		})

		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	// 恢复会话后进入交互
	group.Go(func() error {
		defer stop()

		if cfg.Provider.APIKey != "" && cfg.Provider.Domain != "" {
			if err := svc.Login(groupCtx, cfg.Provider.APIKey, cfg.Provider.Domain); err != nil {
				log.Warn("login with configured credentials failed", zap.Error(err))
			}
		} else if restored, err := svc.RestoreSession(groupCtx); err != nil {
			log.Warn("failed to restore session", zap.Error(err))
		} else if restored {
			log.Info("session restored", zap.String("domain", svc.Domain()))
		}

		con := console.New(os.Stdin, os.Stdout, svc, notifier, log.Named("console"))
		return con.Run(groupCtx)
	})

	<-groupCtx.Done()

	// 结束会话：停止拉取并取消全部删除定时器
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	svc.Shutdown(shutdownCtx)
	cancel()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("aliasmx stopped with error", zap.Error(err))
		return err
	}

	log.Info("aliasmx stopped")
	return nil
}

// openStore 根据配置选择存储后端
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.KV, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		log.Info("using memory storage, state is lost on exit")
		return memory.NewStore(), nil
	case config.StorageFilesystem:
		log.Info("using filesystem storage", zap.String("path", cfg.Storage.Path))
		return filesystem.NewStore(cfg.Storage.Path, log.Named("storage"))
	case config.StorageRedis:
		log.Info("using redis storage", zap.String("address", cfg.Redis.Address))
		return redisstore.New(&cfg.Redis, log.Named("storage"))
	case config.StoragePostgres:
		log.Info("using postgres storage")
		return postgres.NewStore(ctx, cfg.Storage.DSN, log.Named("storage"))
	case config.StorageMySQL:
		log.Info("using mysql storage")
		return postgres.NewMySQLStore(ctx, cfg.Storage.DSN, log.Named("storage"))
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}
}

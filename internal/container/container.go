package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"depth-relay-go/config"
	"depth-relay-go/gateway"
	"depth-relay-go/infrastructure/alert"
	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	internalconfig "depth-relay-go/internal/config"
	"depth-relay-go/internal/engine"
	"depth-relay-go/internal/hub"
	"depth-relay-go/internal/retry"
	"depth-relay-go/internal/store"
	"depth-relay-go/internal/transport"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string
	envFile    string

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	notifier systemdNotifier
	alerts   *alert.Manager
	watcher  *stateWatcher

	// 行情源
	feed gateway.Feed

	// 核心服务
	persister *store.Persister
	history   *store.History
	registry  *hub.Registry
	syncs     []*engine.Synchronizer
	transport *transport.Server
	reloader  *internalconfig.HotReloader

	// HTTP服务器
	relayServer   *httpServerComponent
	metricsServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 加载配置（YAML + .env + RELAY_* 环境变量）并创建 Container。
func New(configPath, envFile string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	c.envFile = envFile
	return c, nil
}

// NewWithConfig 使用已校验的配置创建 Container。
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// WithFeed 替换默认的 Binance 行情源，需在 Build 之前调用。
func (c *Container) WithFeed(feed gateway.Feed) *Container {
	c.feed = feed
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.registerLifecycleComponents(); err != nil {
		return fmt.Errorf("register components failed: %w", err)
	}
	c.logger.Info("container built successfully", zap.Strings("symbols", c.cfg.Symbols))
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.Config{
		Level:      c.cfg.Log.Level,
		Outputs:    c.cfg.Log.Outputs,
		OutputFile: c.cfg.Log.OutputFile,
		ErrorFile:  c.cfg.Log.ErrorFile,
		Format:     c.cfg.Log.Format,
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.notifier = systemdNotifier{log: c.logger}

	ac := c.cfg.Alert
	channels := []alert.Channel{alert.NewLogChannel(c.logger)}
	if ac.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(ac.WebhookURL, ac.WebhookTimeout))
	}
	c.alerts = alert.NewManager(channels, ac.Throttle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	if c.feed != nil {
		return nil
	}
	fc := c.cfg.Feed
	c.feed = gateway.NewBinanceFeed(gateway.Options{
		RestURL:    fc.RestURL,
		WSEndpoint: fc.WSEndpoint,
		DepthLimit: fc.DepthLimit,
		RatePerSec: fc.RatePerSec,
		Burst:      fc.Burst,
		Watchdog:   fc.Watchdog,
		// 增量流永不放弃重连，次数上限只约束快照拉取
		Reconnect: retry.Policy{
			Interval:    fc.RetryInterval,
			MaxInterval: fc.RetryMaxInterval,
			Factor:      fc.RetryFactor,
		},
	}, c.logger, c.monitor)

	c.logger.Info("gateway built", zap.String("rest", fc.RestURL), zap.String("ws", fc.WSEndpoint))
	return nil
}

func (c *Container) buildCoreServices() error {
	hc := c.cfg.History
	sink, err := store.OpenSink(store.SinkOptions{
		Driver:   hc.Driver,
		Dir:      hc.Dir,
		MaxBytes: hc.MaxBytes,
		Redis: store.RedisOptions{
			Addr:      hc.RedisAddr,
			Password:  hc.RedisPassword,
			DB:        hc.RedisDB,
			KeyPrefix: hc.RedisKeyPrefix,
			Retain:    hc.Retain,
		},
	})
	if err != nil {
		return fmt.Errorf("open history sink: %w", err)
	}
	if sink != nil {
		c.persister = store.NewPersister(sink, hc.QueueSize, hc.WriteTimeout, c.logger, c.monitor)
	}
	c.history = store.NewHistory(hc.Capacity, c.persister, c.monitor)

	c.registry = hub.NewRegistry(c.history, hub.Options{QueueSize: c.cfg.Server.QueueSize}, c.logger, c.monitor)

	fc := c.cfg.Feed
	syncCfg := engine.Config{
		SnapshotTimeout: fc.SnapshotTimeout,
		Retry: retry.Policy{
			Interval:    fc.RetryInterval,
			MaxInterval: fc.RetryMaxInterval,
			Factor:      fc.RetryFactor,
			MaxAttempts: fc.MaxAttempts,
		},
		BufferSize:     c.cfg.Sync.BufferSize,
		SampleInterval: c.cfg.Sync.SampleInterval,
		HistoryDepth:   c.cfg.Sync.HistoryDepth,
		SnapshotDepth:  c.cfg.Sync.SnapshotDepth,
	}
	statuses := make([]transport.SyncStatus, 0, len(c.cfg.Symbols))
	for _, sym := range c.cfg.Symbols {
		s := engine.New(sym, c.feed, c.registry, c.history, syncCfg, c.logger, c.monitor)
		c.registry.AddSymbol(sym, s)
		c.syncs = append(c.syncs, s)
		statuses = append(statuses, s)
	}

	if c.cfg.Alert.Enabled {
		c.watcher = newStateWatcher(c.alerts, statuses, c.cfg.Alert.PollInterval, c.cfg.Alert.ResyncGrace, c.logger)
	}

	sc := c.cfg.Server
	c.transport = transport.NewServer(c.registry, statuses, transport.NewAliasTable(c.cfg.Aliases), transport.Options{
		Path:         sc.Path,
		MaxBackfill:  sc.MaxBackfill,
		WriteTimeout: sc.WriteTimeout,
		PongWait:     sc.PongWait,
	}, c.logger, c.monitor)

	c.logger.Info("core services built", zap.String("history_driver", hc.Driver), zap.Int("history_capacity", hc.Capacity))
	return nil
}

func (c *Container) registerLifecycleComponents() error {
	c.lifecycle.Register(&registryComponent{registry: c.registry})

	c.relayServer = &httpServerComponent{
		name:    "relay_server",
		handler: c.transport.Handler(),
		addr:    c.cfg.Server.Addr(),
		logger:  c.logger,
	}
	c.lifecycle.Register(c.relayServer)

	if c.cfg.Metrics.Enabled {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}

	if c.cfg.HotReload && c.configPath != "" {
		reloader, err := internalconfig.NewHotReloader(c.configPath, internalconfig.DefaultHotReloadConfig(), *c.cfg,
			func() (config.AppConfig, error) { return config.LoadWithEnvOverrides(c.configPath, c.envFile) },
			c.logger)
		if err != nil {
			return err
		}
		reloader.SetReloadHandler(internalconfig.RuntimeApplier(c.logger, c.transport.Aliases()))
		c.reloader = reloader
		c.lifecycle.Register(&reloaderComponent{reloader: reloader})
	}
	return nil
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if c.cfg.History.Warm {
		// 只预热环形缓冲覆盖的时间窗内的采样
		maxAge := time.Duration(c.cfg.History.Capacity) * c.cfg.Sync.SampleInterval
		n := c.history.Warm(ctx, c.cfg.Symbols, maxAge)
		c.logger.Info("history warmed", zap.Int("views", n), zap.String("sink", c.cfg.History.Driver))
	}

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Run 启动组件并在 errgroup 里运行同步器、持久化和看门狗，直到 ctx 取消或任一任务失败。
// 返回前完成停机。
func (c *Container) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.persister != nil {
		g.Go(func() error { return c.persister.Run(gctx) })
	}
	for _, s := range c.syncs {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	if c.watcher != nil {
		g.Go(func() error { return c.watcher.run(gctx) })
	}
	g.Go(func() error { return c.notifier.watchdog(gctx, c.HealthCheck) })
	c.notifier.ready()

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		c.logger.LogError(runErr, map[string]interface{}{"action": "run"})
		if c.cfg.Alert.Enabled {
			// gctx 已取消，告警用独立超时
			actx, cancel := context.WithTimeout(context.Background(), c.cfg.Alert.WebhookTimeout+time.Second)
			_ = c.alerts.Send(actx, alert.Alert{
				Level:   alert.LevelCritical,
				Message: "relay stopped",
				Fields:  map[string]interface{}{"error": runErr.Error()},
			})
			cancel()
		}
	} else {
		runErr = nil
	}

	c.notifier.stopping()
	if err := c.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	c.logger.Info("container stopped")
	c.logger.Close()
	return nil
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// RelayAddr 订阅服务实际监听地址，Start 之后有效。
func (c *Container) RelayAddr() string {
	if c.relayServer == nil {
		return ""
	}
	return c.relayServer.Addr()
}

// Synchronizers 已构建的同步器
func (c *Container) Synchronizers() []*engine.Synchronizer { return c.syncs }

func (c *Container) Logger() *logger.Logger { return c.logger }

// Alerts 告警管理器，Build 之后有效。
func (c *Container) Alerts() *alert.Manager { return c.alerts }

package container

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"candle-relay/config"
	"candle-relay/gateway"
	"candle-relay/infrastructure/alert"
	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	hotconfig "candle-relay/internal/config"
	"candle-relay/internal/engine"
	"candle-relay/internal/hub"
	"candle-relay/internal/ingest"
	"candle-relay/market"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 行情源
	source ingest.TickSource

	// 核心服务
	aggregator  *market.Aggregator
	registry    *hub.Registry
	broadcaster *hub.Broadcaster
	pipeline    *engine.Pipeline
	supervisor  *ingest.Supervisor
	pushServer  *hub.Server
	reloader    *hotconfig.HotReloader

	// HTTP服务器
	httpServer    *httpServerComponent
	metricsServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建Container，敏感字段可由环境变量覆盖。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建Container，不启用热更新。
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// SetTickSource 替换默认的 broker 客户端，需在 Build 之前调用。
func (c *Container) SetTickSource(src ingest.TickSource) { c.source = src }

// SetLogger 使用外部 logger，需在 Build 之前调用。
func (c *Container) SetLogger(l *logger.Logger) { c.logger = l }

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

	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		var err error
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewZapChannel("log", c.logger.Logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle)

	c.logger.Info("infrastructure built", zap.Strings("alert_channels", c.alerts.GetChannels()))
	return nil
}

func (c *Container) buildGateway() error {
	if c.source != nil {
		return nil
	}
	b := c.cfg.Broker
	client := gateway.NewBrokerClient(b.AuthURL, b.WSURL, b.Email, b.Password)
	client.Logger = c.logger
	client.Monitor = c.monitor
	c.source = client

	// 凭证不进日志
	c.logger.Info("gateway built",
		zap.String("auth_url", b.AuthURL),
		zap.String("ws_url", b.WSURL),
		zap.Int("instrument_id", b.InstrumentID))
	return nil
}

func (c *Container) buildCoreServices() error {
	loc, err := c.cfg.Window.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	c.aggregator = market.NewAggregator(market.AggregatorConfig{
		Capacity: c.cfg.Window.Capacity,
		Location: loc,
	})

	c.registry = hub.NewRegistry()
	c.broadcaster = hub.NewBroadcaster(c.registry, c.logger, c.monitor)

	c.pipeline, err = engine.New(engine.Config{TickBuffer: c.cfg.Ingest.TickBuffer}, engine.Components{
		Aggregator:  c.aggregator,
		Broadcaster: c.broadcaster,
		Logger:      c.logger,
		Monitor:     c.monitor,
	})
	if err != nil {
		return err
	}

	c.supervisor, err = ingest.New(ingest.Config{
		Channel:       c.cfg.Broker.Channel,
		InstrumentID:  c.cfg.Broker.InstrumentID,
		PeriodSeconds: c.cfg.Broker.PeriodSeconds,
		RetryDelay:    c.cfg.Ingest.RetryDelay,
	}, ingest.Components{
		Source:  c.source,
		Logger:  c.logger,
		Monitor: c.monitor,
		Alerts:  c.alerts,
	})
	if err != nil {
		return err
	}

	c.pushServer = hub.NewServer(hub.ServerConfig{
		StaticDir:    c.cfg.HTTP.StaticDir,
		ReplayLatest: c.cfg.Push.ReplayLatest,
		Client: hub.ClientOptions{
			SendQueue: c.cfg.Push.SendQueue,
			WriteWait: c.cfg.Push.WriteWait,
			PongWait:  c.cfg.Push.PongWait,
		},
		Debug: c.cfg.Log.Level == "debug",
	}, c.registry, c.aggregator.Latest, c.logger, c.monitor)
	c.pushServer.SetHealth(c.healthFields)

	c.logger.Info("core services built",
		zap.Int("window_capacity", c.cfg.Window.Capacity),
		zap.String("timezone", loc.String()))
	return nil
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" {
		return nil
	}
	r, err := hotconfig.NewHotReloader(c.configPath, hotconfig.DefaultHotReloadConfig(), nil, c.logger)
	if err != nil {
		return err
	}
	r.RegisterApplier("log_level", func(cfg config.AppConfig) error {
		return c.logger.SetLevel(cfg.Log.Level)
	})
	r.RegisterApplier("retry_delay", func(cfg config.AppConfig) error {
		c.supervisor.SetRetryDelay(cfg.Ingest.RetryDelay)
		return nil
	})
	r.RegisterApplier("alert_throttle", func(cfg config.AppConfig) error {
		c.alerts.SetThrottleInterval(cfg.Alert.Throttle)
		return nil
	})
	c.reloader = r
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&funcComponent{
		name:  "pipeline",
		start: c.pipeline.Start,
		stop:  c.pipeline.Stop,
	})

	c.httpServer = &httpServerComponent{
		name:    "push_server",
		handler: c.pushServer.Handler(),
		addr:    c.cfg.HTTP.Listen,
		logger:  c.logger,
	}
	c.lifecycle.Register(c.httpServer)

	if c.cfg.HTTP.MetricsListen != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.HTTP.MetricsListen,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}

	c.lifecycle.Register(&supervisorComponent{
		supervisor: c.supervisor,
		ticks:      c.pipeline.Ticks(),
	})

	if c.reloader != nil {
		c.lifecycle.Register(&funcComponent{
			name:  "hot_reload",
			start: c.reloader.Start,
			stop:  c.reloader.Stop,
		})
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("listen", c.HTTPAddr()))
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped",
		zap.Int64("ticks_processed", c.aggregator.Processed()),
		zap.Int64("ingestion_restarts", c.supervisor.Restarts()))
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// HTTPAddr 推送服务实际监听地址
func (c *Container) HTTPAddr() string {
	if c.httpServer == nil {
		return ""
	}
	return c.httpServer.Addr()
}

// MetricsAddr 指标服务实际监听地址
func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

func (c *Container) healthFields() map[string]interface{} {
	fields := map[string]interface{}{
		"state":     c.supervisor.State().String(),
		"window":    c.aggregator.Len(),
		"processed": c.aggregator.Processed(),
		"restarts":  c.supervisor.Restarts(),
	}
	if err := c.HealthCheck(); err != nil {
		fields["status"] = "degraded"
		fields["error"] = err.Error()
	}
	if last, ok := c.aggregator.LastPrice(); ok {
		fields["lastPrice"] = last
	}
	if stats := c.pipeline.GetStatistics(); !stats.LastTickTime.IsZero() {
		fields["lastTickAge"] = time.Since(stats.LastTickTime).Round(time.Millisecond).String()
	}
	return fields
}

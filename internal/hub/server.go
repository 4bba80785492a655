package hub

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/market"
)

// ServerConfig 推送服务参数。
type ServerConfig struct {
	StaticDir    string
	ReplayLatest bool // 新连接先收到最近一次快照
	Client       ClientOptions
	Debug        bool
}

// LatestFunc 返回最近一次快照。
type LatestFunc func() (market.Snapshot, bool)

// HealthFunc 返回 /healthz 附加字段。
type HealthFunc func() map[string]interface{}

// Server gin 路由：/ws 推送，/healthz 健康检查，其余路径为静态页面。
type Server struct {
	cfg      ServerConfig
	engine   *gin.Engine
	registry *Registry
	latest   LatestFunc
	health   HealthFunc
	logger   *logger.Logger
	monitor  *monitor.Monitor
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, reg *Registry, latest LatestFunc, log *logger.Logger, mon *monitor.Monitor) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		latest:   latest,
		logger:   log,
		monitor:  mon,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(ginzap.Ginzap(log.Logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log.Logger, true))
	engine.GET("/ws", s.HandleWebSocket)
	engine.GET("/healthz", s.handleHealth)
	if cfg.StaticDir != "" {
		fs := http.FileServer(http.Dir(cfg.StaticDir))
		engine.NoRoute(gin.WrapH(fs))
	}
	s.engine = engine
	return s
}

// SetHealth 注入健康检查字段（接入状态等）。
func (s *Server) SetHealth(fn HealthFunc) { s.health = fn }

func (s *Server) Handler() http.Handler { return s.engine }

// HandleWebSocket 升级连接并登记订阅者。
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(conn, s.cfg.Client)

	// 先入队历史快照再登记，保证之后的广播一定排在其后
	if s.cfg.ReplayLatest && s.latest != nil {
		if snap, ok := s.latest(); ok {
			if payload, err := snap.Encode(); err == nil {
				_ = client.Enqueue(payload)
			}
		}
	}
	s.registry.Add(client)
	s.updateSubscribers()
	s.logger.Info("subscriber connected",
		zap.String("client_id", client.ID()),
		zap.String("remote", c.ClientIP()),
		zap.Int("subscribers", s.registry.Len()))

	go client.writePump()
	go client.readPump(s.unregister)
}

func (s *Server) unregister(c *Client) {
	if s.registry.Remove(c.ID()) {
		s.updateSubscribers()
		s.logger.Info("subscriber disconnected",
			zap.String("client_id", c.ID()),
			zap.Int("subscribers", s.registry.Len()))
	}
}

func (s *Server) updateSubscribers() {
	if s.monitor != nil {
		s.monitor.SetSubscribers(s.registry.Len())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "subscribers": s.registry.Len()}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

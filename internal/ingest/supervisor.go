package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"candle-relay/gateway"
	"candle-relay/infrastructure/alert"
	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/market"
)

// State 接入状态
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnecting
	StateSubscribing
	StateStreaming
	StateFailed
	StateDisconnected
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateFailed:
		return "FAILED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// IngestionError 登录/连接/订阅/读流任一阶段的失败。
// Panic 为 true 表示该失败来自兜底恢复的 panic。
type IngestionError struct {
	Stage string
	Err   error
	Panic bool
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion %s: %v", e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// TickSource 行情源的最小接口，gateway.BrokerClient 实现它。
type TickSource interface {
	Login(ctx context.Context) error
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, channel string, params gateway.SubscribeParams) error
	Stream(ctx context.Context, out chan<- market.Tick) error
	Close() error
}

// Config 监督器配置
type Config struct {
	Channel       string
	InstrumentID  int
	PeriodSeconds int
	RetryDelay    time.Duration // 固定间隔，无退避无抖动
}

// Components 依赖组件，除 Source 外均可为 nil。
type Components struct {
	Source  TickSource
	Logger  *logger.Logger
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
}

// Supervisor 负责行情源生命周期，任何失败后固定延迟重启，直到 ctx 取消。
//
// 每一轮依次经过 AUTHENTICATING → CONNECTING → SUBSCRIBING → STREAMING：
//   - 任一阶段返回错误或 panic，转为 *IngestionError，进入 FAILED 并告警
//   - 上游正常关闭进入 DISCONNECTED，不算失败
//
// 两种情况都只安排一次重启，等待 RetryDelay 后重新登录。
// 重启后再次进入 STREAMING 时发送恢复通知。
// 推送侧的失败由 hub 自行处理，不会触发重连。
type Supervisor struct {
	config  Config
	source  TickSource
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	state      atomic.Int32
	retryDelay atomic.Int64
	restarts   atomic.Int64

	mu      sync.Mutex
	lastErr error

	// 上一轮以失败或断开结束，仅 Run 所在 goroutine 读写
	recovering bool

	// 可替换，测试中用来驱动重连计时
	after func(time.Duration) <-chan time.Time
}

// New 创建监督器
func New(cfg Config, comp Components) (*Supervisor, error) {
	if comp.Source == nil {
		return nil, errors.New("tick source is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = gateway.CandleChannel
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	log := comp.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Supervisor{
		config:  cfg,
		source:  comp.Source,
		logger:  log,
		monitor: comp.Monitor,
		alerts:  comp.Alerts,
		after:   time.After,
	}
	s.retryDelay.Store(int64(cfg.RetryDelay))
	return s, nil
}

// Run 阻塞运行接入循环，把 tick 写入 out。仅在 ctx 取消时返回。
func (s *Supervisor) Run(ctx context.Context, out chan<- market.Tick) error {
	for {
		err := s.runOnce(ctx, out)
		_ = s.source.Close()
		if ctx.Err() != nil {
			s.setState(StateIdle)
			s.logger.LogIngestion("stopped", nil)
			return ctx.Err()
		}

		s.recovering = true
		if errors.Is(err, gateway.ErrDisconnected) {
			s.setState(StateDisconnected)
			if s.monitor != nil {
				s.monitor.RecordDisconnect()
			}
			s.logger.LogIngestion("disconnected", nil)
		} else {
			s.fail(err)
		}

		delay := s.RetryDelay()
		s.logger.LogIngestion("restart_scheduled", map[string]interface{}{
			"delay":    delay.String(),
			"restarts": s.restarts.Load(),
		})
		select {
		case <-ctx.Done():
			s.setState(StateIdle)
			return ctx.Err()
		case <-s.after(delay):
		}
		s.restarts.Add(1)
		if s.monitor != nil {
			s.monitor.RecordIngestionRestart()
		}
	}
}

// runOnce 执行一轮 登录→连接→订阅→读流。panic 被转换为 IngestionError。
func (s *Supervisor) runOnce(ctx context.Context, out chan<- market.Tick) (err error) {
	stage := "login"
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ingestion panic recovered",
				zap.String("stage", stage),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = &IngestionError{Stage: stage, Err: fmt.Errorf("panic: %v", r), Panic: true}
		}
	}()

	s.setState(StateAuthenticating)
	if err := s.source.Login(ctx); err != nil {
		return &IngestionError{Stage: stage, Err: err}
	}

	stage = "connect"
	s.setState(StateConnecting)
	if err := s.source.Connect(ctx); err != nil {
		return &IngestionError{Stage: stage, Err: err}
	}

	stage = "subscribe"
	s.setState(StateSubscribing)
	params := gateway.SubscribeParams{InstrumentID: s.config.InstrumentID, PeriodSeconds: s.config.PeriodSeconds}
	if err := s.source.Subscribe(ctx, s.config.Channel, params); err != nil {
		return &IngestionError{Stage: stage, Err: err}
	}

	stage = "stream"
	s.setState(StateStreaming)
	s.logger.LogIngestion("streaming", map[string]interface{}{
		"channel":       s.config.Channel,
		"instrument_id": s.config.InstrumentID,
		"period":        s.config.PeriodSeconds,
	})
	if s.recovering {
		s.recovering = false
		if s.alerts != nil {
			_ = s.alerts.SendInfo("ingest_recovered", "ingestion streaming again", map[string]interface{}{
				"restarts": s.restarts.Load(),
			})
		}
	}
	if err := s.source.Stream(ctx, out); err != nil {
		if errors.Is(err, gateway.ErrDisconnected) {
			return err
		}
		return &IngestionError{Stage: stage, Err: err}
	}
	// 流正常结束等同于断开
	return gateway.ErrDisconnected
}

func (s *Supervisor) fail(err error) {
	s.setState(StateFailed)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	stage := "unknown"
	panicked := false
	var ierr *IngestionError
	if errors.As(err, &ierr) {
		stage, panicked = ierr.Stage, ierr.Panic
	}
	if s.monitor != nil {
		s.monitor.RecordIngestionFailure(stage)
	}
	s.logger.LogError(err, map[string]interface{}{"component": "ingest", "stage": stage})
	if s.alerts == nil {
		return
	}
	fields := map[string]interface{}{"stage": stage}
	if panicked {
		_ = s.alerts.SendError("ingest_panic_"+stage, "ingestion panic: "+err.Error(), fields)
		return
	}
	_ = s.alerts.SendWarning("ingest_"+stage, "ingestion failed: "+err.Error(), fields)
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if s.monitor != nil {
		s.monitor.SetIngestionState(int(st))
	}
	if prev != st {
		s.logger.Debug("ingestion state",
			zap.String("from", prev.String()),
			zap.String("to", st.String()))
	}
}

// State 当前状态
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Restarts 已发生的重启次数
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// LastError 最近一次失败
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RetryDelay 当前重连间隔
func (s *Supervisor) RetryDelay() time.Duration { return time.Duration(s.retryDelay.Load()) }

// SetRetryDelay 热更新重连间隔，下一次重连生效。
func (s *Supervisor) SetRetryDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	s.retryDelay.Store(int64(d))
}

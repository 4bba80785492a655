package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/internal/hub"
	"candle-relay/market"
)

// PipelineState 流水线状态
type PipelineState int

const (
	// StateIdle 空闲状态
	StateIdle PipelineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 流水线配置
type Config struct {
	TickBuffer int // tick 通道缓冲
}

// Components 流水线依赖组件
type Components struct {
	Aggregator  *market.Aggregator
	Broadcaster *hub.Broadcaster
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
}

// Statistics 流水线统计信息
type Statistics struct {
	StartTime     time.Time
	TotalTicks    int64
	InvalidTicks  int64
	TotalErrors   int64
	LastTickTime  time.Time
	DeliveryFails int64
}

// Pipeline 单消费者：逐个处理 tick，聚合后广播。
type Pipeline struct {
	config      Config
	aggregator  *market.Aggregator
	broadcaster *hub.Broadcaster
	logger      *logger.Logger
	monitor     *monitor.Monitor

	ticks chan market.Tick

	state PipelineState
	mu    sync.RWMutex

	stopChan chan struct{}
	doneChan chan struct{}

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建流水线
func New(cfg Config, comp Components) (*Pipeline, error) {
	if comp.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if comp.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.TickBuffer < 0 {
		return nil, fmt.Errorf("invalid tick buffer %d", cfg.TickBuffer)
	}
	log := comp.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		config:      cfg,
		aggregator:  comp.Aggregator,
		broadcaster: comp.Broadcaster,
		logger:      log,
		monitor:     comp.Monitor,
		ticks:       make(chan market.Tick, cfg.TickBuffer),
		state:       StateIdle,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}, nil
}

// Ticks 生产端写入的通道，整个进程只有这一个入口。
func (p *Pipeline) Ticks() chan<- market.Tick { return p.ticks }

// Start 启动消费循环
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started (state: %s)", p.state)
	}
	p.state = StateRunning
	p.mu.Unlock()

	p.statsMu.Lock()
	p.stats.StartTime = time.Now()
	p.statsMu.Unlock()

	go p.run(ctx)
	p.logger.Info("Pipeline started", zap.Int("tick_buffer", cap(p.ticks)))
	return nil
}

// Stop 停止消费循环，幂等。
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("pipeline not running (state: %s)", p.state)
	}
	p.state = StateStopped
	p.mu.Unlock()

	close(p.stopChan)
	select {
	case <-p.doneChan:
	case <-time.After(5 * time.Second):
		p.logger.Warn("Timeout waiting for pipeline to stop")
	}
	p.logger.Info("Pipeline stopped")
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case t := <-p.ticks:
			p.onTick(t)
		}
	}
}

// onTick 处理单个 tick，panic 只影响当前 tick。
func (p *Pipeline) onTick(t market.Tick) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.recordError()
			p.logger.Error("tick processing panic recovered",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	snap, err := p.aggregator.ProcessTick(t)
	if err != nil {
		var invalid *market.InvalidTickError
		if errors.As(err, &invalid) {
			p.statsMu.Lock()
			p.stats.InvalidTicks++
			p.statsMu.Unlock()
			if p.monitor != nil {
				p.monitor.RecordInvalidTick()
			}
			p.logger.Warn("invalid tick dropped", zap.Float64("price", invalid.Price), zap.String("reason", invalid.Reason))
			return
		}
		p.recordError()
		p.logger.LogError(err, map[string]interface{}{"component": "pipeline"})
		return
	}

	failures, err := p.broadcaster.Broadcast(snap)
	if err != nil {
		p.recordError()
		p.logger.LogError(err, map[string]interface{}{"component": "broadcast"})
	}

	p.statsMu.Lock()
	p.stats.TotalTicks++
	p.stats.LastTickTime = time.Now()
	p.stats.DeliveryFails += int64(len(failures))
	p.statsMu.Unlock()

	if n := len(snap.History); n > 0 {
		last := snap.History[n-1]
		p.logger.LogTick(last.Time, last.Price, last.Change, n)
	}
	if p.monitor != nil {
		p.monitor.RecordTick(t.Price, len(snap.History), time.Since(start).Seconds())
		p.monitor.UpdateStats(parsePct(snap.Stats.PctUp), parsePct(snap.Stats.PctDown), parsePct(snap.Stats.PctFlat))
	}
}

func (p *Pipeline) recordError() {
	p.statsMu.Lock()
	p.stats.TotalErrors++
	p.statsMu.Unlock()
}

// GetState 返回当前状态
func (p *Pipeline) GetState() PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// GetStatistics 返回统计快照
func (p *Pipeline) GetStatistics() Statistics {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func parsePct(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

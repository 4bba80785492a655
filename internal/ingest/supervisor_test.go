package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"candle-relay/gateway"
	"candle-relay/infrastructure/alert"
	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/market"
)

// scriptedSource 每轮按 attempts 中的脚本执行，Close 推进到下一轮。
type scriptedSource struct {
	mu       sync.Mutex
	attempts []attempt
	closed   int
	lastSub  gateway.SubscribeParams
	lastChan string
}

type attempt struct {
	loginErr     error
	connectErr   error
	subscribeErr error
	panicOn      string
	ticks        []market.Tick
	streamErr    error
}

func (s *scriptedSource) current() attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed < len(s.attempts) {
		return s.attempts[s.closed]
	}
	return attempt{streamErr: gateway.ErrDisconnected}
}

func (s *scriptedSource) Login(ctx context.Context) error {
	a := s.current()
	if a.panicOn == "login" {
		panic("login exploded")
	}
	return a.loginErr
}

func (s *scriptedSource) Connect(ctx context.Context) error { return s.current().connectErr }

func (s *scriptedSource) Subscribe(ctx context.Context, channel string, p gateway.SubscribeParams) error {
	s.mu.Lock()
	s.lastChan, s.lastSub = channel, p
	s.mu.Unlock()
	return s.current().subscribeErr
}

func (s *scriptedSource) Stream(ctx context.Context, out chan<- market.Tick) error {
	a := s.current()
	for _, t := range a.ticks {
		out <- t
	}
	return a.streamErr
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// manualClock 记录每次请求的延迟并由测试放行。
type manualClock struct {
	requests chan time.Duration
	fire     chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{requests: make(chan time.Duration, 16), fire: make(chan time.Time)}
}

func (c *manualClock) after(d time.Duration) <-chan time.Time {
	c.requests <- d
	return c.fire
}

func (c *manualClock) expectWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.requests:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no restart scheduled")
		return 0
	}
}

func newTestSupervisor(t *testing.T, src TickSource, clock *manualClock) *Supervisor {
	t.Helper()
	s, err := New(Config{InstrumentID: 76, PeriodSeconds: 1}, Components{Source: src})
	require.NoError(t, err)
	s.after = clock.after
	return s
}

func TestSupervisorDisconnectSchedulesOneRetry(t *testing.T) {
	src := &scriptedSource{attempts: []attempt{
		{ticks: []market.Tick{{Price: 1, Timestamp: 1}}, streamErr: gateway.ErrDisconnected},
	}}
	clock := newManualClock()
	s := newTestSupervisor(t, src, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan market.Tick, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	assert.Equal(t, 5*time.Second, clock.expectWait(t))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, market.Tick{Price: 1, Timestamp: 1}, <-out)
	assert.Equal(t, gateway.CandleChannel, src.lastChan)
	assert.Equal(t, gateway.SubscribeParams{InstrumentID: 76, PeriodSeconds: 1}, src.lastSub)

	select {
	case d := <-clock.requests:
		t.Fatalf("unexpected second restart scheduled: %v", d)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int64(0), s.Restarts())
	assert.Equal(t, StateIdle, s.State())
}

func TestSupervisorRetriesIndefinitely(t *testing.T) {
	boom := errors.New("auth down")
	src := &scriptedSource{attempts: []attempt{
		{loginErr: boom}, {loginErr: boom}, {connectErr: errors.New("dial refused")}, {loginErr: boom},
	}}
	clock := newManualClock()
	s := newTestSupervisor(t, src, clock)
	s.SetRetryDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan market.Tick, 1)) }()

	for i := 0; i < 4; i++ {
		assert.Equal(t, time.Second, clock.expectWait(t))
		assert.Equal(t, StateFailed, s.State())
		clock.fire <- time.Now()
	}
	clock.expectWait(t)
	cancel()
	<-done

	assert.Equal(t, int64(4), s.Restarts())
	var ierr *IngestionError
	require.True(t, errors.As(s.LastError(), &ierr))
	assert.Equal(t, "login", ierr.Stage)
	assert.ErrorIs(t, s.LastError(), boom)
}

func TestSupervisorStageFailures(t *testing.T) {
	testCases := []struct {
		name    string
		attempt attempt
		stage   string
		ticks   int
	}{
		{"订阅被拒", attempt{subscribeErr: errors.New("unknown instrument")}, "subscribe", 0},
		{"读流出错", attempt{ticks: []market.Tick{{Price: 2, Timestamp: 2}}, streamErr: errors.New("read: i/o timeout")}, "stream", 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := &scriptedSource{attempts: []attempt{tc.attempt}}
			clock := newManualClock()
			mon := monitor.New(monitor.DefaultConfig())
			s, err := New(Config{InstrumentID: 76, PeriodSeconds: 1}, Components{Source: src, Monitor: mon})
			require.NoError(t, err)
			s.after = clock.after

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			out := make(chan market.Tick, 4)
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx, out) }()

			assert.Equal(t, 5*time.Second, clock.expectWait(t))
			assert.Equal(t, StateFailed, s.State())
			assert.Len(t, out, tc.ticks)

			var ierr *IngestionError
			require.True(t, errors.As(s.LastError(), &ierr))
			assert.Equal(t, tc.stage, ierr.Stage)
			assert.Equal(t, 1.0, testutil.ToFloat64(mon.IngestionFailures(tc.stage)))

			select {
			case d := <-clock.requests:
				t.Fatalf("unexpected second restart scheduled: %v", d)
			case <-time.After(50 * time.Millisecond):
			}

			cancel()
			assert.ErrorIs(t, <-done, context.Canceled)
			assert.Equal(t, int64(0), s.Restarts())
		})
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	src := &scriptedSource{attempts: []attempt{{panicOn: "login"}}}
	clock := newManualClock()

	core, logs := observer.New(zap.DebugLevel)
	s, err := New(Config{InstrumentID: 1, PeriodSeconds: 1}, Components{
		Source: src,
		Logger: logger.Wrap(zap.New(core)),
		Alerts: alert.NewManager([]alert.Channel{alert.NewZapChannel("log", zap.New(core))}, time.Minute),
	})
	require.NoError(t, err)
	s.after = clock.after

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan market.Tick)) }()

	clock.expectWait(t)
	cancel()
	<-done

	var ierr *IngestionError
	require.True(t, errors.As(s.LastError(), &ierr))
	assert.Contains(t, ierr.Error(), "login exploded")
	assert.Equal(t, 1, logs.FilterMessage("ingestion panic recovered").Len())
	assert.True(t, ierr.Panic)
	alerts := logs.FilterMessageSnippet("[ALERT] ingestion panic").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, zapcore.ErrorLevel, alerts[0].Level)
	assert.GreaterOrEqual(t, src.closed, 1, "source closed after failed attempt")
}

func TestSupervisorAlertsOnRecovery(t *testing.T) {
	src := &scriptedSource{attempts: []attempt{
		{loginErr: errors.New("auth down")},
		{streamErr: gateway.ErrDisconnected},
	}}
	clock := newManualClock()

	core, logs := observer.New(zap.InfoLevel)
	s, err := New(Config{InstrumentID: 1, PeriodSeconds: 1}, Components{
		Source: src,
		Alerts: alert.NewManager([]alert.Channel{alert.NewZapChannel("log", zap.New(core))}, time.Minute),
	})
	require.NoError(t, err)
	s.after = clock.after

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan market.Tick)) }()

	clock.expectWait(t)
	assert.Equal(t, 0, logs.FilterMessageSnippet("streaming again").Len(), "no recovery before restart")
	clock.fire <- time.Now()
	clock.expectWait(t)
	cancel()
	<-done

	warn := logs.FilterMessageSnippet("[ALERT] ingestion failed").All()
	require.Len(t, warn, 1)
	assert.Equal(t, zapcore.WarnLevel, warn[0].Level)
	recovered := logs.FilterMessageSnippet("[ALERT] ingestion streaming again").All()
	require.Len(t, recovered, 1)
	assert.Equal(t, zapcore.InfoLevel, recovered[0].Level)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)
}

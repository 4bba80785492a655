package market

import (
	"sync"
	"time"
)

// AggregatorConfig 窗口聚合器配置。
type AggregatorConfig struct {
	Capacity int            // 窗口容量，默认 100
	Location *time.Location // 时刻显示时区，默认 time.Local
}

// Aggregator 逐个消费 tick，维护 LastPrice 与定长窗口并生成快照。
//
// 每个合法 tick 生成一条 HistoryRecord：
//   - 价格保留 6 位小数，时刻按 loc 格式化为 HH:MM:SS
//   - 变化率 = (price - lastPrice) / lastPrice * 100，首个 tick 为 0
//   - 涨跌方向取自显示出来的 9 位小数，显示为零即持平
//
// 窗口满后淘汰最旧记录，涨/跌/平计数随之增量调整。
// ProcessTick 只能由单一消费者调用；Latest/LastPrice 可被其它 goroutine 并发读取。
type Aggregator struct {
	mu        sync.RWMutex
	window    *Window
	loc       *time.Location
	lastPrice float64
	hasLast   bool
	latest    Snapshot
	processed int64
}

// NewAggregator 创建聚合器。
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	w := NewWindow(cfg.Capacity)
	return &Aggregator{
		window: w,
		loc:    loc,
		latest: Snapshot{History: []HistoryRecord{}, Stats: w.Stats()},
	}
}

// ProcessTick 计算变化率、追加记录、必要时淘汰最旧记录并返回新快照。
// 非法 tick 返回 *InvalidTickError，状态保持不变。
func (a *Aggregator) ProcessTick(t Tick) (Snapshot, error) {
	if err := t.Validate(); err != nil {
		return Snapshot{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	change := 0.0
	if a.hasLast {
		change = (t.Price - a.lastPrice) / a.lastPrice * 100
	}
	a.lastPrice = t.Price
	a.hasLast = true

	formatted := FormatChange(change)
	rec := HistoryRecord{
		Price:     FormatPrice(t.Price),
		Time:      FormatClock(t.Timestamp, a.loc),
		Change:    formatted,
		direction: signOf(formatted),
	}
	a.window.Push(rec)
	a.processed++

	a.latest = Snapshot{
		History: a.window.Records(),
		Stats:   a.window.Stats(),
	}
	return a.latest, nil
}

// Latest 返回最近一次生成的快照；尚未处理任何 tick 时 ok 为 false。
func (a *Aggregator) Latest() (snap Snapshot, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.processed > 0
}

// LastPrice 返回最近一次观测到的原始价格。
func (a *Aggregator) LastPrice() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastPrice, a.hasLast
}

// Len 当前窗口长度。
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.window.Len()
}

// Processed 累计处理的合法 tick 数。
func (a *Aggregator) Processed() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.processed
}

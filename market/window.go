package market

// DefaultCapacity 窗口默认容量。
const DefaultCapacity = 100

// Window 定长环形窗口，按到达顺序保存记录（最旧在前）。
// 同时维护涨/跌/平计数，追加与淘汰时增量调整，结果与全量扫描一致。
type Window struct {
	data     []HistoryRecord
	capacity int
	index    int // 下一个写入位置
	size     int

	up   int
	down int
	flat int
}

// NewWindow 创建窗口；capacity <= 0 时使用默认容量。
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		data:     make([]HistoryRecord, capacity),
		capacity: capacity,
	}
}

// Push 追加一条记录；窗口已满时先淘汰最旧的一条并返回 true。
func (w *Window) Push(rec HistoryRecord) (evicted bool) {
	if w.size == w.capacity {
		w.count(w.data[w.index].direction, -1)
		evicted = true
	} else {
		w.size++
	}
	w.data[w.index] = rec
	w.count(rec.direction, 1)
	w.index = (w.index + 1) % w.capacity
	return evicted
}

func (w *Window) count(dir int8, delta int) {
	switch {
	case dir > 0:
		w.up += delta
	case dir < 0:
		w.down += delta
	default:
		w.flat += delta
	}
}

// Len 当前记录数。
func (w *Window) Len() int { return w.size }

// Cap 窗口容量。
func (w *Window) Cap() int { return w.capacity }

// Records 返回记录副本，最旧在前；空窗口返回空切片而非 nil。
func (w *Window) Records() []HistoryRecord {
	out := make([]HistoryRecord, w.size)
	start := (w.index - w.size + w.capacity) % w.capacity
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(start+i)%w.capacity]
	}
	return out
}

// Counts 返回涨/跌/平计数。
func (w *Window) Counts() (up, down, flat int) {
	return w.up, w.down, w.flat
}

// Stats 计算当前窗口的百分比统计。
func (w *Window) Stats() Stats {
	if w.size == 0 {
		zero := FormatPercent(0)
		return Stats{PctUp: zero, PctDown: zero, PctFlat: zero}
	}
	total := float64(w.size)
	return Stats{
		PctUp:   FormatPercent(float64(w.up) / total * 100),
		PctDown: FormatPercent(float64(w.down) / total * 100),
		PctFlat: FormatPercent(float64(w.flat) / total * 100),
	}
}

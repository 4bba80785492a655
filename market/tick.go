package market

import (
	"fmt"
	"math"
)

// Tick 一次价格观测；Timestamp 为 epoch 秒。
type Tick struct {
	Price     float64
	Timestamp int64
}

// InvalidTickError 表示 tick 在进入窗口前被拒绝，窗口与 LastPrice 不受影响。
type InvalidTickError struct {
	Price  float64
	Reason string
}

func (e *InvalidTickError) Error() string {
	return fmt.Sprintf("invalid tick price %v: %s", e.Price, e.Reason)
}

// Validate 校验价格为有限正数。
func (t Tick) Validate() error {
	switch {
	case math.IsNaN(t.Price):
		return &InvalidTickError{Price: t.Price, Reason: "NaN"}
	case math.IsInf(t.Price, 0):
		return &InvalidTickError{Price: t.Price, Reason: "infinite"}
	case t.Price <= 0:
		// 下一次变化率以它为分母
		return &InvalidTickError{Price: t.Price, Reason: "must be > 0"}
	}
	return nil
}

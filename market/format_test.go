package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToFixed(t *testing.T) {
	testCases := []struct {
		name   string
		v      float64
		digits int
		want   string
	}{
		{"整数价格", 100, priceDigits, "100.000000"},
		{"零变化", 0, changeDigits, "0.000000000"},
		{"负零不带符号", math.Copysign(0, -1), changeDigits, "0.000000000"},
		{"负变化", -0.5, changeDigits, "-0.500000000"},
		{"舍入为零的负数", -1e-12, changeDigits, "0.000000000"},
		{"舍入为零的正数", 1e-12, changeDigits, "0.000000000"},
		{"最小可见负变化", -1e-9, changeDigits, "-0.000000001"},
		{"中点远离零舍入", 3.125, statDigits, "3.13"},
		{"负中点远离零舍入", -3.125, statDigits, "-3.13"},
		{"小于一的中点", 0.125, statDigits, "0.13"},
		{"非中点走最近舍入", 14.285714285714286, statDigits, "14.29"},
		{"全部上涨", 100, statDigits, "100.00"},
		{"非精确的 0.005", 1.005, statDigits, "1.00"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, toFixed(tc.v, tc.digits))
		})
	}
}

func TestToFixedNonFinite(t *testing.T) {
	assert.Equal(t, "NaN", toFixed(math.NaN(), 2))
	assert.Equal(t, "+Inf", toFixed(math.Inf(1), 2))
}

func TestSignOf(t *testing.T) {
	assert.Equal(t, int8(1), signOf("0.000000001"))
	assert.Equal(t, int8(-1), signOf("-0.500000000"))
	assert.Equal(t, int8(0), signOf("0.000000000"))
	assert.Equal(t, int8(0), signOf("-0.000000000"))
	assert.Equal(t, int8(0), signOf("NaN"))
}

func TestFormatClock(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	assert.Equal(t, "19:13:20", FormatClock(1700000000, loc))
	assert.Equal(t, "22:13:20", FormatClock(1700000000, time.UTC))
}

func TestWindowStatsWithThirtyTwoRecords(t *testing.T) {
	w := NewWindow(DefaultCapacity)
	w.Push(HistoryRecord{direction: 1})
	for i := 0; i < 31; i++ {
		w.Push(HistoryRecord{direction: 0})
	}
	// 1/32*100 = 3.125，恰好是中点
	assert.Equal(t, Stats{PctUp: "3.13", PctDown: "0.00", PctFlat: "96.88"}, w.Stats())
}

func TestWindowCountsFollowEviction(t *testing.T) {
	w := NewWindow(3)
	w.Push(HistoryRecord{Price: "a", direction: 1})
	w.Push(HistoryRecord{Price: "b", direction: -1})
	w.Push(HistoryRecord{Price: "c", direction: 0})
	assert.True(t, w.Push(HistoryRecord{Price: "d", direction: 0}), "full window must evict")

	up, down, flat := w.Counts()
	assert.Equal(t, 0, up)
	assert.Equal(t, 1, down)
	assert.Equal(t, 2, flat)

	recs := w.Records()
	assert.Equal(t, []string{"b", "c", "d"}, []string{recs[0].Price, recs[1].Price, recs[2].Price})
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())
}

func TestNewWindowDefaultsCapacity(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultCapacity, w.Cap())
	assert.NotNil(t, w.Records())
	assert.Empty(t, w.Records())
}

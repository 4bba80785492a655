package market

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	priceDigits  = 6
	changeDigits = 9
	statDigits   = 2

	// TimeLayout 观看端显示的时刻格式（24 小时制，无日期）。
	TimeLayout = "15:04:05"
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
	bigTen = big.NewInt(10)
)

// toFixed 按浮点数的二进制精确值保留 digits 位小数。
// 恰好处于中点时远离零舍入（strconv 为银行家舍入）。
// 舍入后为零的负数（含 -0）输出不带符号，如 -1e-12 输出 0.000000000。
func toFixed(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', digits, 64)
	}
	return dropNegativeZero(roundHalfAway(v, digits))
}

func roundHalfAway(v float64, digits int) string {
	s := strconv.FormatFloat(v, 'f', digits, 64)

	r := new(big.Rat).SetFloat64(math.Abs(v))
	scale := new(big.Int).Exp(bigTen, big.NewInt(int64(digits)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if r.Denom().Cmp(bigTwo) != 0 {
		return s
	}

	// r = num/2 且 num 为奇数
	n := new(big.Int).Add(r.Num(), bigOne)
	n.Rsh(n, 1)
	digitsStr := n.String()
	if len(digitsStr) <= digits {
		digitsStr = strings.Repeat("0", digits-len(digitsStr)+1) + digitsStr
	}
	intPart := digitsStr[:len(digitsStr)-digits]
	out := intPart
	if digits > 0 {
		out += "." + digitsStr[len(digitsStr)-digits:]
	}
	if v < 0 {
		out = "-" + out
	}
	return out
}

// dropNegativeZero 去掉全零结果前的负号。
func dropNegativeZero(s string) string {
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		return s[1:]
	}
	return s
}

// signOf 按显示出来的小数判定涨跌：显示为零的变化算持平。
func signOf(formatted string) int8 {
	v, err := strconv.ParseFloat(formatted, 64)
	switch {
	case err != nil:
		return 0
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// FormatPrice 价格保留 6 位小数。
func FormatPrice(p float64) string { return toFixed(p, priceDigits) }

// FormatChange 变化率保留 9 位小数。
func FormatChange(pct float64) string { return toFixed(pct, changeDigits) }

// FormatPercent 统计百分比保留 2 位小数。
func FormatPercent(pct float64) string { return toFixed(pct, statDigits) }

// FormatClock 将 epoch 秒转换为 loc 下的时刻字符串。
func FormatClock(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(ts, 0).In(loc).Format(TimeLayout)
}

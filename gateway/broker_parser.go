package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"candle-relay/market"
)

// ErrNonCandle 帧不是 candle-generated 消息。
var ErrNonCandle = errors.New("not a candle frame")

// Frame broker websocket 统一包装。
type Frame struct {
	Name      string          `json:"name"`
	RequestID string          `json:"request_id,omitempty"`
	Msg       json.RawMessage `json:"msg"`
}

// CandleMessage candle-generated 的核心字段；min/max 对应 low/high。
type CandleMessage struct {
	ActiveID int64       `json:"active_id"`
	Size     int64       `json:"size"`
	At       int64       `json:"at"`
	From     int64       `json:"from"`
	Open     json.Number `json:"open"`
	Close    json.Number `json:"close"`
	Min      json.Number `json:"min"`
	Max      json.Number `json:"max"`
}

// ParseFrame 解析外层包装。
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// ParseCandle 解析 candle-generated 帧，时间戳统一为 epoch 秒。
func ParseCandle(raw []byte) (market.Candle, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return market.Candle{}, err
	}
	if f.Name != CandleChannel {
		return market.Candle{}, ErrNonCandle
	}
	return decodeCandle(f.Msg)
}

func decodeCandle(msg json.RawMessage) (market.Candle, error) {
	var cm CandleMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		return market.Candle{}, fmt.Errorf("decode candle: %w", err)
	}
	closePrice, err := cm.Close.Float64()
	if err != nil {
		return market.Candle{}, fmt.Errorf("candle close: %w", err)
	}
	at := cm.At
	if at == 0 {
		at = cm.From
	}
	c := market.Candle{
		ActiveID: cm.ActiveID,
		Size:     cm.Size,
		Close:    closePrice,
		At:       NormalizeEpochSeconds(at),
	}
	// open/min/max 缺失时不影响收盘价
	c.Open, _ = cm.Open.Float64()
	c.Low, _ = cm.Min.Float64()
	c.High, _ = cm.Max.Float64()
	return c, nil
}

// NormalizeEpochSeconds 将秒/毫秒/微秒/纳秒时间戳统一为秒。
func NormalizeEpochSeconds(v int64) int64 {
	switch {
	case v >= 1e17:
		return v / 1e9
	case v >= 1e14:
		return v / 1e6
	case v >= 1e11:
		return v / 1e3
	default:
		return v
	}
}

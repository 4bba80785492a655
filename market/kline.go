package market

// Candle broker 推送的 candle-generated 数据，At 已归一化为 epoch 秒。
type Candle struct {
	ActiveID int64
	Size     int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	At       int64
}

// Tick 取收盘价作为一次价格观测。
func (c Candle) Tick() Tick {
	return Tick{Price: c.Close, Timestamp: c.At}
}

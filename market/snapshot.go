package market

import "encoding/json"

// HistoryRecord 窗口中的一条历史记录，创建后不再修改。
type HistoryRecord struct {
	Price  string `json:"preco"`
	Time   string `json:"horario"`
	Change string `json:"variacao"`

	// 变化方向，由未格式化的变化率决定：1 上涨，-1 下跌，0 持平
	direction int8
}

// Direction 返回记录的涨跌方向。
func (r HistoryRecord) Direction() int {
	return int(r.direction)
}

// Stats 当前窗口内上涨/下跌/持平记录占比（两位小数）。
type Stats struct {
	PctUp   string `json:"pctSubida"`
	PctDown string `json:"pctQueda"`
	PctFlat string `json:"pctEstavel"`
}

// Snapshot 推送给订阅者的完整状态，每个 tick 生成一个新值。
type Snapshot struct {
	History []HistoryRecord `json:"historico"`
	Stats   Stats           `json:"stats"`
}

// Encode 序列化为推送通道的文本格式。
func (s Snapshot) Encode() ([]byte, error) {
	if s.History == nil {
		s.History = []HistoryRecord{}
	}
	return json.Marshal(s)
}

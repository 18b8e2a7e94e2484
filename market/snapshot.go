package market

import "time"

// Snapshot is a full depth image fetched from the exchange.
type Snapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
}

// Delta 增量深度消息，覆盖序列区间 [FirstUpdateID, FinalUpdateID]。
type Delta struct {
	Symbol        string
	EventTime     int64 // ms
	FirstUpdateID int64 // U
	FinalUpdateID int64 // u
	Bids          []Level
	Asks          []Level
}

// Applicable reports whether d continues a book whose last applied id is lastID.
func (d Delta) Applicable(lastID int64) bool {
	next := lastID + 1
	return d.FirstUpdateID <= next && next <= d.FinalUpdateID
}

// BookView 是订单簿某一时刻的只读拷贝，供历史采样/广播使用，不与活动订单簿共享底层数组。
type BookView struct {
	Symbol       string
	LastUpdateID int64
	CapturedAt   time.Time
	Bids         []Level
	Asks         []Level
}

// Empty reports whether the view carries no levels at all.
func (v BookView) Empty() bool {
	return len(v.Bids) == 0 && len(v.Asks) == 0
}

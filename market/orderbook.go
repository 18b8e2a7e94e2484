package market

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrSequenceGap 增量起点晚于 lastUpdateID+1，中间有消息丢失，需要重新拉快照。
	ErrSequenceGap = errors.New("order book: sequence gap")
	// ErrNotReady 尚未加载快照。
	ErrNotReady = errors.New("order book: not ready")
	// ErrInvalidDelta 增量本身不合法（区间颠倒/负数量）。
	ErrInvalidDelta = errors.New("order book: invalid delta")
)

// OrderBook 单个交易对的本地副本。
// 只允许一个 goroutine 写入（对应的同步器），其他读者通过 View 拿拷贝。
type OrderBook struct {
	Symbol string

	bids bookSide
	asks bookSide

	lastUpdateID int64
	loadedAt     time.Time
	updatedAt    time.Time
	ready        bool
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   bookSide{desc: true},
		asks:   bookSide{},
	}
}

// ApplySnapshot 用快照整体替换两侧并重置序列号。
func (ob *OrderBook) ApplySnapshot(snap Snapshot) {
	ob.bids = newBookSide(snap.Bids, true)
	ob.asks = newBookSide(snap.Asks, false)
	ob.lastUpdateID = snap.LastUpdateID
	now := time.Now()
	ob.loadedAt = now
	ob.updatedAt = now
	ob.ready = true
}

// ApplyDelta 应用增量更新，qty 为 0 表示删除该档。
// 过期增量返回 (false, nil) 且不做任何修改；出现断档返回 ErrSequenceGap，同样不修改。
func (ob *OrderBook) ApplyDelta(d Delta) (bool, error) {
	if !ob.ready {
		return false, ErrNotReady
	}
	if err := validateDelta(d); err != nil {
		return false, err
	}
	next := ob.lastUpdateID + 1
	if d.FinalUpdateID < next {
		return false, nil
	}
	if d.FirstUpdateID > next {
		return false, ErrSequenceGap
	}
	for _, lv := range d.Bids {
		ob.bids.set(lv)
	}
	for _, lv := range d.Asks {
		ob.asks.set(lv)
	}
	ob.lastUpdateID = d.FinalUpdateID
	ob.updatedAt = time.Now()
	return true, nil
}

func validateDelta(d Delta) error {
	if d.FirstUpdateID > d.FinalUpdateID {
		return ErrInvalidDelta
	}
	for _, lv := range d.Bids {
		if lv.Quantity.IsNegative() {
			return ErrInvalidDelta
		}
	}
	for _, lv := range d.Asks {
		if lv.Quantity.IsNegative() {
			return ErrInvalidDelta
		}
	}
	return nil
}

func (ob *OrderBook) Ready() bool { return ob.ready }

func (ob *OrderBook) LastUpdateID() int64 { return ob.lastUpdateID }

func (ob *OrderBook) LoadedAt() time.Time { return ob.loadedAt }

func (ob *OrderBook) UpdatedAt() time.Time { return ob.updatedAt }

// BestBid 返回买一；买盘为空时 ok=false。
func (ob *OrderBook) BestBid() (Level, bool) {
	return ob.bids.best()
}

// BestAsk 返回卖一；卖盘为空时 ok=false。
func (ob *OrderBook) BestAsk() (Level, bool) {
	return ob.asks.best()
}

// MidPrice 返回中间价；任一侧为空时 ok=false，调用方应视为未就绪。
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, ok := ob.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := ob.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best ask minus best bid.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, ok := ob.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := ob.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Crossed reports a book whose best bid is at or above its best ask.
func (ob *OrderBook) Crossed() bool {
	bid, ok := ob.BestBid()
	if !ok {
		return false
	}
	ask, ok := ob.BestAsk()
	if !ok {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// VolumeInBucket 汇总 low <= price < high 区间内的挂单量。
func (ob *OrderBook) VolumeInBucket(low, high decimal.Decimal, side Side) decimal.Decimal {
	s := &ob.bids
	if side == SideAsk {
		s = &ob.asks
	}
	total := decimal.Zero
	for _, lv := range s.levels {
		if lv.Price.GreaterThanOrEqual(low) && lv.Price.LessThan(high) {
			total = total.Add(lv.Quantity)
		}
	}
	return total
}

// Depth returns the number of levels on each side.
func (ob *OrderBook) Depth() (bids, asks int) {
	return len(ob.bids.levels), len(ob.asks.levels)
}

// View 复制前 depth 档（depth<=0 表示全部）。
func (ob *OrderBook) View(depth int) BookView {
	return BookView{
		Symbol:       ob.Symbol,
		LastUpdateID: ob.lastUpdateID,
		CapturedAt:   time.Now(),
		Bids:         ob.bids.top(depth),
		Asks:         ob.asks.top(depth),
	}
}

// bookSide 有序价位数组：desc=true 为买盘（价格降序），否则为卖盘（升序）。
type bookSide struct {
	desc   bool
	levels []Level
}

func newBookSide(levels []Level, desc bool) bookSide {
	s := bookSide{desc: desc, levels: make([]Level, 0, len(levels))}
	for _, lv := range levels {
		s.set(lv)
	}
	return s
}

// search returns the index where price sits or would be inserted.
func (s *bookSide) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		c := s.levels[i].Price.Cmp(price)
		if s.desc {
			return c <= 0
		}
		return c >= 0
	})
}

func (s *bookSide) set(lv Level) {
	i := s.search(lv.Price)
	found := i < len(s.levels) && s.levels[i].Price.Equal(lv.Price)
	if !lv.Quantity.IsPositive() {
		if found {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}
	if found {
		s.levels[i].Quantity = lv.Quantity
		return
	}
	s.levels = append(s.levels, Level{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lv
}

func (s *bookSide) best() (Level, bool) {
	if len(s.levels) == 0 {
		return Level{}, false
	}
	return s.levels[0], true
}

func (s *bookSide) top(depth int) []Level {
	n := len(s.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]Level, n)
	copy(out, s.levels[:n])
	return out
}

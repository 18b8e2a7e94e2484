// Package store 保存每个交易对最近一段时间的订单簿采样，供新订阅者回补。
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/market"
)

// DefaultCapacity 1s 采样下约 5 分钟。
const DefaultCapacity = 300

// History 每个交易对一个环形缓冲（gammazero/deque），超出容量丢弃最旧的。
// 写入方是各交易对的同步器，读取方是注册表；视图本身不可变，可直接共享。
type History struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*deque.Deque[market.BookView]

	persister *Persister
	mon       *monitor.Monitor
}

// NewHistory persister 可为 nil（不落盘）。
func NewHistory(capacity int, persister *Persister, mon *monitor.Monitor) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity:  capacity,
		rings:     make(map[string]*deque.Deque[market.BookView]),
		persister: persister,
		mon:       mon,
	}
}

func (h *History) Capacity() int { return h.capacity }

// Record 追加一条采样并异步转交落盘，不等待写盘结果。
func (h *History) Record(symbol string, view market.BookView) {
	symbol = strings.ToUpper(symbol)
	n := h.push(symbol, view)
	h.mon.UpdateHistorySize(symbol, n)
	if h.persister != nil {
		h.persister.Submit(view)
	}
}

func (h *History) push(symbol string, view market.BookView) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[symbol]
	if !ok {
		ring = deque.New[market.BookView](h.capacity)
		h.rings[symbol] = ring
	}
	ring.PushBack(view)
	for ring.Len() > h.capacity {
		ring.PopFront()
	}
	return ring.Len()
}

// Recent 返回最多 count 条，旧的在前；历史不足时返回更少，从不报错。
func (h *History) Recent(symbol string, count int) []market.BookView {
	if count <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring, ok := h.rings[strings.ToUpper(symbol)]
	if !ok || ring.Len() == 0 {
		return nil
	}
	n := ring.Len()
	if count > n {
		count = n
	}
	out := make([]market.BookView, 0, count)
	for i := n - count; i < n; i++ {
		out = append(out, ring.At(i))
	}
	return out
}

func (h *History) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ring, ok := h.rings[strings.ToUpper(symbol)]; ok {
		return ring.Len()
	}
	return 0
}

// Warm 启动时从持久化介质预热环形缓冲。失败只记录，不影响启动。
// maxAge>0 时跳过早于 now-maxAge 的采样，停机较久后不会把旧盘口当作最近历史回补。
func (h *History) Warm(ctx context.Context, symbols []string, maxAge time.Duration) int {
	if h.persister == nil {
		return 0
	}
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	loaded := 0
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		views, err := h.persister.Load(ctx, sym, h.capacity)
		if err != nil {
			continue
		}
		for _, v := range views {
			if !cutoff.IsZero() && v.CapturedAt.Before(cutoff) {
				continue
			}
			h.push(sym, v)
			loaded++
		}
		h.mon.UpdateHistorySize(sym, h.Len(sym))
	}
	return loaded
}

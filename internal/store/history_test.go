package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depth-relay-go/market"
)

func view(sym string, id int64) market.BookView {
	return market.BookView{
		Symbol:       sym,
		LastUpdateID: id,
		CapturedAt:   time.UnixMilli(1700000000000 + id),
		Bids:         []market.Level{market.MustLevel("100", "1")},
		Asks:         []market.Level{market.MustLevel("101", "2")},
	}
}

func ids(views []market.BookView) []int64 {
	out := make([]int64, 0, len(views))
	for _, v := range views {
		out = append(out, v.LastUpdateID)
	}
	return out
}

func TestHistoryRecentOldestFirst(t *testing.T) {
	h := NewHistory(3, nil, nil)
	for i := int64(1); i <= 5; i++ {
		h.Record("btcusdt", view("BTCUSDT", i))
	}

	assert.Equal(t, 3, h.Len("BTCUSDT"))
	assert.Equal(t, []int64{3, 4, 5}, ids(h.Recent("BTCUSDT", 10)))
	assert.Equal(t, []int64{4, 5}, ids(h.Recent("BTCUSDT", 2)))
	assert.Empty(t, h.Recent("BTCUSDT", 0))
	assert.Empty(t, h.Recent("ETHUSDT", 5))
}

func TestHistoryConcurrentAccess(t *testing.T) {
	h := NewHistory(50, nil, nil)
	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B"} {
		wg.Add(2)
		go func(sym string) {
			defer wg.Done()
			for i := int64(0); i < 500; i++ {
				h.Record(sym, view(sym, i))
			}
		}(sym)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got := h.Recent(sym, 10)
				for j := 1; j < len(got); j++ {
					if got[j].LastUpdateID <= got[j-1].LastUpdateID {
						t.Errorf("out of order: %v", ids(got))
						return
					}
				}
			}
		}(sym)
	}
	wg.Wait()
	assert.Equal(t, 50, h.Len("A"))
}

// memSink 内存 sink，可注入失败与阻塞。
type memSink struct {
	mu      sync.Mutex
	written []market.BookView
	fail    error
	block   chan struct{}
	closed  bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(ctx context.Context, v market.BookView) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.written = append(m.written, v)
	return nil
}

func (m *memSink) Load(ctx context.Context, symbol string, limit int) ([]market.BookView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []market.BookView
	for _, v := range m.written {
		if v.Symbol == symbol {
			out = append(out, v)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func TestRecordForwardsToPersister(t *testing.T) {
	sink := &memSink{}
	p := NewPersister(sink, 16, time.Second, nil, nil)
	h := NewHistory(10, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	h.Record("BTCUSDT", view("BTCUSDT", 1))
	h.Record("BTCUSDT", view("BTCUSDT", 2))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, sink.closed)
}

func TestRecordNeverBlocksOnStuckSink(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	p := NewPersister(sink, 2, 50*time.Millisecond, nil, nil)
	h := NewHistory(10, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	start := time.Now()
	for i := int64(0); i < 100; i++ {
		h.Record("BTCUSDT", view("BTCUSDT", i))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 10, h.Len("BTCUSDT"))
	close(sink.block)
}

func TestPersisterSwallowsWriteErrors(t *testing.T) {
	sink := &memSink{fail: errors.New("disk full")}
	p := NewPersister(sink, 4, 10*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.True(t, p.Submit(view("X", 1)))
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestWarmPreloadsRings(t *testing.T) {
	sink := &memSink{}
	for i := int64(1); i <= 8; i++ {
		sink.written = append(sink.written, view("ETHUSDT", i))
	}
	p := NewPersister(sink, 4, time.Second, nil, nil)
	h := NewHistory(5, p, nil)

	n := h.Warm(context.Background(), []string{"ethusdt", "BTCUSDT"}, 0)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{6, 7, 8}, ids(h.Recent("ETHUSDT", 3)))

	failing := NewHistory(5, NewPersister(&memSink{fail: errors.New("nope")}, 1, time.Second, nil, nil), nil)
	assert.Equal(t, 0, failing.Warm(context.Background(), []string{"ETHUSDT"}, 0))
	assert.Equal(t, 0, NewHistory(5, nil, nil).Warm(context.Background(), []string{"ETHUSDT"}, 0))
}

func TestWarmSkipsViewsOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 0)
	require.NoError(t, err)
	defer sink.Close()
	ctx := context.Background()

	now := time.Now()
	for i, at := range []time.Time{
		now.Add(-72 * time.Hour),
		now.Add(-72*time.Hour + time.Second),
		now.Add(-10 * time.Second),
		now.Add(-time.Second),
	} {
		v := view("BTCUSDT", int64(i+1))
		v.CapturedAt = at
		require.NoError(t, sink.Write(ctx, v))
	}

	h := NewHistory(300, NewPersister(sink, 4, time.Second, nil, nil), nil)
	assert.Equal(t, 2, h.Warm(ctx, []string{"BTCUSDT"}, 5*time.Minute))
	assert.Equal(t, []int64{3, 4}, ids(h.Recent("BTCUSDT", 3)), "days-old views are not served as backfill")
}

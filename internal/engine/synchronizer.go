// Package engine 实现每个交易对的订单簿同步状态机。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"depth-relay-go/gateway"
	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/internal/hub"
	"depth-relay-go/internal/retry"
	"depth-relay-go/market"
)

// ErrStopped 同步器已退出。
var ErrStopped = errors.New("engine: synchronizer stopped")

// Publisher 广播出口（hub.Registry）。
type Publisher interface {
	BroadcastDelta(symbol string, d market.Delta)
	BroadcastResync(symbol string, view market.BookView)
	Activate(sub *hub.Subscriber, view market.BookView) bool
	Evict(sub *hub.Subscriber, reason error)
}

// Recorder 历史采样出口（store.History）。
type Recorder interface {
	Record(symbol string, view market.BookView)
}

// Config 同步器配置
type Config struct {
	SnapshotTimeout time.Duration // 单次快照请求超时
	Retry           retry.Policy  // 快照失败重试策略
	BufferSize      int           // 快照在途期间缓存的增量上限
	SampleInterval  time.Duration // 历史采样间隔
	HistoryDepth    int           // 采样视图档数，0 表示全部
	SnapshotDepth   int           // live_snapshot/resync 视图档数，0 表示全部
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SnapshotTimeout: 10 * time.Second,
		Retry:           retry.Default(),
		BufferSize:      1000,
		SampleInterval:  time.Second,
		HistoryDepth:    100,
	}
}

type fetchResult struct {
	snap market.Snapshot
	err  error
}

// Synchronizer 单个交易对的同步器，是订单簿副本唯一的写入者。
// 所有状态变更都发生在 Run 所在的协程里；外部只通过 channel 与原子量交互。
type Synchronizer struct {
	symbol string
	feed   gateway.Feed
	pub    Publisher
	rec    Recorder
	cfg    Config
	log    *logger.Logger
	mon    *monitor.Monitor

	book    *market.OrderBook
	buffer  deque.Deque[market.Delta]
	pending []*hub.Subscriber
	attach  chan *hub.Subscriber
	results chan fetchResult

	// attachMu 保证 Run 退出后不会再有订阅者塞进 attach
	attachMu sync.RWMutex
	stopped  bool

	state  atomic.Int32
	lastID atomic.Int64
	done   chan struct{}
}

func New(symbol string, feed gateway.Feed, pub Publisher, rec Recorder, cfg Config, log *logger.Logger, mon *monitor.Monitor) *Synchronizer {
	def := DefaultConfig()
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.Retry.Interval <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Synchronizer{
		symbol:  symbol,
		feed:    feed,
		pub:     pub,
		rec:     rec,
		cfg:     cfg,
		log:     log,
		mon:     mon,
		book:    market.NewOrderBook(symbol),
		attach:  make(chan *hub.Subscriber, 64),
		results: make(chan fetchResult, 1),
		done:    make(chan struct{}),
	}
}

func (s *Synchronizer) Symbol() string { return s.symbol }

func (s *Synchronizer) State() State { return State(s.state.Load()) }

func (s *Synchronizer) LastUpdateID() int64 { return s.lastID.Load() }

// Done 在 Run 退出后关闭。
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Seed 请求给订阅者发送 live_snapshot 并加入实时广播。
// 请求在同步器协程上处理：实时状态下立即激活，否则挂起到下一次进入 LIVE。
func (s *Synchronizer) Seed(ctx context.Context, sub *hub.Subscriber) error {
	s.attachMu.RLock()
	defer s.attachMu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.attach <- sub:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 驱动状态机直到 ctx 取消（返回 nil）或快照重试耗尽（返回错误）。
func (s *Synchronizer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.setState(StateStopped)
		close(s.done)
		s.evictWaiting()
	}()

	// 先订阅增量再拉快照，保证快照之后的增量不会漏掉。
	events := s.feed.StreamDeltas(ctx, s.symbol)
	s.setState(StateSnapshotLoading)
	s.startFetch(ctx)

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				events = s.feed.StreamDeltas(ctx, s.symbol)
				s.resync(ctx, "stream_closed")
				continue
			}
			s.handleEvent(ctx, ev)

		case res := <-s.results:
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.LogError(res.err, map[string]interface{}{"symbol": s.symbol, "op": "fetch_snapshot"})
				return fmt.Errorf("synchronizer %s: %w", s.symbol, res.err)
			}
			s.goLive(ctx, res.snap)

		case sub := <-s.attach:
			s.handleAttach(sub)

		case <-ticker.C:
			if s.State() == StateLive && s.rec != nil {
				s.rec.Record(s.symbol, s.book.View(s.cfg.HistoryDepth))
			}
		}
	}
}

// evictWaiting 关闭所有还没拿到 live_snapshot 的订阅者。
// close(done) 先让阻塞中的 Seed 返回，拿到写锁之后 attach 不会再有新请求。
func (s *Synchronizer) evictWaiting() {
	s.attachMu.Lock()
	s.stopped = true
	s.attachMu.Unlock()

drain:
	for {
		select {
		case sub := <-s.attach:
			s.pending = append(s.pending, sub)
		default:
			break drain
		}
	}
	for _, sub := range s.pending {
		s.pub.Evict(sub, ErrStopped)
	}
	if n := len(s.pending); n > 0 {
		s.log.LogFeed("feed_stopped", s.symbol, map[string]interface{}{"evicted": n})
	}
	s.pending = nil
}

func (s *Synchronizer) handleEvent(ctx context.Context, ev gateway.FeedEvent) {
	switch ev.Kind {
	case gateway.EventReconnected:
		s.resync(ctx, "reconnect")
	case gateway.EventDelta:
		if s.State().fetching() {
			s.bufferDelta(ev.Delta)
			return
		}
		s.applyLive(ctx, ev.Delta)
	}
}

func (s *Synchronizer) applyLive(ctx context.Context, d market.Delta) {
	applied, err := s.book.ApplyDelta(d)
	switch {
	case errors.Is(err, market.ErrSequenceGap):
		s.mon.RecordDelta(s.symbol, "gap")
		s.resync(ctx, "gap")
		// 断档的这条可能正好接上新快照，留给回放判断。
		s.bufferDelta(d)
	case err != nil:
		s.mon.RecordDelta(s.symbol, "invalid")
		s.log.Warn("invalid delta", zap.String("symbol", s.symbol), zap.Int64("U", d.FirstUpdateID), zap.Int64("u", d.FinalUpdateID), zap.Error(err))
		s.resync(ctx, "invalid")
	case !applied:
		s.mon.RecordDelta(s.symbol, "stale")
		s.log.Debug("stale delta", zap.String("symbol", s.symbol), zap.Int64("u", d.FinalUpdateID), zap.Int64("last", s.book.LastUpdateID()))
	default:
		s.mon.RecordDelta(s.symbol, "applied")
		s.setLastID(s.book.LastUpdateID())
		if s.book.Crossed() {
			s.resync(ctx, "crossed")
			return
		}
		s.pub.BroadcastDelta(s.symbol, d)
	}
}

func (s *Synchronizer) bufferDelta(d market.Delta) {
	s.buffer.PushBack(d)
	for s.buffer.Len() > s.cfg.BufferSize {
		s.buffer.PopFront()
	}
	s.mon.RecordDelta(s.symbol, "buffered")
}

// resync 进入 RESYNCING 并发起新的快照请求；已有请求在途时合并。
func (s *Synchronizer) resync(ctx context.Context, reason string) {
	if s.State().fetching() {
		s.log.Debug("resync coalesced", zap.String("symbol", s.symbol), zap.String("reason", reason))
		return
	}
	s.buffer.Clear()
	s.beginFetch(ctx, reason)
}

func (s *Synchronizer) beginFetch(ctx context.Context, reason string) {
	s.mon.RecordResync(s.symbol, reason)
	s.log.LogFeed("feed_resync", s.symbol, map[string]interface{}{
		"reason":       reason,
		"lastUpdateId": s.book.LastUpdateID(),
	})
	if !s.State().fetching() {
		s.setState(StateResyncing)
	}
	s.startFetch(ctx)
}

func (s *Synchronizer) startFetch(ctx context.Context) {
	go func() {
		var snap market.Snapshot
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
			defer cancel()
			start := time.Now()
			var err error
			snap, err = s.feed.FetchSnapshot(actx, s.symbol)
			s.mon.RecordSnapshotFetch(s.symbol, time.Since(start).Seconds(), err)
			return err
		}, func(attempt int, err error) {
			s.log.Warn("snapshot fetch failed",
				zap.String("symbol", s.symbol),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		})
		s.results <- fetchResult{snap: snap, err: err}
	}()
}

// goLive 应用快照、回放缓存增量，然后通知订阅者并激活挂起的订阅者。
func (s *Synchronizer) goLive(ctx context.Context, snap market.Snapshot) {
	s.book.ApplySnapshot(snap)
	replayed := 0
	for s.buffer.Len() > 0 {
		d := s.buffer.PopFront()
		applied, err := s.book.ApplyDelta(d)
		switch {
		case errors.Is(err, market.ErrSequenceGap):
			// 快照比缓存里最早的增量还旧：保留缓存，重新拉一次更新的快照。
			s.buffer.PushFront(d)
			s.mon.RecordDelta(s.symbol, "gap")
			s.beginFetch(ctx, "replay_gap")
			return
		case err != nil:
			s.mon.RecordDelta(s.symbol, "invalid")
		case applied:
			replayed++
		}
	}
	s.setLastID(s.book.LastUpdateID())
	s.setState(StateLive)
	if s.book.Crossed() {
		s.resync(ctx, "crossed")
		return
	}

	s.log.LogFeed("feed_live", s.symbol, map[string]interface{}{
		"lastUpdateId": s.book.LastUpdateID(),
		"replayed":     replayed,
	})
	view := s.book.View(s.cfg.SnapshotDepth)
	s.pub.BroadcastResync(s.symbol, view)
	for _, sub := range s.pending {
		s.pub.Activate(sub, view)
	}
	s.pending = nil
}

func (s *Synchronizer) handleAttach(sub *hub.Subscriber) {
	if s.State() == StateLive {
		s.pub.Activate(sub, s.book.View(s.cfg.SnapshotDepth))
		return
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !p.Closed() {
			kept = append(kept, p)
		}
	}
	s.pending = append(kept, sub)
}

func (s *Synchronizer) setState(st State) {
	s.state.Store(int32(st))
	s.mon.UpdateSyncState(s.symbol, int(st))
}

func (s *Synchronizer) setLastID(id int64) {
	s.lastID.Store(id)
	s.mon.UpdateLastUpdateID(s.symbol, id)
}

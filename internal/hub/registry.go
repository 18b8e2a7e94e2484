// Package hub 维护每个交易对的订阅者集合，并把同步器产出的增量/重同步扇出到各连接的出站队列。
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/market"
)

var (
	ErrUnknownSymbol  = errors.New("hub: unknown symbol")
	ErrSlowConsumer   = errors.New("hub: slow consumer")
	ErrUnregistered   = errors.New("hub: unregistered")
	ErrShutdown       = errors.New("hub: shutting down")
	ErrBackfillTooBig = errors.New("hub: backfill does not fit outbound queue")
)

// Seeder 负责给新订阅者发送 live_snapshot 并把它加入实时集合（由同步器协程执行）。
type Seeder interface {
	Seed(ctx context.Context, sub *Subscriber) error
}

// HistoryReader 历史快照来源。
type HistoryReader interface {
	Recent(symbol string, count int) []market.BookView
}

// Options 注册表参数。
type Options struct {
	QueueSize int // 实时消息队列长度，回补消息额外加容量
}

type symbolState struct {
	seeder  Seeder
	members map[string]*Subscriber // 已注册（含等待 live_snapshot 的）
	live    map[string]*Subscriber // 已接收 live_snapshot，参与增量广播
}

// Registry 订阅者注册表。由服务根对象创建并显式传递，不使用全局状态。
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
	closed  bool

	history   HistoryReader
	queueSize int
	log       *logger.Logger
	mon       *monitor.Monitor
}

func NewRegistry(history HistoryReader, opts Options, log *logger.Logger, mon *monitor.Monitor) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		symbols:   make(map[string]*symbolState),
		history:   history,
		queueSize: opts.QueueSize,
		log:       log,
		mon:       mon,
	}
}

// AddSymbol 登记一个可订阅的交易对及其 seeder。
func (r *Registry) AddSymbol(symbol string, seeder Seeder) {
	symbol = strings.ToUpper(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.symbols[symbol]; ok {
		st.seeder = seeder
		return
	}
	r.symbols[symbol] = &symbolState{
		seeder:  seeder,
		members: make(map[string]*Subscriber),
		live:    make(map[string]*Subscriber),
	}
}

// Tracked 大小写不敏感。
func (r *Registry) Tracked(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[strings.ToUpper(symbol)]
	return ok
}

func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Register 创建订阅者：backfill>0 时先入队 historical×n 与 historical_complete，
// 再交给 seeder 发送 live_snapshot；此后才会收到增量。
func (r *Registry) Register(ctx context.Context, symbol string, backfill int, opts SubscriberOptions) (*Subscriber, error) {
	symbol = strings.ToUpper(symbol)
	if backfill < 0 {
		backfill = 0
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	st, ok := r.symbols[symbol]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	sub := newSubscriber(symbol, backfill, r.queueSize+backfill+2, opts)
	if backfill > 0 {
		r.enqueueBackfill(sub, symbol, backfill)
	}
	st.members[sub.ID] = sub
	seeder := st.seeder
	count := len(st.members)
	r.mu.Unlock()

	r.mon.UpdateSubscribers(symbol, count)
	r.log.LogSubscriber("subscriber_joined", symbol, sub.ID, map[string]interface{}{
		"backfill": backfill,
		"remote":   sub.Remote,
		"alias":    sub.Alias,
	})

	if seeder == nil {
		return sub, nil
	}
	if err := seeder.Seed(ctx, sub); err != nil {
		r.remove(sub, err, "seed_failed")
		return nil, fmt.Errorf("seed %s: %w", symbol, err)
	}
	return sub, nil
}

func (r *Registry) enqueueBackfill(sub *Subscriber, symbol string, n int) {
	var views []market.BookView
	if r.history != nil {
		views = r.history.Recent(symbol, n)
	}
	for i, v := range views {
		sub.enqueue(NewEnvelope(historicalMessage(v, i+1, len(views))))
	}
	sub.enqueue(NewEnvelope(historicalCompleteMessage()))
}

// Backfill 连接中途请求历史回补；队列放不下时拒绝，不影响实时消息。
func (r *Registry) Backfill(sub *Subscriber, n int) error {
	if n <= 0 {
		return nil
	}
	var views []market.BookView
	if r.history != nil {
		views = r.history.Recent(sub.Symbol, n)
	}
	envs := make([]*Envelope, 0, len(views)+1)
	for i, v := range views {
		envs = append(envs, NewEnvelope(historicalMessage(v, i+1, len(views))))
	}
	envs = append(envs, NewEnvelope(historicalCompleteMessage()))
	return sub.enqueueAll(envs)
}

// Reply 给单个订阅者排队一条消息（如 pong），与广播消息共用同一队列以保证顺序。
func (r *Registry) Reply(sub *Subscriber, m Message) error {
	if sub.Closed() {
		return ErrUnregistered
	}
	if !sub.enqueue(NewEnvelope(m)) {
		r.drop(sub, ErrSlowConsumer)
		return ErrSlowConsumer
	}
	return nil
}

// Activate 入队 live_snapshot 并加入实时集合。必须由该交易对的同步器协程调用，
// 这样与 BroadcastDelta 天然串行，不会漏发或重发增量。
// 订阅者已注销时返回 false。
func (r *Registry) Activate(sub *Subscriber, view market.BookView) bool {
	r.mu.Lock()
	st, ok := r.symbols[sub.Symbol]
	if !ok || sub.Closed() {
		r.mu.Unlock()
		return false
	}
	if _, member := st.members[sub.ID]; !member {
		r.mu.Unlock()
		return false
	}
	if !sub.enqueue(NewEnvelope(liveSnapshotMessage(view))) {
		r.mu.Unlock()
		r.drop(sub, ErrSlowConsumer)
		return false
	}
	st.live[sub.ID] = sub
	r.mu.Unlock()
	return true
}

// BroadcastDelta 把一条已应用的增量发给该交易对所有实时订阅者。
func (r *Registry) BroadcastDelta(symbol string, d market.Delta) {
	r.broadcast(symbol, NewEnvelope(depthUpdateMessage(symbol, d)))
}

// BroadcastResync 通知订阅者丢弃本地状态并以该视图重建。
func (r *Registry) BroadcastResync(symbol string, view market.BookView) {
	r.broadcast(symbol, NewEnvelope(resyncMessage(view)))
}

func (r *Registry) broadcast(symbol string, env *Envelope) {
	r.mu.RLock()
	st, ok := r.symbols[symbol]
	if !ok || len(st.live) == 0 {
		r.mu.RUnlock()
		return
	}
	targets := make([]*Subscriber, 0, len(st.live))
	for _, sub := range st.live {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(env) {
			r.drop(sub, ErrSlowConsumer)
		}
	}
}

// Unregister 幂等。
func (r *Registry) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	r.remove(sub, ErrUnregistered, "closed")
}

// Evict 以指定原因关闭并移除订阅者，例如同步器退出时仍在等待 live_snapshot 的连接。
func (r *Registry) Evict(sub *Subscriber, reason error) {
	if sub == nil {
		return
	}
	r.remove(sub, reason, "evicted")
}

func (r *Registry) drop(sub *Subscriber, reason error) {
	r.remove(sub, reason, "slow_consumer")
}

func (r *Registry) remove(sub *Subscriber, reason error, label string) {
	r.mu.Lock()
	st, ok := r.symbols[sub.Symbol]
	removed := false
	count := 0
	if ok {
		if _, member := st.members[sub.ID]; member {
			delete(st.members, sub.ID)
			delete(st.live, sub.ID)
			removed = true
		}
		count = len(st.members)
	}
	r.mu.Unlock()

	sub.close(reason)
	if !removed {
		return
	}
	r.mon.UpdateSubscribers(sub.Symbol, count)
	r.mon.RecordSubscriberDrop(sub.Symbol, label)
	r.log.LogSubscriber("subscriber_dropped", sub.Symbol, sub.ID, map[string]interface{}{
		"reason": label,
		"remote": sub.Remote,
	})
}

// Count 已注册订阅者数量（含等待 live_snapshot 的）。
func (r *Registry) Count(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.symbols[strings.ToUpper(symbol)]; ok {
		return len(st.members)
	}
	return 0
}

// Close 关闭所有订阅者，之后的 Register 返回 ErrShutdown。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var subs []*Subscriber
	for sym, st := range r.symbols {
		for _, sub := range st.members {
			subs = append(subs, sub)
		}
		st.members = make(map[string]*Subscriber)
		st.live = make(map[string]*Subscriber)
		r.mon.UpdateSubscribers(sym, 0)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.close(ErrShutdown)
	}
}

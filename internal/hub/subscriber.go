package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscriber 一个下游连接在注册表里的句柄。出站队列有界，写满即视为慢消费者。
type Subscriber struct {
	ID       string
	Symbol   string // 实际订阅的交易对
	Alias    string // 对外展示名，空表示与 Symbol 相同
	Backfill int
	JoinedAt time.Time
	Remote   string

	queue     chan *Envelope
	done      chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex // 所有入队都持有；写协程只取不放

	mu  sync.Mutex
	err error
}

// SubscriberOptions 注册时附带的连接信息。
type SubscriberOptions struct {
	Alias  string
	Remote string
}

func newSubscriber(symbol string, backfill, capacity int, opts SubscriberOptions) *Subscriber {
	return &Subscriber{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Alias:    opts.Alias,
		Backfill: backfill,
		JoinedAt: time.Now(),
		Remote:   opts.Remote,
		queue:    make(chan *Envelope, capacity),
		done:     make(chan struct{}),
	}
}

// Label 返回客户端看到的交易对名。
func (s *Subscriber) Label() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Symbol
}

// Outbound 写协程从这里按序取消息。
func (s *Subscriber) Outbound() <-chan *Envelope { return s.queue }

// Done 在订阅者被关闭（断开/慢消费者/停机）后关闭。
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err 返回关闭原因。
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscriber) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Encode 按订阅者展示名编码消息。
func (s *Subscriber) Encode(env *Envelope) ([]byte, error) {
	if s.Alias == "" || s.Alias == s.Symbol {
		return env.Encode()
	}
	return env.EncodeFor(s.Alias)
}

// enqueue 非阻塞入队；队列已满或已关闭返回 false。
// 队列 channel 永不关闭，关闭信号走 done。
func (s *Subscriber) enqueue(env *Envelope) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.Closed() {
		return false
	}
	select {
	case s.queue <- env:
		return true
	default:
		return false
	}
}

// enqueueAll 整批入队：剩余容量不够时一条都不放，返回 ErrBackfillTooBig。
// 检查和入队在同一把锁内，期间并发广播无法插入。
func (s *Subscriber) enqueueAll(envs []*Envelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.Closed() {
		return ErrUnregistered
	}
	if cap(s.queue)-len(s.queue) < len(envs) {
		return ErrBackfillTooBig
	}
	for _, env := range envs {
		s.queue <- env
	}
	return nil
}

func (s *Subscriber) close(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

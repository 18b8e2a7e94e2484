package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/market"
)

// Sink 历史采样的持久化介质。
type Sink interface {
	Name() string
	Write(ctx context.Context, view market.BookView) error
	// Load 返回最近 limit 条，旧的在前。
	Load(ctx context.Context, symbol string, limit int) ([]market.BookView, error)
	Close() error
}

// record 落盘格式。
type record struct {
	Symbol       string         `json:"symbol"`
	CapturedAt   int64          `json:"capturedAt"`
	LastUpdateID int64          `json:"lastUpdateId"`
	Bids         []market.Level `json:"bids"`
	Asks         []market.Level `json:"asks"`
}

func encodeView(v market.BookView) ([]byte, error) {
	return json.Marshal(record{
		Symbol:       v.Symbol,
		CapturedAt:   v.CapturedAt.UnixMilli(),
		LastUpdateID: v.LastUpdateID,
		Bids:         v.Bids,
		Asks:         v.Asks,
	})
}

func decodeView(raw []byte) (market.BookView, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return market.BookView{}, fmt.Errorf("decode history record: %w", err)
	}
	return market.BookView{
		Symbol:       r.Symbol,
		LastUpdateID: r.LastUpdateID,
		CapturedAt:   time.UnixMilli(r.CapturedAt),
		Bids:         r.Bids,
		Asks:         r.Asks,
	}, nil
}

// Persister 后台写盘：Submit 非阻塞入队，队列满直接丢弃；写失败只记日志和指标。
type Persister struct {
	sink         Sink
	queue        chan market.BookView
	writeTimeout time.Duration
	log          *logger.Logger
	mon          *monitor.Monitor
}

func NewPersister(sink Sink, queueSize int, writeTimeout time.Duration, log *logger.Logger, mon *monitor.Monitor) *Persister {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Persister{
		sink:         sink,
		queue:        make(chan market.BookView, queueSize),
		writeTimeout: writeTimeout,
		log:          log,
		mon:          mon,
	}
}

// Submit 不会阻塞调用方（同步器热路径）。
func (p *Persister) Submit(view market.BookView) bool {
	select {
	case p.queue <- view:
		return true
	default:
		p.mon.RecordPersistDrop()
		return false
	}
}

// Run 消费队列直到 ctx 取消，退出前尽量写完已入队的数据并关闭 sink。
func (p *Persister) Run(ctx context.Context) error {
	defer func() {
		if err := p.sink.Close(); err != nil {
			p.log.LogHistory("history_persist", map[string]interface{}{
				"symbol": "*",
				"sink":   p.sink.Name(),
				"error":  err.Error(),
			})
		}
	}()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case v := <-p.queue:
			p.write(context.Background(), v)
		}
	}
}

func (p *Persister) flush() {
	for {
		select {
		case v := <-p.queue:
			p.write(context.Background(), v)
		default:
			return
		}
	}
}

func (p *Persister) write(parent context.Context, v market.BookView) {
	ctx, cancel := context.WithTimeout(parent, p.writeTimeout)
	defer cancel()
	if err := p.sink.Write(ctx, v); err != nil {
		p.mon.RecordPersistError(p.sink.Name())
		p.log.LogHistory("history_persist", map[string]interface{}{
			"symbol": v.Symbol,
			"sink":   p.sink.Name(),
			"error":  err.Error(),
		})
	}
}

// Load 供 History.Warm 使用。
func (p *Persister) Load(ctx context.Context, symbol string, limit int) ([]market.BookView, error) {
	views, err := p.sink.Load(ctx, symbol, limit)
	if err != nil {
		p.log.LogHistory("history_persist", map[string]interface{}{
			"symbol": symbol,
			"sink":   p.sink.Name(),
			"error":  err.Error(),
			"op":     "load",
		})
	}
	return views, err
}

package gateway

import (
	"context"

	"depth-relay-go/market"
)

const (
	BinanceSpotRESTURL    = "https://api.binance.com"
	BinanceSpotWSEndpoint = "wss://stream.binance.com:9443"
)

// EventKind 行情流事件类型。
type EventKind int

const (
	// EventDelta 携带一条增量。
	EventDelta EventKind = iota
	// EventReconnected 底层连接已重建，期间的增量可能丢失，消费方必须视为序列断档。
	EventReconnected
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// FeedEvent 由 StreamDeltas 推送。
type FeedEvent struct {
	Kind  EventKind
	Delta market.Delta
}

// Feed 是同步器依赖的行情源边界。
type Feed interface {
	FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error)
	// StreamDeltas 返回的 channel 在 ctx 取消后关闭。
	StreamDeltas(ctx context.Context, symbol string) <-chan FeedEvent
}

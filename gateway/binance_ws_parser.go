package gateway

import (
	"encoding/json"
	"fmt"

	"depth-relay-go/market"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// FeedMessage 是解码结果：SnapshotMessage、DeltaMessage、UnknownMessage 三选一。
type FeedMessage interface {
	isFeedMessage()
}

type SnapshotMessage struct {
	Snapshot market.Snapshot
}

type DeltaMessage struct {
	Delta market.Delta
}

// UnknownMessage 不认识的帧（订阅回执、其他事件）；调用方记录后忽略。
type UnknownMessage struct {
	Raw []byte
}

func (SnapshotMessage) isFeedMessage() {}
func (DeltaMessage) isFeedMessage()    {}
func (UnknownMessage) isFeedMessage()  {}

// rawDepth 同时覆盖 REST 快照和 depthUpdate 两种形态。
type rawDepth struct {
	Event        string     `json:"e"`
	EventTime    int64      `json:"E"`
	Symbol       string     `json:"s"`
	FirstID      *int64     `json:"U"`
	FinalID      *int64     `json:"u"`
	Bids         [][]string `json:"b"`
	Asks         [][]string `json:"a"`
	LastUpdateID *int64     `json:"lastUpdateId"`
	SnapBids     [][]string `json:"bids"`
	SnapAsks     [][]string `json:"asks"`
}

// DecodeFeedMessage 解析一帧行情消息，combined stream 包装会先被剥掉。
// JSON 或价位格式错误返回 error；结构合法但不是深度消息时返回 UnknownMessage。
func DecodeFeedMessage(raw []byte) (FeedMessage, error) {
	body := raw
	var env CombinedMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		body = env.Data
	}

	var d rawDepth
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}

	switch {
	case d.FirstID != nil && d.FinalID != nil:
		if d.Event != "" && d.Event != "depthUpdate" {
			return UnknownMessage{Raw: raw}, nil
		}
		bids, err := market.ParseLevels(d.Bids)
		if err != nil {
			return nil, fmt.Errorf("delta bids: %w", err)
		}
		asks, err := market.ParseLevels(d.Asks)
		if err != nil {
			return nil, fmt.Errorf("delta asks: %w", err)
		}
		return DeltaMessage{Delta: market.Delta{
			Symbol:        d.Symbol,
			EventTime:     d.EventTime,
			FirstUpdateID: *d.FirstID,
			FinalUpdateID: *d.FinalID,
			Bids:          bids,
			Asks:          asks,
		}}, nil
	case d.LastUpdateID != nil:
		bids, err := market.ParseLevels(d.SnapBids)
		if err != nil {
			return nil, fmt.Errorf("snapshot bids: %w", err)
		}
		asks, err := market.ParseLevels(d.SnapAsks)
		if err != nil {
			return nil, fmt.Errorf("snapshot asks: %w", err)
		}
		return SnapshotMessage{Snapshot: market.Snapshot{
			Symbol:       d.Symbol,
			LastUpdateID: *d.LastUpdateID,
			Bids:         bids,
			Asks:         asks,
		}}, nil
	default:
		return UnknownMessage{Raw: raw}, nil
	}
}

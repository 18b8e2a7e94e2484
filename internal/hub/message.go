package hub

import (
	"encoding/json"
	"sync"
	"time"

	"depth-relay-go/market"
)

// MessageType 下行消息类型。
type MessageType string

const (
	TypeHistorical         MessageType = "historical"
	TypeHistoricalComplete MessageType = "historical_complete"
	TypeLiveSnapshot       MessageType = "live_snapshot"
	TypeDepthUpdate        MessageType = "depth_update"
	TypeResync             MessageType = "resync"
	TypePong               MessageType = "pong"
)

// SnapshotPayload 订单簿全量视图。live_snapshot 不带 symbol/capturedAt。
type SnapshotPayload struct {
	Symbol       string         `json:"symbol,omitempty"`
	CapturedAt   int64          `json:"capturedAt,omitempty"`
	LastUpdateID int64          `json:"lastUpdateId"`
	Bids         []market.Level `json:"bids"`
	Asks         []market.Level `json:"asks"`
}

// DepthData 与交易所 depthUpdate 字段一致。
type DepthData struct {
	Event     string         `json:"e"`
	EventTime int64          `json:"E"`
	Symbol    string         `json:"s"`
	FirstID   int64          `json:"U"`
	FinalID   int64          `json:"u"`
	Bids      []market.Level `json:"b"`
	Asks      []market.Level `json:"a"`
}

// Message 下行 JSON 消息。
type Message struct {
	Type      MessageType      `json:"type,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Sequence  int              `json:"sequence,omitempty"`
	Total     int              `json:"total,omitempty"`
	Snapshot  *SnapshotPayload `json:"snapshot,omitempty"`
	Data      *DepthData       `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp int64            `json:"ts,omitempty"`
}

// WithSymbol 返回把对外展示的 symbol 全部替换为 label 的副本，原消息不变。
func (m Message) WithSymbol(label string) Message {
	if m.Symbol != "" {
		m.Symbol = label
	}
	if m.Snapshot != nil && m.Snapshot.Symbol != "" {
		snap := *m.Snapshot
		snap.Symbol = label
		m.Snapshot = &snap
	}
	if m.Data != nil {
		data := *m.Data
		data.Symbol = label
		m.Data = &data
	}
	return m
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func historicalMessage(view market.BookView, seq, total int) Message {
	return Message{
		Type:     TypeHistorical,
		Sequence: seq,
		Total:    total,
		Snapshot: &SnapshotPayload{
			Symbol:       view.Symbol,
			CapturedAt:   view.CapturedAt.UnixMilli(),
			LastUpdateID: view.LastUpdateID,
			Bids:         nonNil(view.Bids),
			Asks:         nonNil(view.Asks),
		},
		Timestamp: nowMillis(),
	}
}

func historicalCompleteMessage() Message {
	return Message{Type: TypeHistoricalComplete, Timestamp: nowMillis()}
}

func liveSnapshotMessage(view market.BookView) Message {
	return Message{
		Type: TypeLiveSnapshot,
		Snapshot: &SnapshotPayload{
			LastUpdateID: view.LastUpdateID,
			Bids:         nonNil(view.Bids),
			Asks:         nonNil(view.Asks),
		},
		Timestamp: nowMillis(),
	}
}

func resyncMessage(view market.BookView) Message {
	return Message{
		Type: TypeResync,
		Snapshot: &SnapshotPayload{
			Symbol:       view.Symbol,
			CapturedAt:   view.CapturedAt.UnixMilli(),
			LastUpdateID: view.LastUpdateID,
			Bids:         nonNil(view.Bids),
			Asks:         nonNil(view.Asks),
		},
		Timestamp: nowMillis(),
	}
}

func depthUpdateMessage(symbol string, d market.Delta) Message {
	return Message{
		Type:   TypeDepthUpdate,
		Symbol: symbol,
		Data: &DepthData{
			Event:     "depthUpdate",
			EventTime: d.EventTime,
			Symbol:    symbol,
			FirstID:   d.FirstUpdateID,
			FinalID:   d.FinalUpdateID,
			Bids:      nonNil(d.Bids),
			Asks:      nonNil(d.Asks),
		},
		Timestamp: nowMillis(),
	}
}

// PongMessage 回复客户端 ping。
func PongMessage() Message {
	return Message{Type: TypePong, Timestamp: nowMillis()}
}

// ErrorMessage 仅包含 error 字段，例如未知交易对。
func ErrorMessage(text string) Message {
	return Message{Error: text}
}

func nonNil(levels []market.Level) []market.Level {
	if levels == nil {
		return []market.Level{}
	}
	return levels
}

// Envelope 一次广播只构建一个，多个订阅者共享；编码结果只计算一次。
type Envelope struct {
	msg  Message
	once sync.Once
	raw  []byte
	err  error
}

func NewEnvelope(m Message) *Envelope {
	return &Envelope{msg: m}
}

func (e *Envelope) Type() MessageType { return e.msg.Type }

func (e *Envelope) Message() Message { return e.msg }

// Encode 返回缓存的 JSON。
func (e *Envelope) Encode() ([]byte, error) {
	e.once.Do(func() {
		e.raw, e.err = json.Marshal(e.msg)
	})
	return e.raw, e.err
}

// EncodeFor 按订阅者的展示名编码；label 为空时走共享缓存。
func (e *Envelope) EncodeFor(label string) ([]byte, error) {
	if label == "" {
		return e.Encode()
	}
	return json.Marshal(e.msg.WithSymbol(label))
}

package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ClientMessage 客户端上行消息：PingRequest | HistoricalBackfillRequest | UnknownRequest。
type ClientMessage interface {
	clientMessage()
}

// PingRequest 应用层心跳，回复 pong。
type PingRequest struct{}

// HistoricalBackfillRequest 连接中途追加历史回补。
type HistoricalBackfillRequest struct {
	Limit int
}

// UnknownRequest 无法识别的消息，只记日志。
type UnknownRequest struct {
	Type string
	Raw  []byte
}

func (PingRequest) clientMessage()               {}
func (HistoricalBackfillRequest) clientMessage() {}
func (UnknownRequest) clientMessage()            {}

type rawClientMessage struct {
	Type  string `json:"type"`
	Limit *int   `json:"limit"`
}

// DecodeClientMessage 解析上行帧。纯文本 "ping" 也当作心跳。
// 非 JSON 返回错误，JSON 但类型未知返回 UnknownRequest。
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if strings.EqualFold(string(trimmed), "ping") {
		return PingRequest{}, nil
	}
	var msg rawClientMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	switch strings.ToLower(msg.Type) {
	case "ping":
		return PingRequest{}, nil
	case "history", "historical":
		if msg.Limit == nil {
			return nil, fmt.Errorf("decode client message: history without limit")
		}
		return HistoricalBackfillRequest{Limit: *msg.Limit}, nil
	default:
		return UnknownRequest{Type: msg.Type, Raw: append([]byte(nil), trimmed...)}, nil
	}
}

package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/internal/retry"
)

// BinanceDepthStream 订阅 <symbol>@depth@100ms 增量流，断线/超时后自动重连。
// 重连成功会先推送 EventReconnected，再继续推送增量。
type BinanceDepthStream struct {
	BaseEndpoint string // 默认 wss://stream.binance.com:9443
	Dialer       *websocket.Dialer
	Watchdog     time.Duration // 超过该时长无消息则强制重连
	Reconnect    retry.Policy
	Log          *logger.Logger
	Monitor      *monitor.Monitor
}

func NewBinanceDepthStream(log *logger.Logger, mon *monitor.Monitor) *BinanceDepthStream {
	return &BinanceDepthStream{
		BaseEndpoint: BinanceSpotWSEndpoint,
		Dialer:       websocket.DefaultDialer,
		Watchdog:     30 * time.Second,
		Reconnect:    retry.Default(),
		Log:          log,
		Monitor:      mon,
	}
}

// StreamURL 单流地址。
func (b *BinanceDepthStream) StreamURL(symbol string) string {
	return strings.TrimSuffix(b.BaseEndpoint, "/") + "/ws/" + strings.ToLower(symbol) + "@depth@100ms"
}

// StreamDeltas 启动后台连接循环，ctx 取消后关闭返回的 channel。
func (b *BinanceDepthStream) StreamDeltas(ctx context.Context, symbol string) <-chan FeedEvent {
	out := make(chan FeedEvent, 256)
	go b.run(ctx, strings.ToUpper(symbol), out)
	return out
}

func (b *BinanceDepthStream) run(ctx context.Context, symbol string, out chan<- FeedEvent) {
	defer close(out)
	log := b.logger()
	connectedOnce := false
	failures := 0

	for ctx.Err() == nil {
		conn, _, err := b.dialer().DialContext(ctx, b.StreamURL(symbol), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogFeed("feed_reconnect", symbol, map[string]interface{}{
				"attempt": failures + 1,
				"error":   err.Error(),
			})
			if b.Reconnect.Wait(ctx, failures) != nil {
				return
			}
			failures++
			continue
		}
		failures = 0

		if connectedOnce {
			b.Monitor.RecordFeedReconnect(symbol)
			if !send(ctx, out, FeedEvent{Kind: EventReconnected}) {
				conn.Close()
				return
			}
		}
		connectedOnce = true

		err = b.readLoop(ctx, conn, symbol, out)
		if ctx.Err() != nil {
			return
		}
		log.LogFeed("feed_reconnect", symbol, map[string]interface{}{
			"attempt": 1,
			"error":   errString(err),
		})
		if b.Reconnect.Wait(ctx, 0) != nil {
			return
		}
	}
}

// readLoop 读消息直到出错；读超时即看门狗触发。
func (b *BinanceDepthStream) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, out chan<- FeedEvent) error {
	defer conn.Close()
	watchdog := b.Watchdog
	if watchdog <= 0 {
		watchdog = 30 * time.Second
	}

	// ctx 取消时关闭连接以打断阻塞的 ReadMessage。
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(watchdog))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchdog))
	})
	// 默认 PingHandler 会自动回 pong，这里只补上看门狗续期。
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(watchdog))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	log := b.logger()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(watchdog))

		msg, err := DecodeFeedMessage(raw)
		if err != nil {
			log.Warn("feed frame malformed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case DeltaMessage:
			if m.Delta.Symbol == "" {
				m.Delta.Symbol = symbol
			}
			if !send(ctx, out, FeedEvent{Kind: EventDelta, Delta: m.Delta}) {
				return ctx.Err()
			}
		default:
			log.Debug("feed frame ignored", zap.String("symbol", symbol), zap.Int("bytes", len(raw)))
		}
	}
}

func (b *BinanceDepthStream) dialer() *websocket.Dialer {
	if b.Dialer != nil {
		return b.Dialer
	}
	return websocket.DefaultDialer
}

func (b *BinanceDepthStream) logger() *logger.Logger {
	if b.Log != nil {
		return b.Log
	}
	return logger.NewNop()
}

func send(ctx context.Context, out chan<- FeedEvent, ev FeedEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

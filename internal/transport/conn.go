package transport

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"depth-relay-go/internal/engine"
	"depth-relay-go/internal/hub"
)

// conn 一个订阅连接：读协程处理上行消息，写协程独占 socket 写入。
type conn struct {
	srv *Server
	ws  *websocket.Conn
	sub *hub.Subscriber
}

func (c *conn) serve() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop()
	c.srv.registry.Unregister(c.sub)
	<-done
}

func (c *conn) readLoop() {
	opts := c.srv.opts
	c.ws.SetReadLimit(opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.sub.Closed() {
				c.srv.log.Debug("subscriber read failed", zap.String("subscriber", c.sub.ID), zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		c.handle(raw)
	}
}

func (c *conn) handle(raw []byte) {
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		c.srv.log.Debug("bad client message", zap.String("subscriber", c.sub.ID), zap.Error(err))
		return
	}
	reg := c.srv.registry
	switch m := msg.(type) {
	case PingRequest:
		reg.Reply(c.sub, hub.PongMessage())
	case HistoricalBackfillRequest:
		n := clampLimit(m.Limit, c.srv.opts.MaxBackfill)
		if err := reg.Backfill(c.sub, n); errors.Is(err, hub.ErrBackfillTooBig) {
			reg.Reply(c.sub, hub.ErrorMessage("Backfill request too large"))
		}
	case UnknownRequest:
		c.srv.log.Debug("unknown client message", zap.String("subscriber", c.sub.ID), zap.String("type", m.Type))
	}
}

func (c *conn) writeLoop() {
	opts := c.srv.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.sub.Outbound():
			raw, err := c.sub.Encode(env)
			if err != nil {
				c.srv.log.LogError(err, map[string]interface{}{"subscriber": c.sub.ID, "op": "encode"})
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.srv.registry.Unregister(c.sub)
				return
			}
			c.srv.mon.RecordMessageSent(string(env.Type()))

		case <-c.sub.Done():
			c.ws.WriteControl(websocket.CloseMessage, closeFrame(c.sub.Err()), time.Now().Add(opts.WriteTimeout))
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.srv.registry.Unregister(c.sub)
				return
			}
		}
	}
}

func closeFrame(reason error) []byte {
	switch {
	case errors.Is(reason, hub.ErrSlowConsumer):
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer")
	case errors.Is(reason, hub.ErrShutdown):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	case errors.Is(reason, engine.ErrStopped):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "symbol unavailable")
	default:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
}

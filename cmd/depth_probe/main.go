package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"depth-relay-go/internal/hub"
)

// 连接 relay 的订阅端口，打印收到的消息摘要，用于联调和冒烟。
func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "relay 监听地址")
	path := flag.String("path", "/ws", "订阅路径")
	symbol := flag.String("symbol", "BTCUSDT", "订阅的交易对或别名")
	limit := flag.Int("limit", 0, "历史回放条数，0 表示只要实时数据")
	count := flag.Int("count", 20, "收到多少条后退出，0 表示一直运行")
	ping := flag.Duration("ping", 0, "应用层 ping 间隔，0 表示不发")
	flag.Parse()

	q := url.Values{}
	q.Set("symbol", *symbol)
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	u := url.URL{Scheme: "ws", Host: *addr, Path: *path, RawQuery: q.Encode()}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()
	fmt.Printf("connected %s\n", u.String())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		received := 0
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					fmt.Printf("closed by relay: code=%d reason=%q\n", ce.Code, ce.Text)
				} else {
					log.Printf("读取失败: %v", err)
				}
				return
			}
			var msg hub.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				fmt.Printf("raw %s\n", raw)
			} else {
				fmt.Println(summarize(msg))
			}
			received++
			if *count > 0 && received >= *count {
				return
			}
		}
	}()

	var tick <-chan time.Time
	if *ping > 0 {
		t := time.NewTicker(*ping)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-done:
			return
		case <-tick:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				log.Printf("发送 ping 失败: %v", err)
				return
			}
		case <-interrupt:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

func summarize(m hub.Message) string {
	switch m.Type {
	case hub.TypeHistorical:
		if m.Snapshot != nil {
			return fmt.Sprintf("historical %d/%d id=%d bids=%d asks=%d",
				m.Sequence, m.Total, m.Snapshot.LastUpdateID, len(m.Snapshot.Bids), len(m.Snapshot.Asks))
		}
	case hub.TypeLiveSnapshot:
		if m.Snapshot != nil {
			return fmt.Sprintf("live_snapshot id=%d bids=%d asks=%d",
				m.Snapshot.LastUpdateID, len(m.Snapshot.Bids), len(m.Snapshot.Asks))
		}
	case hub.TypeDepthUpdate:
		if m.Data != nil {
			return fmt.Sprintf("depth_update %s U=%d u=%d b=%d a=%d",
				m.Data.Symbol, m.Data.FirstID, m.Data.FinalID, len(m.Data.Bids), len(m.Data.Asks))
		}
	}
	if m.Error != "" {
		return "error " + m.Error
	}
	return string(m.Type)
}

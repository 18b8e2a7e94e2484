package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"depth-relay-go/config"
	"depth-relay-go/gateway"
)

// 拉一次 REST 深度快照并打印前几档，用于核对交易对和网络连通性。
func main() {
	cfgPath := flag.String("config", "configs/relay.yaml", "配置文件路径")
	symbol := flag.String("symbol", "BTCUSDT", "查询的交易对(如 BTCUSDT)")
	levels := flag.Int("levels", 5, "打印档数")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath, "")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	client := &gateway.BinanceRESTClient{
		BaseURL:    cfg.Feed.RestURL,
		HTTPClient: gateway.NewDefaultHTTPClient(),
		DepthLimit: cfg.Feed.DepthLimit,
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Feed.SnapshotTimeout+time.Second)
	defer cancel()

	snap, err := client.FetchSnapshot(ctx, strings.ToUpper(*symbol))
	if err != nil {
		log.Fatalf("获取深度快照失败: %v", err)
	}
	fmt.Printf("%s lastUpdateId=%d bids=%d asks=%d\n", snap.Symbol, snap.LastUpdateID, len(snap.Bids), len(snap.Asks))
	for i := 0; i < *levels; i++ {
		bid, ask := "-", "-"
		if i < len(snap.Bids) {
			bid = snap.Bids[i].Price.String() + " x " + snap.Bids[i].Quantity.String()
		}
		if i < len(snap.Asks) {
			ask = snap.Asks[i].Price.String() + " x " + snap.Asks[i].Quantity.String()
		}
		fmt.Printf("  %2d  %-28s | %s\n", i+1, bid, ask)
	}
}

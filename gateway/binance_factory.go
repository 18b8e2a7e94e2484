package gateway

import (
	"net/http"
	"time"

	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/internal/retry"
)

// BinanceFeed 组合 REST 快照与 WS 增量，实现 Feed。
type BinanceFeed struct {
	*BinanceRESTClient
	*BinanceDepthStream
}

var _ Feed = (*BinanceFeed)(nil)

// Options 构建 BinanceFeed 所需参数，零值字段使用默认值。
type Options struct {
	RestURL    string
	WSEndpoint string
	DepthLimit int
	RatePerSec float64
	Burst      int
	Watchdog   time.Duration
	Reconnect  retry.Policy
	HTTPClient *http.Client
}

// NewBinanceFeed 根据配置构建 REST/WS 客户端（不发起连接）。
func NewBinanceFeed(opts Options, log *logger.Logger, mon *monitor.Monitor) *BinanceFeed {
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	rest := &BinanceRESTClient{
		BaseURL:    opts.RestURL,
		HTTPClient: httpCli,
		DepthLimit: opts.DepthLimit,
		Limiter:    NewTokenBucketLimiter(opts.RatePerSec, opts.Burst),
	}
	if rest.BaseURL == "" {
		rest.BaseURL = BinanceSpotRESTURL
	}
	ws := NewBinanceDepthStream(log, mon)
	if opts.WSEndpoint != "" {
		ws.BaseEndpoint = opts.WSEndpoint
	}
	if opts.Watchdog > 0 {
		ws.Watchdog = opts.Watchdog
	}
	if opts.Reconnect.Interval > 0 {
		ws.Reconnect = opts.Reconnect
	}
	return &BinanceFeed{BinanceRESTClient: rest, BinanceDepthStream: ws}
}

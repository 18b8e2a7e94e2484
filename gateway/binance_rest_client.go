package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"depth-relay-go/market"
)

// BinanceRESTClient 拉取深度快照；HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter // 可为 nil
	DepthLimit int         // 快照档数，默认 1000
}

// FetchSnapshot 调用 GET /api/v3/depth。非 2xx、解码失败都作为可重试错误返回。
func (c *BinanceRESTClient) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	if c == nil || c.HTTPClient == nil {
		return market.Snapshot{}, fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return market.Snapshot{}, err
		}
	}
	limit := c.DepthLimit
	if limit <= 0 {
		limit = 1000
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.BaseURL + "/api/v3/depth?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.Snapshot{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return market.Snapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("read depth body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return market.Snapshot{}, fmt.Errorf("depth snapshot status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	msg, err := DecodeFeedMessage(body)
	if err != nil {
		return market.Snapshot{}, err
	}
	sm, ok := msg.(SnapshotMessage)
	if !ok {
		return market.Snapshot{}, fmt.Errorf("depth snapshot: unexpected payload %s", truncate(body, 200))
	}
	sm.Snapshot.Symbol = strings.ToUpper(symbol)
	return sm.Snapshot, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

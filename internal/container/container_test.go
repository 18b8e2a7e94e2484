package container

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depth-relay-go/config"
	"depth-relay-go/gateway"
	"depth-relay-go/infrastructure/alert"
	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/internal/engine"
	"depth-relay-go/internal/retry"
	"depth-relay-go/internal/transport"
	"depth-relay-go/market"
)

// stubFeed 快照立即返回，增量流保持打开直到 ctx 取消。
type stubFeed struct {
	fail error
}

func (f stubFeed) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	if f.fail != nil {
		return market.Snapshot{}, f.fail
	}
	return market.Snapshot{
		Symbol:       symbol,
		LastUpdateID: 500,
		Bids:         []market.Level{market.MustLevel("100", "1")},
		Asks:         []market.Level{market.MustLevel("101", "1")},
	}, nil
}

func (f stubFeed) StreamDeltas(ctx context.Context, symbol string) <-chan gateway.FeedEvent {
	ch := make(chan gateway.FeedEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.Aliases = map[string]string{"XBTUSDT": "BTCUSDT"}
	cfg.Metrics.Enabled = false
	cfg.Log.Level = "error"
	cfg.Feed.RetryInterval = time.Millisecond
	return cfg
}

func TestContainerServesSubscribers(t *testing.T) {
	c := NewWithConfig(testConfig()).WithFeed(stubFeed{})
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, s := range c.Synchronizers() {
			if s.State() != engine.StateLive {
				return false
			}
		}
		return c.RelayAddr() != ""
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.HealthCheck())

	resp, err := http.Get("http://" + c.RelayAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+c.RelayAddr()+"/ws?symbol=xbtusdt", nil)
	require.NoError(t, err)
	defer ws.Close()
	var msg map[string]interface{}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "live_snapshot", msg["type"])

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("container did not stop")
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestContainerStopsWhenSnapshotRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.MaxAttempts = 2
	c := NewWithConfig(cfg).WithFeed(stubFeed{fail: errors.New("503")})
	require.NoError(t, c.Build())
	rec := &recordingChannel{}
	c.Alerts().AddChannel(rec)

	select {
	case err := <-runAsync(c):
		assert.ErrorIs(t, err, retry.ErrExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to fail")
	}
	assert.Contains(t, rec.messages(), "relay stopped")
}

type recordingChannel struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingChannel) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Message)
	}
	return out
}

type fakeStatus struct {
	symbol string
	state  engine.State
}

func (f *fakeStatus) Symbol() string      { return f.symbol }
func (f *fakeStatus) State() engine.State { return f.state }
func (f *fakeStatus) LastUpdateID() int64 { return 42 }

func TestStateWatcherIgnoresRoutineResync(t *testing.T) {
	rec := &recordingChannel{}
	btc := &fakeStatus{symbol: "BTCUSDT", state: engine.StateLive}
	w := newStateWatcher(alert.NewManager([]alert.Channel{rec}, 0), []transport.SyncStatus{btc}, time.Second, time.Minute, logger.NewNop())
	now := time.Unix(1700000000, 0)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	w.check(ctx)
	btc.state = engine.StateResyncing
	w.check(ctx)
	now = now.Add(30 * time.Second)
	w.check(ctx)
	btc.state = engine.StateLive
	w.check(ctx)

	assert.Empty(t, rec.messages(), "gap resync is normal recovery")
}

func TestStateWatcherAlertsOnProlongedOutageAndStop(t *testing.T) {
	rec := &recordingChannel{}
	btc := &fakeStatus{symbol: "BTCUSDT", state: engine.StateLive}
	w := newStateWatcher(alert.NewManager([]alert.Channel{rec}, 0), []transport.SyncStatus{btc}, time.Second, time.Minute, logger.NewNop())
	now := time.Unix(1700000000, 0)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	w.check(ctx)
	btc.state = engine.StateResyncing
	w.check(ctx)
	now = now.Add(61 * time.Second)
	w.check(ctx)
	now = now.Add(time.Minute)
	w.check(ctx) // 同一次 outage 只告警一次

	btc.state = engine.StateStopped
	w.check(ctx)
	w.check(ctx)

	assert.Equal(t, []string{"order book not live", "order book sync stopped"}, rec.messages())
	assert.Equal(t, alert.LevelWarning, rec.alerts[0].Level)
	assert.Equal(t, alert.LevelCritical, rec.alerts[1].Level)
	assert.Equal(t, "BTCUSDT", rec.alerts[1].Symbol)
}

func TestLifecycleRollback(t *testing.T) {
	m := NewLifecycleManager()
	first := &fakeComponent{}
	m.Register(first)
	m.Register(&fakeComponent{startErr: errors.New("port in use")})

	require.Error(t, m.StartAll(context.Background()))
	assert.True(t, first.stopped)
}

type fakeComponent struct {
	startErr error
	stopped  bool
}

func (f *fakeComponent) Start(ctx context.Context) error { return f.startErr }
func (f *fakeComponent) Stop() error                     { f.stopped = true; return nil }
func (f *fakeComponent) Health() error                   { return nil }

func TestHTTPComponentListenFailure(t *testing.T) {
	c := NewWithConfig(testConfig()).WithFeed(stubFeed{})
	require.NoError(t, c.Build())
	require.NoError(t, c.relayServer.Start(context.Background()))
	defer c.relayServer.Stop()

	clash := &httpServerComponent{name: "clash", handler: http.NotFoundHandler(), addr: c.relayServer.Addr(), logger: c.logger}
	assert.Error(t, clash.Start(context.Background()))
	assert.Error(t, clash.Health())
}

func runAsync(c *Container) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return errc
}

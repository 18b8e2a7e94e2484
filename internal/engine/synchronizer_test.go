package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depth-relay-go/gateway"
	"depth-relay-go/internal/hub"
	"depth-relay-go/internal/retry"
	"depth-relay-go/market"
)

type snapReply struct {
	snap market.Snapshot
	err  error
}

// fakeFeed 事件 channel 不带缓冲：发送返回即表示同步器已取走，处理顺序可控。
type fakeFeed struct {
	events  chan gateway.FeedEvent
	snaps   chan snapReply
	fetches atomic.Int32
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan gateway.FeedEvent),
		snaps:  make(chan snapReply, 8),
	}
}

func (f *fakeFeed) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	f.fetches.Add(1)
	select {
	case r := <-f.snaps:
		return r.snap, r.err
	case <-ctx.Done():
		return market.Snapshot{}, ctx.Err()
	}
}

func (f *fakeFeed) StreamDeltas(ctx context.Context, symbol string) <-chan gateway.FeedEvent {
	return f.events
}

func (f *fakeFeed) snapshot(id int64) {
	f.snaps <- snapReply{snap: market.Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: id,
		Bids:         []market.Level{market.MustLevel("100", "1")},
		Asks:         []market.Level{market.MustLevel("101", "1")},
	}}
}

func (f *fakeFeed) delta(t *testing.T, first, last int64, bids ...market.Level) {
	t.Helper()
	select {
	case f.events <- gateway.FeedEvent{Kind: gateway.EventDelta, Delta: market.Delta{
		Symbol: "BTCUSDT", FirstUpdateID: first, FinalUpdateID: last, Bids: bids,
	}}:
	case <-time.After(time.Second):
		t.Fatal("synchronizer did not take delta")
	}
}

func (f *fakeFeed) reconnect(t *testing.T) {
	t.Helper()
	select {
	case f.events <- gateway.FeedEvent{Kind: gateway.EventReconnected}:
	case <-time.After(time.Second):
		t.Fatal("synchronizer did not take reconnect")
	}
}

type recordingPub struct {
	mu        sync.Mutex
	deltas    []market.Delta
	resyncs   []market.BookView
	activated map[string]int64
	evicted   map[string]error
}

func newRecordingPub() *recordingPub {
	return &recordingPub{activated: map[string]int64{}, evicted: map[string]error{}}
}

func (p *recordingPub) BroadcastDelta(symbol string, d market.Delta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
}

func (p *recordingPub) BroadcastResync(symbol string, view market.BookView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resyncs = append(p.resyncs, view)
}

func (p *recordingPub) Activate(sub *hub.Subscriber, view market.BookView) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated[sub.ID] = view.LastUpdateID
	return true
}

func (p *recordingPub) Evict(sub *hub.Subscriber, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted[sub.ID] = reason
}

// evictReason 未被移除时返回 nil。
func (p *recordingPub) evictReason(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted[id]
}

func (p *recordingPub) resyncIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []int64{}
	for _, v := range p.resyncs {
		out = append(out, v.LastUpdateID)
	}
	return out
}

func (p *recordingPub) deltaIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []int64{}
	for _, d := range p.deltas {
		out = append(out, d.FinalUpdateID)
	}
	return out
}

func (p *recordingPub) activatedAt(id string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.activated[id]
	return v, ok
}

type countingRecorder struct {
	n atomic.Int32
}

func (r *countingRecorder) Record(symbol string, view market.BookView) { r.n.Add(1) }

func testConfig() Config {
	return Config{
		SnapshotTimeout: 5 * time.Second,
		Retry:           retry.Policy{Interval: time.Millisecond, Factor: 1},
		BufferSize:      100,
		SampleInterval:  time.Hour,
	}
}

type harness struct {
	feed   *fakeFeed
	pub    *recordingPub
	sync   *Synchronizer
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, cfg Config, rec Recorder) *harness {
	t.Helper()
	h := &harness{feed: newFakeFeed(), pub: newRecordingPub(), errc: make(chan error, 1)}
	h.sync = New("BTCUSDT", h.feed, h.pub, rec, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.sync.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.sync.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, st State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sync.State() == st }, 2*time.Second, time.Millisecond,
		"want %s, have %s", st, h.sync.State())
}

func (h *harness) goLive(t *testing.T, id int64) {
	t.Helper()
	h.feed.snapshot(id)
	h.waitState(t, StateLive)
	require.Eventually(t, func() bool { return h.sync.LastUpdateID() >= id }, time.Second, time.Millisecond)
}

func TestInitialLoadReplaysBufferedDeltas(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.waitState(t, StateSnapshotLoading)

	h.feed.delta(t, 95, 99)   // 快照前的旧增量
	h.feed.delta(t, 100, 102) // 跨越快照
	h.feed.delta(t, 103, 103)
	h.goLive(t, 100)

	assert.Equal(t, int64(103), h.sync.LastUpdateID())
	require.Eventually(t, func() bool { return len(h.pub.resyncIDs()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{103}, h.pub.resyncIDs())
	assert.Empty(t, h.pub.deltaIDs(), "replayed deltas are covered by the resync view")

	h.feed.delta(t, 104, 104)
	require.Eventually(t, func() bool { return len(h.pub.deltaIDs()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.feed.fetches.Load())
}

func TestGapTriggersResyncAndRecovers(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 100)

	h.feed.delta(t, 105, 110)
	h.waitState(t, StateResyncing)
	assert.Equal(t, int64(100), h.sync.LastUpdateID(), "gap delta must not be applied")
	require.Eventually(t, func() bool { return h.feed.fetches.Load() == 2 }, time.Second, time.Millisecond)

	h.goLive(t, 110)
	require.Eventually(t, func() bool { return len(h.pub.resyncIDs()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{100, 110}, h.pub.resyncIDs())

	h.feed.delta(t, 111, 112)
	require.Eventually(t, func() bool { return h.sync.LastUpdateID() == 112 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.pub.deltaIDs()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{112}, h.pub.deltaIDs())
}

func TestResyncCoalescesSignals(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 100)

	h.feed.delta(t, 105, 110)
	h.waitState(t, StateResyncing)
	h.feed.reconnect(t)
	h.feed.delta(t, 111, 111)
	h.feed.delta(t, 130, 131)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), h.feed.fetches.Load(), "only the first gap per cycle fetches")

	h.feed.snapshot(110)
	// 回放 111 成功，130 断档再拉一次
	require.Eventually(t, func() bool { return h.feed.fetches.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StateResyncing, h.sync.State())
}

func TestReplayGapKeepsBufferForNextSnapshot(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.waitState(t, StateSnapshotLoading)

	h.feed.delta(t, 200, 201)
	h.feed.delta(t, 202, 202)
	h.feed.snapshot(100) // 比缓存还旧
	require.Eventually(t, func() bool { return h.feed.fetches.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSnapshotLoading, h.sync.State())

	h.goLive(t, 200)
	assert.Equal(t, int64(202), h.sync.LastUpdateID())
}

func TestReconnectForcesResync(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 50)

	h.feed.reconnect(t)
	h.waitState(t, StateResyncing)
	h.goLive(t, 70)
	assert.Equal(t, int32(2), h.feed.fetches.Load())
}

func TestCrossedBookResyncs(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 10)

	h.feed.delta(t, 11, 11, market.MustLevel("102", "1"))
	h.waitState(t, StateResyncing)
	assert.Empty(t, h.pub.deltaIDs(), "crossed update is not broadcast")
}

func TestInvalidDeltaResyncs(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 10)

	h.feed.delta(t, 12, 11)
	h.waitState(t, StateResyncing)
	assert.Equal(t, int64(10), h.sync.LastUpdateID())
}

func TestSeedParksUntilLive(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.waitState(t, StateSnapshotLoading)

	early := &hub.Subscriber{ID: "early"}
	require.NoError(t, h.sync.Seed(context.Background(), early))
	time.Sleep(10 * time.Millisecond)
	_, ok := h.pub.activatedAt("early")
	assert.False(t, ok, "not seeded before LIVE")

	h.goLive(t, 40)
	require.Eventually(t, func() bool { _, ok := h.pub.activatedAt("early"); return ok }, time.Second, time.Millisecond)

	late := &hub.Subscriber{ID: "late"}
	require.NoError(t, h.sync.Seed(context.Background(), late))
	require.Eventually(t, func() bool { _, ok := h.pub.activatedAt("late"); return ok }, time.Second, time.Millisecond)
	id, _ := h.pub.activatedAt("late")
	assert.Equal(t, int64(40), id)
}

func TestStopEvictsParkedSubscribers(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.waitState(t, StateSnapshotLoading)

	parked := &hub.Subscriber{ID: "parked"}
	require.NoError(t, h.sync.Seed(context.Background(), parked))
	h.cancel()
	<-h.sync.Done()

	assert.ErrorIs(t, h.pub.evictReason("parked"), ErrStopped, "parked subscriber must not be left waiting")
	_, activated := h.pub.activatedAt("parked")
	assert.False(t, activated)
}

func TestSeedRacingStopNeverStrandsSubscriber(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.waitState(t, StateSnapshotLoading)

	const n = 200
	accepted := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := &hub.Subscriber{ID: fmt.Sprintf("sub-%d", i)}
			if err := h.sync.Seed(context.Background(), sub); err == nil {
				accepted <- sub.ID
			} else {
				assert.ErrorIs(t, err, ErrStopped)
			}
		}(i)
		if i == n/2 {
			h.cancel()
		}
	}
	wg.Wait()
	<-h.sync.Done()
	close(accepted)

	for id := range accepted {
		_, activated := h.pub.activatedAt(id)
		evicted := h.pub.evictReason(id) != nil
		assert.True(t, activated || evicted, "%s accepted but never activated or evicted", id)
	}
}

func TestSnapshotRetryThenLive(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.feed.snaps <- snapReply{err: errors.New("429")}
	h.feed.snaps <- snapReply{err: errors.New("timeout")}
	h.goLive(t, 5)
	assert.Equal(t, int32(3), h.feed.fetches.Load())
}

func TestRetryExhaustionStops(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	h := start(t, cfg, nil)
	h.feed.snaps <- snapReply{err: errors.New("down")}
	h.feed.snaps <- snapReply{err: errors.New("down")}

	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, retry.ErrExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return after exhausting retries")
	}
	assert.Equal(t, StateStopped, h.sync.State())
	assert.ErrorIs(t, h.sync.Seed(context.Background(), &hub.Subscriber{ID: "x"}), ErrStopped)
}

func TestStopOnCancel(t *testing.T) {
	h := start(t, testConfig(), nil)
	h.goLive(t, 1)
	h.cancel()

	select {
	case err := <-h.errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateStopped, h.sync.State())
}

func TestSamplesHistoryOnlyWhileLive(t *testing.T) {
	cfg := testConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	rec := &countingRecorder{}
	h := start(t, cfg, rec)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.n.Load())

	h.goLive(t, 1)
	require.Eventually(t, func() bool { return rec.n.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestSynchronizerWithRegistry(t *testing.T) {
	feed := newFakeFeed()
	reg := hub.NewRegistry(nil, hub.Options{QueueSize: 8}, nil, nil)
	s := New("BTCUSDT", feed, reg, nil, testConfig(), nil, nil)
	reg.AddSymbol("BTCUSDT", s)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-s.Done()
	}()
	go s.Run(ctx)

	sub, err := reg.Register(ctx, "btcusdt", 0, hub.SubscriberOptions{})
	require.NoError(t, err)

	feed.snapshot(100)
	feed.delta(t, 101, 101, market.MustLevel("99", "3"))

	var types []hub.MessageType
	require.Eventually(t, func() bool {
		select {
		case env := <-sub.Outbound():
			types = append(types, env.Type())
		default:
		}
		return len(types) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []hub.MessageType{hub.TypeLiveSnapshot, hub.TypeDepthUpdate}, types)
}

package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lv(p, q string) Level { return MustLevel(p, q) }

func seededBook(t *testing.T) *OrderBook {
	t.Helper()
	ob := NewOrderBook("BTCUSDT")
	ob.ApplySnapshot(Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 100,
		Bids:         []Level{lv("99.5", "2"), lv("100", "1"), lv("98", "4")},
		Asks:         []Level{lv("102", "3"), lv("101", "1.5")},
	})
	return ob
}

func assertSorted(t *testing.T, ob *OrderBook) {
	t.Helper()
	v := ob.View(0)
	for i := 1; i < len(v.Bids); i++ {
		assert.True(t, v.Bids[i-1].Price.GreaterThan(v.Bids[i].Price), "bids not strictly descending at %d", i)
	}
	for i := 1; i < len(v.Asks); i++ {
		assert.True(t, v.Asks[i-1].Price.LessThan(v.Asks[i].Price), "asks not strictly ascending at %d", i)
	}
	for _, l := range append(v.Bids, v.Asks...) {
		assert.True(t, l.Quantity.IsPositive(), "non-positive quantity at %s", l.Price)
	}
}

func TestOrderBookSnapshotSortsAndFilters(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	ob.ApplySnapshot(Snapshot{
		LastUpdateID: 7,
		Bids:         []Level{lv("1", "1"), lv("3", "0"), lv("2", "1"), lv("2", "5")},
		Asks:         []Level{lv("6", "1"), lv("4", "2")},
	})

	require.True(t, ob.Ready())
	assert.Equal(t, int64(7), ob.LastUpdateID())
	v := ob.View(0)
	require.Len(t, v.Bids, 2)
	assert.Equal(t, "2", v.Bids[0].Price.String())
	assert.Equal(t, "5", v.Bids[0].Quantity.String()) // 重复价位后者覆盖
	assert.Equal(t, "4", v.Asks[0].Price.String())
	assertSorted(t, ob)
}

func TestOrderBookApplyAndMid(t *testing.T) {
	ob := seededBook(t)

	bid, ok := ob.BestBid()
	require.True(t, ok)
	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "100", bid.Price.String())
	assert.Equal(t, "101", ask.Price.String())

	mid, ok := ob.MidPrice()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.RequireFromString("100.5")))

	spread, ok := ob.Spread()
	require.True(t, ok)
	assert.Equal(t, "1", spread.String())

	// 删除一档
	applied, err := ob.ApplyDelta(Delta{FirstUpdateID: 101, FinalUpdateID: 101, Bids: []Level{lv("100", "0")}})
	require.NoError(t, err)
	assert.True(t, applied)
	bid, _ = ob.BestBid()
	assert.Equal(t, "99.5", bid.Price.String())
	assert.Equal(t, int64(101), ob.LastUpdateID())
}

func TestOrderBookDeltaSequencing(t *testing.T) {
	testCases := []struct {
		name        string
		first, last int64
		wantApplied bool
		wantErr     error
		wantLastID  int64
	}{
		{name: "恰好衔接", first: 101, last: 101, wantApplied: true, wantLastID: 101},
		{name: "跨越 last+1", first: 95, last: 110, wantApplied: true, wantLastID: 110},
		{name: "过期增量", first: 90, last: 100, wantApplied: false, wantLastID: 100},
		{name: "断档", first: 102, last: 105, wantErr: ErrSequenceGap, wantLastID: 100},
		{name: "区间颠倒", first: 105, last: 101, wantErr: ErrInvalidDelta, wantLastID: 100},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ob := seededBook(t)
			before := ob.View(0)

			applied, err := ob.ApplyDelta(Delta{
				FirstUpdateID: tc.first,
				FinalUpdateID: tc.last,
				Bids:          []Level{lv("100.5", "9")},
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantApplied, applied)
			assert.Equal(t, tc.wantLastID, ob.LastUpdateID())
			if !tc.wantApplied {
				after := ob.View(0)
				assert.Equal(t, before.Bids, after.Bids, "rejected delta must not mutate")
				assert.Equal(t, before.Asks, after.Asks)
			}
		})
	}
}

func TestOrderBookStaleDeltaIsIdempotent(t *testing.T) {
	ob := seededBook(t)
	d := Delta{FirstUpdateID: 101, FinalUpdateID: 103, Asks: []Level{lv("101", "7")}}

	applied, err := ob.ApplyDelta(d)
	require.NoError(t, err)
	require.True(t, applied)
	snap := ob.View(0)

	applied, err = ob.ApplyDelta(d)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, snap.Asks, ob.View(0).Asks)
	assert.Equal(t, int64(103), ob.LastUpdateID())
}

func TestOrderBookRejectsNegativeQuantity(t *testing.T) {
	ob := seededBook(t)
	applied, err := ob.ApplyDelta(Delta{
		FirstUpdateID: 101,
		FinalUpdateID: 101,
		Bids:          []Level{lv("97", "1")},
		Asks:          []Level{lv("103", "-1")},
	})
	assert.ErrorIs(t, err, ErrInvalidDelta)
	assert.False(t, applied)
	bids, asks := ob.Depth()
	assert.Equal(t, 3, bids, "partial apply leaked into bids")
	assert.Equal(t, 2, asks)
}

func TestOrderBookNotReady(t *testing.T) {
	ob := NewOrderBook("ETHUSDT")

	_, err := ob.ApplyDelta(Delta{FirstUpdateID: 1, FinalUpdateID: 1})
	assert.ErrorIs(t, err, ErrNotReady)

	_, ok := ob.BestBid()
	assert.False(t, ok)
	_, ok = ob.MidPrice()
	assert.False(t, ok)
	_, ok = ob.Spread()
	assert.False(t, ok)
	assert.False(t, ob.Crossed())
}

func TestOrderBookOneSidedHasNoMid(t *testing.T) {
	ob := NewOrderBook("ETHUSDT")
	ob.ApplySnapshot(Snapshot{LastUpdateID: 1, Bids: []Level{lv("10", "1")}})

	_, ok := ob.BestBid()
	assert.True(t, ok)
	_, ok = ob.BestAsk()
	assert.False(t, ok)
	_, ok = ob.MidPrice()
	assert.False(t, ok)
}

func TestOrderBookKeepsSortUnderRandomUpdates(t *testing.T) {
	ob := seededBook(t)
	prices := []string{"99.9", "100.2", "97", "99.5", "100.2", "98.1", "96", "99.9"}
	qtys := []string{"1", "2", "0", "0", "3", "1", "0.5", "0"}
	for i := range prices {
		id := int64(101 + i)
		_, err := ob.ApplyDelta(Delta{
			FirstUpdateID: id,
			FinalUpdateID: id,
			Bids:          []Level{lv(prices[i], qtys[i])},
			Asks:          []Level{lv("1"+prices[i], qtys[i])},
		})
		require.NoError(t, err)
		assertSorted(t, ob)
	}
}

func TestOrderBookCrossed(t *testing.T) {
	ob := seededBook(t)
	assert.False(t, ob.Crossed())

	_, err := ob.ApplyDelta(Delta{FirstUpdateID: 101, FinalUpdateID: 101, Bids: []Level{lv("101", "1")}})
	require.NoError(t, err)
	assert.True(t, ob.Crossed())
}

func TestOrderBookVolumeInBucket(t *testing.T) {
	ob := seededBook(t)
	d := decimal.RequireFromString

	assert.Equal(t, "3", ob.VolumeInBucket(d("99"), d("100.5"), SideBid).String())
	// 上界不含
	assert.Equal(t, "2", ob.VolumeInBucket(d("99"), d("100"), SideBid).String())
	assert.Equal(t, "4.5", ob.VolumeInBucket(d("101"), d("103"), SideAsk).String())
	assert.True(t, ob.VolumeInBucket(d("200"), d("300"), SideAsk).IsZero())
}

func TestOrderBookViewIsACopy(t *testing.T) {
	ob := seededBook(t)
	v := ob.View(2)
	require.Len(t, v.Bids, 2)
	require.Len(t, v.Asks, 2)
	assert.Equal(t, "BTCUSDT", v.Symbol)
	assert.Equal(t, int64(100), v.LastUpdateID)

	v.Bids[0] = lv("1", "1")
	bid, _ := ob.BestBid()
	assert.Equal(t, "100", bid.Price.String())
}

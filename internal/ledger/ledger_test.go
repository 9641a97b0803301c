package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"papertrade/internal/market"
	"papertrade/internal/stoploss"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, capital float64) *Ledger {
	t.Helper()
	l := New(Options{
		AccountID:        "test",
		InitialCapital:   capital,
		SnapshotThrottle: time.Nanosecond,
	})
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func tick(l *Ledger, t *testing.T, symbol string, price float64) {
	t.Helper()
	require.NoError(t, l.OnTick(context.Background(), market.Tick{
		Symbol: symbol,
		Price:  price,
		Time:   time.Now(),
	}))
}

func TestOpenDebitsCapitalAndRecordsTrade(t *testing.T) {
	l := newTestLedger(t, 10_000)

	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   10,
		EntryPrice: 100,
	})
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)
	assert.Equal(t, 100.0, pos.CurrentPrice)
	assert.Zero(t, pos.PnL)

	snap := l.Snapshot()
	assert.Equal(t, 9_000.0, snap.Available)
	require.Len(t, snap.Trades, 1)
	assert.Equal(t, ActionOpen, snap.Trades[0].Action)
	assert.Equal(t, pos.ID, snap.Trades[0].PositionID)
	assert.Nil(t, snap.Trades[0].RealizedPnL)
}

func TestOpenRejectsInsufficientCapital(t *testing.T) {
	l := newTestLedger(t, 500)

	_, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   10,
		EntryPrice: 100,
	})
	require.ErrorIs(t, err, ErrInsufficientCapital)

	snap := l.Snapshot()
	assert.Equal(t, 500.0, snap.Available)
	assert.Empty(t, snap.Positions)
	assert.Empty(t, snap.Trades)
}

func TestOpenRejectsBadRequest(t *testing.T) {
	l := newTestLedger(t, 10_000)
	ctx := context.Background()

	_, err := l.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Direction: "SIDEWAYS", Quantity: 1, EntryPrice: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 0, EntryPrice: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 1, EntryPrice: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLongPnLTracksPrice(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 10, EntryPrice: 100,
	})
	require.NoError(t, err)

	prices := []float64{101, 105, 103, 110}
	var last float64
	for i, price := range prices {
		tick(l, t, "BTCUSDT", price)
		got, ok := l.Snapshot().Position(pos.ID)
		require.True(t, ok)
		assert.Equal(t, price, got.CurrentPrice)
		assert.InDelta(t, (price-100)*10, got.PnL, 1e-9)
		if i > 0 && price > prices[i-1] {
			assert.Greater(t, got.PnL, last)
		}
		last = got.PnL
	}
}

func TestShortPnLInvertsPrice(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "ETHUSDT", Direction: DirectionShort, Quantity: 5, EntryPrice: 200,
	})
	require.NoError(t, err)

	tick(l, t, "ETHUSDT", 180)
	got, ok := l.Snapshot().Position(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, 100.0, got.PnL, 1e-9)
	assert.InDelta(t, 10.0, got.PnLPercent, 1e-9)

	tick(l, t, "ETHUSDT", 220)
	got, _ = l.Snapshot().Position(pos.ID)
	assert.InDelta(t, -100.0, got.PnL, 1e-9)
}

func TestTickIgnoresOtherSymbols(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 1, EntryPrice: 100,
	})
	require.NoError(t, err)

	tick(l, t, "ETHUSDT", 9999)
	got, _ := l.Snapshot().Position(pos.ID)
	assert.Equal(t, 100.0, got.CurrentPrice)
	assert.Zero(t, got.PnL)
}

// Long 10 @ 100 with a price stop at 95: a rally to 110 marks +100, then a
// drop through the stop closes at 94 for -60 realized and credits 940.
func TestPriceStopAutoCloses(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   10,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindPrice, Value: 95},
	})
	require.NoError(t, err)

	tick(l, t, "BTCUSDT", 110)
	got, _ := l.Snapshot().Position(pos.ID)
	assert.True(t, got.IsOpen)
	assert.InDelta(t, 100.0, got.PnL, 1e-9)

	tick(l, t, "BTCUSDT", 94)
	snap := l.Snapshot()
	got, _ = snap.Position(pos.ID)
	assert.False(t, got.IsOpen)
	assert.Equal(t, 94.0, got.ExitPrice)
	assert.Equal(t, "stop_loss:price", got.CloseReason)
	assert.InDelta(t, -60.0, got.PnL, 1e-9)

	// 10000 - 1000 entry + 940 exit
	assert.InDelta(t, 9_940.0, snap.Available, 1e-9)

	var closes int
	for _, tr := range snap.Trades {
		if tr.Action == ActionClose {
			closes++
			require.NotNil(t, tr.RealizedPnL)
			assert.InDelta(t, -60.0, *tr.RealizedPnL, 1e-9)
		}
	}
	assert.Equal(t, 1, closes)
}

// Short 5 @ 200 with no stop: 180 marks +100, manual close realizes it and
// credits 900.
func TestManualCloseShort(t *testing.T) {
	l := newTestLedger(t, 1_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "ETHUSDT", Direction: DirectionShort, Quantity: 5, EntryPrice: 200,
	})
	require.NoError(t, err)

	tick(l, t, "ETHUSDT", 180)
	got, _ := l.Snapshot().Position(pos.ID)
	assert.InDelta(t, 100.0, got.PnL, 1e-9)

	trade, err := l.Close(context.Background(), pos.ID, 180, "")
	require.NoError(t, err)
	require.NotNil(t, trade.RealizedPnL)
	assert.InDelta(t, 100.0, *trade.RealizedPnL, 1e-9)
	assert.Equal(t, 180.0, trade.Price)

	snap := l.Snapshot()
	// 1000 - 1000 entry + 900 exit
	assert.InDelta(t, 900.0, snap.Available, 1e-9)
	got, _ = snap.Position(pos.ID)
	assert.False(t, got.IsOpen)
	assert.Equal(t, CloseReasonManual, got.CloseReason)
}

func TestCapitalConservation(t *testing.T) {
	l := newTestLedger(t, 10_000)
	before := l.Snapshot().Available

	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 3, EntryPrice: 250,
	})
	require.NoError(t, err)
	_, err = l.Close(context.Background(), pos.ID, 260, "")
	require.NoError(t, err)

	after := l.Snapshot().Available
	assert.InDelta(t, before-3*250+3*260, after, 1e-9)
}

func TestCloseIsTerminal(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Direction: DirectionLong, Quantity: 1, EntryPrice: 100,
	})
	require.NoError(t, err)

	_, err = l.Close(context.Background(), pos.ID, 105, "")
	require.NoError(t, err)
	_, err = l.Close(context.Background(), pos.ID, 110, "")
	require.ErrorIs(t, err, ErrAlreadyClosed)

	snap := l.Snapshot()
	got, _ := snap.Position(pos.ID)
	assert.False(t, got.IsOpen)
	assert.Equal(t, 105.0, got.ExitPrice)
	assert.InDelta(t, 10_005.0, snap.Available, 1e-9)
}

// A manual close and a stop trigger racing on the same position must produce
// exactly one CLOSE trade, whichever path wins.
func TestConcurrentCloseRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		l := newTestLedger(t, 10_000)
		pos, err := l.Open(context.Background(), OpenRequest{
			Symbol:     "BTCUSDT",
			Direction:  DirectionLong,
			Quantity:   10,
			EntryPrice: 100,
			StopLoss:   &stoploss.Config{Kind: stoploss.KindPrice, Value: 95},
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// Stop path: tick through the trigger.
			_ = l.OnTick(context.Background(), market.Tick{Symbol: "BTCUSDT", Price: 94, Time: time.Now()})
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Close(context.Background(), pos.ID, 96, "")
		}()
		wg.Wait()

		snap := l.Snapshot()
		var closes int
		for _, tr := range snap.Trades {
			if tr.Action == ActionClose {
				closes++
			}
		}
		assert.Equal(t, 1, closes)
		got, _ := snap.Position(pos.ID)
		assert.False(t, got.IsOpen)
	}
}

func TestPercentStopArmsAndTriggers(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindPercent, Value: 5},
	})
	require.NoError(t, err)
	require.NotNil(t, pos.StopLoss)
	assert.InDelta(t, 95.0, pos.StopLoss.TriggerPrice, 1e-9)

	tick(l, t, "BTCUSDT", 95.5)
	got, _ := l.Snapshot().Position(pos.ID)
	assert.True(t, got.IsOpen)

	tick(l, t, "BTCUSDT", 95)
	got, _ = l.Snapshot().Position(pos.ID)
	assert.False(t, got.IsOpen)
	assert.Equal(t, "stop_loss:percent", got.CloseReason)
}

func TestDurationStopClosesWithoutTicks(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindDuration, Value: 0.02},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, ok := l.Snapshot().Position(pos.ID)
		return ok && !got.IsOpen
	}, time.Second, 5*time.Millisecond)

	got, _ := l.Snapshot().Position(pos.ID)
	assert.Equal(t, "stop_loss:duration", got.CloseReason)
	assert.Equal(t, 100.0, got.ExitPrice)
}

func TestDurationStopCancelledOnManualClose(t *testing.T) {
	l := newTestLedger(t, 10_000)
	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindDuration, Value: 0.05},
	})
	require.NoError(t, err)

	_, err = l.Close(context.Background(), pos.ID, 101, "")
	require.NoError(t, err)
	assert.Zero(t, l.monitor.Tracked())

	time.Sleep(80 * time.Millisecond)
	snap := l.Snapshot()
	var closes int
	for _, tr := range snap.Trades {
		if tr.Action == ActionClose {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
	got, _ := snap.Position(pos.ID)
	assert.Equal(t, CloseReasonManual, got.CloseReason)
}

func TestCandleStopUsesAggregator(t *testing.T) {
	agg := market.NewAggregator(100)
	l := New(Options{
		AccountID:        "test",
		InitialCapital:   10_000,
		CandleSource:     agg,
		SnapshotThrottle: time.Nanosecond,
	})
	l.Start()
	t.Cleanup(l.Stop)

	pos, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionShort,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindCandleHigh, Value: 105, Timeframe: "1m"},
	})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg.OnTick(market.Tick{Symbol: "BTCUSDT", Price: 104, Time: base}, time.Minute)
	tick(l, t, "BTCUSDT", 104)
	got, _ := l.Snapshot().Position(pos.ID)
	assert.True(t, got.IsOpen)

	agg.OnTick(market.Tick{Symbol: "BTCUSDT", Price: 105.2, Time: base.Add(10 * time.Second)}, time.Minute)
	tick(l, t, "BTCUSDT", 105.2)
	got, _ = l.Snapshot().Position(pos.ID)
	assert.False(t, got.IsOpen)
	assert.Equal(t, "stop_loss:candle_high", got.CloseReason)
}

func TestInvalidStopRejectsOpen(t *testing.T) {
	l := newTestLedger(t, 10_000)
	_, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindCandleHigh, Value: 105},
	})
	require.ErrorIs(t, err, stoploss.ErrInvalidConfig)

	snap := l.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 10_000.0, snap.Available)
}

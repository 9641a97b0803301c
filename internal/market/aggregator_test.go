package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(symbol string, sec int64, price, volume float64) Tick {
	return Tick{
		Symbol: symbol,
		Price:  price,
		Volume: volume,
		Time:   time.Unix(sec, 0).UTC(),
	}
}

func TestAggregatorBucketOHLCV(t *testing.T) {
	agg := NewAggregator(0)
	interval := time.Minute

	agg.OnTick(tick("BTCUSDT", 0, 100, 1), interval)
	agg.OnTick(tick("BTCUSDT", 10, 107, 2), interval)
	agg.OnTick(tick("BTCUSDT", 20, 95, 1), interval)
	agg.OnTick(tick("BTCUSDT", 59, 101, 3), interval)

	view, ok := agg.View("BTCUSDT", interval)
	require.True(t, ok)
	require.NotNil(t, view.Current)
	assert.Empty(t, view.Finalized)

	cur := view.Current
	assert.Equal(t, 100.0, cur.Open)
	assert.Equal(t, 107.0, cur.High)
	assert.Equal(t, 95.0, cur.Low)
	assert.Equal(t, 101.0, cur.Close)
	assert.Equal(t, 7.0, cur.Volume)
	assert.GreaterOrEqual(t, cur.High, cur.Open)
	assert.GreaterOrEqual(t, cur.High, cur.Close)
	assert.LessOrEqual(t, cur.Low, cur.Open)
	assert.LessOrEqual(t, cur.Low, cur.Close)
}

// Interval 60s, ticks at t=0 (100), t=30 (105), t=61 (102): the [0,60) candle
// closes as O100/H105/L100/C105 and the [60,120) candle opens O=H=L=C=102.
func TestAggregatorRollover(t *testing.T) {
	agg := NewAggregator(0)
	interval := time.Minute

	var finalized []CandleEvent
	agg.OnFinalized(func(evt CandleEvent) { finalized = append(finalized, evt) })

	agg.OnTick(tick("NIFTY", 0, 100, 1), interval)
	agg.OnTick(tick("NIFTY", 30, 105, 1), interval)
	agg.OnTick(tick("NIFTY", 61, 102, 1), interval)

	require.Len(t, finalized, 1)
	first := finalized[0].Candle
	assert.Equal(t, time.Unix(0, 0).UTC(), first.BucketStart)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 105.0, first.High)
	assert.Equal(t, 100.0, first.Low)
	assert.Equal(t, 105.0, first.Close)

	view, ok := agg.View("NIFTY", interval)
	require.True(t, ok)
	require.NotNil(t, view.Current)
	assert.Equal(t, time.Unix(60, 0).UTC(), view.Current.BucketStart)
	assert.Equal(t, 102.0, view.Current.Open)
	assert.Equal(t, 102.0, view.Current.High)
	assert.Equal(t, 102.0, view.Current.Low)
	assert.Equal(t, 102.0, view.Current.Close)
}

func TestAggregatorFinalizedContiguous(t *testing.T) {
	agg := NewAggregator(0)
	interval := time.Minute

	for sec := int64(0); sec < 600; sec += 15 {
		agg.OnTick(tick("ETHUSDT", sec, 100+float64(sec%7), 1), interval)
	}

	view, ok := agg.View("ETHUSDT", interval)
	require.True(t, ok)
	require.Greater(t, len(view.Finalized), 1)
	for i := 1; i < len(view.Finalized); i++ {
		prev := view.Finalized[i-1]
		assert.Equal(t, prev.BucketStart.Add(interval), view.Finalized[i].BucketStart,
			"finalized candles must be contiguous")
	}
}

func TestAggregatorLateTickDropped(t *testing.T) {
	agg := NewAggregator(0)
	interval := time.Minute

	agg.OnTick(tick("BTCUSDT", 61, 102, 1), interval)
	agg.OnTick(tick("BTCUSDT", 30, 999, 5), interval)

	view, _ := agg.View("BTCUSDT", interval)
	assert.Empty(t, view.Finalized, "late tick must not reopen an earlier bucket")
	assert.Equal(t, 102.0, view.Current.Close)
	assert.Equal(t, 1.0, view.Current.Volume)
	assert.Equal(t, 1, agg.LateTicks())
}

func TestAggregatorRetentionCap(t *testing.T) {
	agg := NewAggregator(3)
	interval := time.Minute

	for i := int64(0); i < 10; i++ {
		agg.OnTick(tick("BTCUSDT", i*60, 100, 1), interval)
	}

	view, _ := agg.View("BTCUSDT", interval)
	require.Len(t, view.Finalized, 3)
	// Oldest candles fall off the front; the newest finalized bucket is t=8m.
	assert.Equal(t, time.Unix(8*60, 0).UTC(), view.Finalized[2].BucketStart)
}

func TestAggregatorSeparateSeriesPerInterval(t *testing.T) {
	agg := NewAggregator(0)

	agg.OnTick(tick("BTCUSDT", 30, 100, 1), time.Minute)
	agg.OnTick(tick("BTCUSDT", 30, 100, 1), 5*time.Minute)

	one, ok := agg.View("BTCUSDT", time.Minute)
	require.True(t, ok)
	five, ok := agg.View("BTCUSDT", 5*time.Minute)
	require.True(t, ok)
	assert.Equal(t, time.Unix(0, 0).UTC(), one.Current.BucketStart)
	assert.Equal(t, time.Unix(0, 0).UTC(), five.Current.BucketStart)

	agg.OnTick(tick("BTCUSDT", 90, 105, 1), time.Minute)
	one, _ = agg.View("BTCUSDT", time.Minute)
	assert.Len(t, one.Finalized, 1)
	five, _ = agg.View("BTCUSDT", 5*time.Minute)
	assert.Empty(t, five.Finalized, "5m bucket must not roll over at t=90s")
}

func TestAggregatorDrop(t *testing.T) {
	agg := NewAggregator(0)
	agg.OnTick(tick("BTCUSDT", 0, 100, 1), time.Minute)
	agg.Drop("BTCUSDT")

	_, ok := agg.View("BTCUSDT", time.Minute)
	assert.False(t, ok)

	// Resubscribe restarts the series from scratch.
	agg.OnTick(tick("BTCUSDT", 120, 50, 1), time.Minute)
	view, ok := agg.View("BTCUSDT", time.Minute)
	require.True(t, ok)
	assert.Equal(t, 50.0, view.Current.Open)
}

func TestAggregatorViewIsCopy(t *testing.T) {
	agg := NewAggregator(0)
	agg.OnTick(tick("BTCUSDT", 0, 100, 1), time.Minute)

	view, _ := agg.View("BTCUSDT", time.Minute)
	view.Current.Close = 9999

	again, _ := agg.View("BTCUSDT", time.Minute)
	assert.Equal(t, 100.0, again.Current.Close)
}

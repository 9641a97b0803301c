package stoploss

import (
	"sync"
	"testing"
	"time"

	"papertrade/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandles struct {
	candles map[time.Duration]market.Candle
}

func (f *fakeCandles) Current(symbol string, interval time.Duration) (market.Candle, bool) {
	c, ok := f.candles[interval]
	return c, ok
}

func TestPriceStopLong(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindPrice)

	cfg, err := h.Arm(Config{Kind: KindPrice, Value: 95}, SideLong, 100, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 95.0, cfg.TriggerPrice)

	pctx := PriceContext{Symbol: "BTCUSDT", Side: SideLong}
	pctx.Price = 96
	assert.False(t, h.OnPrice(cfg, pctx))
	pctx.Price = 95
	assert.True(t, h.OnPrice(cfg, pctx), "long triggers at or below the level")
	pctx.Price = 94
	assert.True(t, h.OnPrice(cfg, pctx))
}

func TestPriceStopShort(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindPrice)

	cfg, err := h.Arm(Config{Kind: KindPrice, Value: 210}, SideShort, 200, time.Now())
	require.NoError(t, err)

	pctx := PriceContext{Symbol: "BTCUSDT", Side: SideShort}
	pctx.Price = 205
	assert.False(t, h.OnPrice(cfg, pctx))
	pctx.Price = 210
	assert.True(t, h.OnPrice(cfg, pctx), "short triggers at or above the level")
}

func TestPercentStopArmsToAbsolutePrice(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindPercent)

	long, err := h.Arm(Config{Kind: KindPercent, Value: 5}, SideLong, 200, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 190.0, long.TriggerPrice, 1e-9)

	short, err := h.Arm(Config{Kind: KindPercent, Value: 5}, SideShort, 200, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 210.0, short.TriggerPrice, 1e-9)

	assert.True(t, h.OnPrice(long, PriceContext{Side: SideLong, Price: 190}))
	assert.False(t, h.OnPrice(long, PriceContext{Side: SideLong, Price: 190.01}))
}

func TestPercentStopRequiresEntryPrice(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindPercent)

	_, err := h.Arm(Config{Kind: KindPercent, Value: 5}, SideLong, 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDurationStopArmsDeadline(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindDuration)

	now := time.Unix(1000, 0).UTC()
	cfg, err := h.Arm(Config{Kind: KindDuration, Value: 90}, SideLong, 100, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), cfg.ExpiresAt)

	// Never fires on price; the monitor owns it.
	assert.False(t, h.OnPrice(cfg, PriceContext{Side: SideLong, Price: 0.0001}))
}

func TestCandleStops(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)

	candles := &fakeCandles{candles: map[time.Duration]market.Candle{
		time.Minute: {High: 110, Low: 98},
	}}
	pctx := PriceContext{Symbol: "BTCUSDT", Side: SideShort, Price: 105, Candles: candles}

	high := reg.MustHandler(KindCandleHigh)
	cfgHigh, err := high.Arm(Config{Kind: KindCandleHigh, Value: 110, Timeframe: "1m"}, SideShort, 100, time.Now())
	require.NoError(t, err)
	assert.True(t, high.OnPrice(cfgHigh, pctx), "candle high reached the level")

	cfgHigh.Value = 111
	assert.False(t, high.OnPrice(cfgHigh, pctx))

	low := reg.MustHandler(KindCandleLow)
	cfgLow, err := low.Arm(Config{Kind: KindCandleLow, Value: 98, Timeframe: "1m"}, SideLong, 100, time.Now())
	require.NoError(t, err)
	assert.True(t, low.OnPrice(cfgLow, PriceContext{Symbol: "BTCUSDT", Side: SideLong, Price: 99, Candles: candles}))

	// Unknown timeframe series: no trigger.
	cfgLow.Timeframe = "5m"
	assert.False(t, low.OnPrice(cfgLow, PriceContext{Symbol: "BTCUSDT", Side: SideLong, Price: 99, Candles: candles}))
}

func TestCandleStopRequiresTimeframe(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreHandlers(reg)
	h := reg.MustHandler(KindCandleHigh)

	err := h.Validate(Config{Kind: KindCandleHigh, Value: 100})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMonitorFiresAndCancels(t *testing.T) {
	var mu sync.Mutex
	fired := make(map[string]int)
	m := NewMonitor(func(id string) {
		mu.Lock()
		fired[id]++
		mu.Unlock()
	})
	defer m.Stop()

	m.Track("pos-1", time.Now().Add(10*time.Millisecond))
	m.Track("pos-2", time.Now().Add(10*time.Millisecond))
	m.Cancel("pos-2")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["pos-1"] == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, fired["pos-2"], "cancelled timer must not fire")
	mu.Unlock()
	assert.Zero(t, m.Tracked())

	// Cancel after fire and double cancel are both no-ops.
	m.Cancel("pos-1")
	m.Cancel("pos-2")
}

package market

import (
	"sync"
	"time"

	"papertrade/internal/logger"
)

// Aggregator folds a per-symbol tick sequence into OHLCV candle series, one
// series per (symbol, interval). A series holds an append-only slice of
// finalized candles plus one mutable current candle; the current candle
// freezes the moment a tick lands in a later bucket.
//
// OnTick for a given symbol is always called from that symbol's stream
// goroutine, so writes to one series never interleave. The mutex only guards
// the series map and concurrent readers (HTTP views).
type Aggregator struct {
	mu       sync.RWMutex
	series   map[seriesKey]*series
	max      int
	onCandle func(CandleEvent)

	lateTicks int
}

type seriesKey struct {
	symbol   string
	interval time.Duration
}

type series struct {
	finalized []Candle
	current   *Candle
}

// SeriesView is a read-only copy of one series.
type SeriesView struct {
	Finalized []Candle
	Current   *Candle
}

// NewAggregator caps each series at max finalized candles (0 = unbounded).
func NewAggregator(max int) *Aggregator {
	return &Aggregator{
		series: make(map[seriesKey]*series),
		max:    max,
	}
}

// OnFinalized registers a hook invoked synchronously whenever a candle
// freezes. Must be set before the first tick arrives.
func (a *Aggregator) OnFinalized(fn func(CandleEvent)) {
	a.onCandle = fn
}

// OnTick applies one tick to the symbol's series for the given interval.
//
// Bucketing: bucketStart = tick time truncated to the interval. A tick in the
// current bucket updates high/low/close and accumulates volume. A tick in a
// later bucket finalizes the current candle and opens a new one seeded with
// O=H=L=C=tick price, the only price known at the rollover instant. A tick
// in an earlier bucket is dropped: finalized candles are never reopened.
func (a *Aggregator) OnTick(t Tick, interval time.Duration) {
	if interval <= 0 || t.Price <= 0 {
		return
	}
	bucketStart := t.Time.Truncate(interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := seriesKey{symbol: t.Symbol, interval: interval}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	switch {
	case s.current == nil || bucketStart.After(s.current.BucketStart):
		if s.current != nil {
			a.finalizeLocked(key, s)
		}
		s.current = &Candle{
			BucketStart: bucketStart,
			Open:        t.Price,
			High:        t.Price,
			Low:         t.Price,
			Close:       t.Price,
			Volume:      t.Volume,
		}
	case bucketStart.Equal(s.current.BucketStart):
		if t.Price > s.current.High {
			s.current.High = t.Price
		}
		if t.Price < s.current.Low {
			s.current.Low = t.Price
		}
		s.current.Close = t.Price
		s.current.Volume += t.Volume
	default:
		a.lateTicks++
		logger.Debugf("aggregator: late tick dropped %s price=%.8f bucket=%s current=%s",
			t.Symbol, t.Price, bucketStart.Format(time.RFC3339), s.current.BucketStart.Format(time.RFC3339))
	}
}

func (a *Aggregator) finalizeLocked(key seriesKey, s *series) {
	frozen := *s.current
	s.finalized = append(s.finalized, frozen)
	if a.max > 0 && len(s.finalized) > a.max {
		s.finalized = s.finalized[len(s.finalized)-a.max:]
	}
	s.current = nil
	if a.onCandle != nil {
		a.onCandle(CandleEvent{Symbol: key.symbol, Interval: key.interval, Candle: frozen})
	}
}

// View returns a copy of the series, or ok=false when no tick has arrived yet.
func (a *Aggregator) View(symbol string, interval time.Duration) (SeriesView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[seriesKey{symbol: symbol, interval: interval}]
	if !ok {
		return SeriesView{}, false
	}
	view := SeriesView{Finalized: make([]Candle, len(s.finalized))}
	copy(view.Finalized, s.finalized)
	if s.current != nil {
		cp := *s.current
		view.Current = &cp
	}
	return view, true
}

// Current returns the live candle for (symbol, interval) if one is open.
func (a *Aggregator) Current(symbol string, interval time.Duration) (Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[seriesKey{symbol: symbol, interval: interval}]
	if !ok || s.current == nil {
		return Candle{}, false
	}
	return *s.current, true
}

// Drop removes every series for the symbol. Called on unsubscribe so a later
// resubscribe restarts the series cleanly.
func (a *Aggregator) Drop(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.series {
		if key.symbol == symbol {
			delete(a.series, key)
		}
	}
}

// LateTicks reports how many out-of-order ticks were discarded.
func (a *Aggregator) LateTicks() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lateTicks
}

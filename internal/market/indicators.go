package market

import "github.com/markcheno/go-talib"

// IndicatorSnapshot carries the latest indicator values computed over a
// series' finalized closes. Zero when the series is shorter than the lookback.
type IndicatorSnapshot struct {
	SMA float64 `json:"sma,omitempty"`
	EMA float64 `json:"ema,omitempty"`
	RSI float64 `json:"rsi,omitempty"`
}

// Indicators computes SMA/EMA/RSI over the finalized candles of a view.
func Indicators(view SeriesView, period int) IndicatorSnapshot {
	if period <= 0 || len(view.Finalized) < period+1 {
		return IndicatorSnapshot{}
	}
	closes := make([]float64, len(view.Finalized))
	for i, c := range view.Finalized {
		closes[i] = c.Close
	}
	var snap IndicatorSnapshot
	if sma := talib.Sma(closes, period); len(sma) > 0 {
		snap.SMA = sma[len(sma)-1]
	}
	if ema := talib.Ema(closes, period); len(ema) > 0 {
		snap.EMA = ema[len(ema)-1]
	}
	if rsi := talib.Rsi(closes, period); len(rsi) > 0 {
		snap.RSI = rsi[len(rsi)-1]
	}
	return snap
}

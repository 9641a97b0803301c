package market

import (
	"context"
	"time"
)

// Instrument identifies one tradeable symbol. Immutable once resolved.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Token    string `json:"token"`
	LotSize  int    `json:"lot_size"`
}

// Tick is a single trade update. Ticks are ephemeral: they are folded into
// candles and position P&L, never stored.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// Candle is one OHLCV bucket. BucketStart is aligned to the interval.
type Candle struct {
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
}

// CandleEvent is emitted when a bucket closes and its candle freezes.
type CandleEvent struct {
	Symbol   string
	Interval time.Duration
	Candle   Candle
}

// SubscribeOptions tunes a tick subscription.
type SubscribeOptions struct {
	Buffer       int
	MaxAttempts  int
	OnConnect    func()
	OnDisconnect func(error)
	// OnStale fires once when the reconnect budget is exhausted, just before
	// the tick channel closes.
	OnStale func(error)
}

// SourceStats reports subscription health counters.
type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	DroppedMessages int
	LastError       string
}

// Source is a push-style tick provider. Each SubscribeTicks call owns an
// independent connection; Close cancels all of them.
type Source interface {
	SubscribeTicks(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Tick, error)

	Stats() SourceStats

	Close() error
}

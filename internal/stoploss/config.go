// Package stoploss evaluates exit conditions for paper positions. Each
// stop kind has a handler registered in a registry; a config is validated and
// armed once at position open (PERCENT collapses into an absolute trigger
// price there) and then evaluated on every price update, except DURATION
// which runs on its own timer.
package stoploss

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"papertrade/internal/scheduler"
)

type Kind string

const (
	KindPrice      Kind = "PRICE"
	KindPercent    Kind = "PERCENT"
	KindDuration   Kind = "DURATION"
	KindCandleHigh Kind = "CANDLE_HIGH"
	KindCandleLow  Kind = "CANDLE_LOW"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

var ErrInvalidConfig = errors.New("invalid stop-loss config")

// Config describes one stop condition. It is owned exclusively by its
// position and mutated only once, by Arm.
type Config struct {
	Kind  Kind    `json:"kind"`
	Value float64 `json:"value"`
	// Timeframe selects the candle series for CANDLE_HIGH/CANDLE_LOW
	// ("1m", "5m", ...).
	Timeframe string `json:"timeframe,omitempty"`
	// TriggerPrice is the armed absolute level for PRICE and PERCENT.
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	// ExpiresAt is the armed deadline for DURATION.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NormalizeSide maps any casing of LONG/SHORT onto the internal side tokens.
func NormalizeSide(side string) string {
	if strings.EqualFold(strings.TrimSpace(side), SideShort) {
		return SideShort
	}
	return SideLong
}

// TimeframeDuration resolves the configured candle timeframe.
func (c Config) TimeframeDuration() (time.Duration, bool) {
	return scheduler.ParseIntervalDuration(c.Timeframe)
}

// Reason labels a triggered stop for trade records and logs.
func (c Config) Reason() string {
	return fmt.Sprintf("stop_loss:%s", strings.ToLower(string(c.Kind)))
}

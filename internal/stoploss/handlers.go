package stoploss

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"papertrade/internal/market"
)

// CandleView exposes the aggregator's live candle to candle-based stops.
type CandleView interface {
	Current(symbol string, interval time.Duration) (market.Candle, bool)
}

// PriceContext carries everything a handler may inspect on a price update.
type PriceContext struct {
	Symbol  string
	Side    string
	Price   float64
	Candles CandleView
}

// Handler evaluates one stop kind.
type Handler interface {
	Kind() Kind

	// Validate rejects configs that can never trigger sanely.
	Validate(cfg Config) error

	// Arm resolves the config against the freshly opened position. PERCENT
	// becomes an absolute trigger price here; DURATION resolves its deadline.
	Arm(cfg Config, side string, entryPrice float64, now time.Time) (Config, error)

	// OnPrice reports whether the armed config triggers at this price.
	OnPrice(cfg Config, pctx PriceContext) bool
}

// Registry maps stop kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

func (r *Registry) Register(h Handler) {
	if r == nil || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

func (r *Registry) Handler(kind Kind) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Kind(strings.ToUpper(strings.TrimSpace(string(kind))))]
	return h, ok
}

func (r *Registry) MustHandler(kind Kind) Handler {
	if h, ok := r.Handler(kind); ok {
		return h
	}
	panic(fmt.Sprintf("stoploss: handler not registered: %s", kind))
}

// RegisterCoreHandlers installs the built-in stop kinds.
func RegisterCoreHandlers(r *Registry) {
	r.Register(&priceHandler{})
	r.Register(&percentHandler{})
	r.Register(&durationHandler{})
	r.Register(&candleHandler{kind: KindCandleHigh})
	r.Register(&candleHandler{kind: KindCandleLow})
}

type priceHandler struct{}

func (h *priceHandler) Kind() Kind { return KindPrice }

func (h *priceHandler) Validate(cfg Config) error {
	if cfg.Value <= 0 {
		return fmt.Errorf("%w: price stop requires value > 0", ErrInvalidConfig)
	}
	return nil
}

func (h *priceHandler) Arm(cfg Config, side string, entryPrice float64, now time.Time) (Config, error) {
	if err := h.Validate(cfg); err != nil {
		return cfg, err
	}
	cfg.TriggerPrice = cfg.Value
	return cfg, nil
}

func (h *priceHandler) OnPrice(cfg Config, pctx PriceContext) bool {
	return hitStop(pctx.Side, pctx.Price, cfg.TriggerPrice)
}

type percentHandler struct{}

func (h *percentHandler) Kind() Kind { return KindPercent }

func (h *percentHandler) Validate(cfg Config) error {
	if cfg.Value <= 0 {
		return fmt.Errorf("%w: percent stop requires value > 0", ErrInvalidConfig)
	}
	return nil
}

// Arm converts the percentage into an absolute trigger price once; after that
// a percent stop behaves exactly like a price stop.
func (h *percentHandler) Arm(cfg Config, side string, entryPrice float64, now time.Time) (Config, error) {
	if err := h.Validate(cfg); err != nil {
		return cfg, err
	}
	if entryPrice <= 0 {
		return cfg, fmt.Errorf("%w: percent stop requires entry price", ErrInvalidConfig)
	}
	cfg.TriggerPrice = percentTrigger(side, entryPrice, cfg.Value)
	return cfg, nil
}

func (h *percentHandler) OnPrice(cfg Config, pctx PriceContext) bool {
	return hitStop(pctx.Side, pctx.Price, cfg.TriggerPrice)
}

type durationHandler struct{}

func (h *durationHandler) Kind() Kind { return KindDuration }

func (h *durationHandler) Validate(cfg Config) error {
	if cfg.Value <= 0 && cfg.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: duration stop requires seconds > 0 or an expiry", ErrInvalidConfig)
	}
	return nil
}

func (h *durationHandler) Arm(cfg Config, side string, entryPrice float64, now time.Time) (Config, error) {
	if err := h.Validate(cfg); err != nil {
		return cfg, err
	}
	if cfg.ExpiresAt.IsZero() {
		cfg.ExpiresAt = now.Add(time.Duration(cfg.Value * float64(time.Second)))
	}
	return cfg, nil
}

// Duration stops are timer-driven; they never fire off a price update.
func (h *durationHandler) OnPrice(cfg Config, pctx PriceContext) bool { return false }

type candleHandler struct {
	kind Kind
}

func (h *candleHandler) Kind() Kind { return h.kind }

func (h *candleHandler) Validate(cfg Config) error {
	if cfg.Value <= 0 {
		return fmt.Errorf("%w: %s stop requires value > 0", ErrInvalidConfig, h.kind)
	}
	if _, ok := cfg.TimeframeDuration(); !ok {
		return fmt.Errorf("%w: %s stop requires a timeframe", ErrInvalidConfig, h.kind)
	}
	return nil
}

func (h *candleHandler) Arm(cfg Config, side string, entryPrice float64, now time.Time) (Config, error) {
	return cfg, h.Validate(cfg)
}

// OnPrice checks the live candle of the configured timeframe: CANDLE_HIGH
// triggers once the bucket's high reaches the level, CANDLE_LOW once its low
// falls to it.
func (h *candleHandler) OnPrice(cfg Config, pctx PriceContext) bool {
	if pctx.Candles == nil {
		return false
	}
	interval, ok := cfg.TimeframeDuration()
	if !ok {
		return false
	}
	candle, ok := pctx.Candles.Current(pctx.Symbol, interval)
	if !ok {
		return false
	}
	if h.kind == KindCandleHigh {
		return decimalGTE(candle.High, cfg.Value)
	}
	return decimalLTE(candle.Low, cfg.Value)
}

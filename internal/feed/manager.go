// Package feed owns the live tick subscriptions. One stream goroutine per
// instrument drives the whole per-tick chain synchronously: candle
// aggregation, then position repricing and stop checks, in that order, before
// the next tick for the same instrument is touched. Streams for different
// instruments run independently; one going stale never disturbs the others.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/market"
	"papertrade/internal/pkg/symbol"
)

// TickSink receives each tick after aggregation. The ledger implements this.
type TickSink interface {
	OnTick(ctx context.Context, t market.Tick) error
}

// StreamStatus is the health view of one subscription.
type StreamStatus struct {
	Symbol   string    `json:"symbol"`
	Stale    bool      `json:"stale"`
	Ticks    int64     `json:"ticks"`
	LastTick time.Time `json:"last_tick,omitempty"`
}

type Options struct {
	// Intervals are the candle series maintained per instrument.
	Intervals []time.Duration
	// MaxAttempts bounds reconnects before a stream is marked stale.
	MaxAttempts int
	Buffer      int
}

type Manager struct {
	source    market.Source
	agg       *market.Aggregator
	sink      TickSink
	intervals []time.Duration
	opts      Options

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	instrument market.Instrument
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	stale    bool
	ticks    int64
	lastTick time.Time
}

func NewManager(source market.Source, agg *market.Aggregator, sink TickSink, opts Options) *Manager {
	if len(opts.Intervals) == 0 {
		opts.Intervals = []time.Duration{time.Minute}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 512
	}
	return &Manager{
		source:    source,
		agg:       agg,
		sink:      sink,
		intervals: opts.Intervals,
		opts:      opts,
		subs:      make(map[string]*subscription),
	}
}

// Subscribe opens a tick stream for the instrument. Subscribing an
// already-subscribed symbol is a no-op returning nil; the existing stream
// keeps running.
func (m *Manager) Subscribe(ctx context.Context, inst market.Instrument) error {
	inst.Symbol = symbol.Normalize(inst.Symbol)
	if inst.Symbol == "" {
		return fmt.Errorf("feed: empty symbol")
	}

	m.mu.Lock()
	if _, ok := m.subs[inst.Symbol]; ok {
		m.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		instrument: inst,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.subs[inst.Symbol] = sub
	m.mu.Unlock()

	ticks, err := m.source.SubscribeTicks(streamCtx, []string{inst.Symbol}, market.SubscribeOptions{
		Buffer:      m.opts.Buffer,
		MaxAttempts: m.opts.MaxAttempts,
		OnStale: func(cause error) {
			sub.markStale()
			logger.Warnf("feed: %s marked stale: %v", inst.Symbol, cause)
		},
	})
	if err != nil {
		cancel()
		close(sub.done)
		m.mu.Lock()
		delete(m.subs, inst.Symbol)
		m.mu.Unlock()
		return fmt.Errorf("feed: subscribe %s: %w", inst.Symbol, err)
	}

	go m.runStream(streamCtx, sub, ticks)
	logger.Infof("feed: subscribed %s intervals=%v", inst.Symbol, m.intervals)
	return nil
}

// Unsubscribe tears the stream down and drops the symbol's candle series.
// Safe to call repeatedly; later calls are no-ops.
func (m *Manager) Unsubscribe(sym string) {
	sym = symbol.Normalize(sym)
	m.mu.Lock()
	sub, ok := m.subs[sym]
	if ok {
		delete(m.subs, sym)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
	if m.agg != nil {
		m.agg.Drop(sym)
	}
	logger.Infof("feed: unsubscribed %s", sym)
}

// Close unsubscribes everything.
func (m *Manager) Close() {
	m.mu.Lock()
	syms := make([]string, 0, len(m.subs))
	for s := range m.subs {
		syms = append(syms, s)
	}
	m.mu.Unlock()
	for _, s := range syms {
		m.Unsubscribe(s)
	}
}

func (m *Manager) runStream(ctx context.Context, sub *subscription, ticks <-chan market.Tick) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				// Source gave up; OnStale already flagged it unless we
				// were cancelled.
				if ctx.Err() == nil {
					sub.markStale()
				}
				return
			}
			m.handleTick(ctx, sub, t)
		}
	}
}

// handleTick runs the causal chain for one tick. Aggregation first so the
// candle a stop check reads already includes this price.
func (m *Manager) handleTick(ctx context.Context, sub *subscription, t market.Tick) {
	if t.Price <= 0 {
		logger.Debugf("feed: dropping non-positive price for %s", t.Symbol)
		return
	}
	sub.record(t.Time)

	if m.agg != nil {
		for _, interval := range m.intervals {
			m.agg.OnTick(t, interval)
		}
	}
	if m.sink != nil {
		if err := m.sink.OnTick(ctx, t); err != nil && ctx.Err() == nil {
			logger.Errorf("feed: tick delivery for %s failed: %v", t.Symbol, err)
		}
	}
}

// Stale reports whether the symbol's stream exhausted its reconnect budget.
func (m *Manager) Stale(sym string) bool {
	m.mu.Lock()
	sub, ok := m.subs[symbol.Normalize(sym)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.stale
}

// Streams returns the status of every subscription, sorted by symbol.
func (m *Manager) Streams() []StreamStatus {
	m.mu.Lock()
	out := make([]StreamStatus, 0, len(m.subs))
	for sym, sub := range m.subs {
		sub.mu.Lock()
		out = append(out, StreamStatus{
			Symbol:   sym,
			Stale:    sub.stale,
			Ticks:    sub.ticks,
			LastTick: sub.lastTick,
		})
		sub.mu.Unlock()
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Subscribed reports whether the symbol currently has a stream.
func (m *Manager) Subscribed(sym string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[symbol.Normalize(sym)]
	return ok
}

func (s *subscription) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *subscription) record(at time.Time) {
	s.mu.Lock()
	s.ticks++
	s.lastTick = at
	s.mu.Unlock()
}

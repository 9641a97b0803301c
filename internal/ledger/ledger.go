// Package ledger tracks the paper account: open positions, unrealized P&L,
// stop-loss execution, capital and the append-only trade history.
//
// The ledger is an actor. All mutations flow through a single event loop, so
// ticks arriving concurrently for different symbols, manual closes from HTTP
// and duration-stop timers never race on shared state. Reads go through an
// atomic snapshot that the loop republishes after each mutation.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/market"
	"papertrade/internal/stoploss"
	"papertrade/internal/store"

	"github.com/google/uuid"
)

// Candles is the aggregator view candle-based stops evaluate against.
type Candles = stoploss.CandleView

type Options struct {
	AccountID      string
	InitialCapital float64

	// Store persists state after each mutation. Nil disables persistence.
	Store store.Store
	// Persister, when set, makes persistence asynchronous with retries.
	Persister *store.RetryPersister

	// CandleSource feeds CANDLE_HIGH/CANDLE_LOW stops. Nil disables them.
	CandleSource Candles

	SnapshotThrottle time.Duration
}

type Ledger struct {
	accountID string
	account   capitalAccount
	positions map[string]*Position
	trades    []Trade

	stops     *stoploss.Registry
	monitor   *stoploss.Monitor
	candles   Candles
	st        store.Store
	persister *store.RetryPersister

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	handlers map[EventType]func(evt EventEnvelope) error

	snapshot         atomic.Value
	snapshotThrottle time.Duration
	lastSnapshot     time.Time

	nowFn func() time.Time
}

func New(opts Options) *Ledger {
	reg := stoploss.NewRegistry()
	stoploss.RegisterCoreHandlers(reg)

	l := &Ledger{
		accountID:        opts.AccountID,
		account:          capitalAccount{available: opts.InitialCapital},
		positions:        make(map[string]*Position),
		stops:            reg,
		candles:          opts.CandleSource,
		st:               opts.Store,
		persister:        opts.Persister,
		msgCh:            make(chan EventEnvelope, 256),
		stopCh:           make(chan struct{}),
		snapshotThrottle: opts.SnapshotThrottle,
		nowFn:            time.Now,
	}
	if l.accountID == "" {
		l.accountID = "default"
	}
	if l.snapshotThrottle == 0 {
		l.snapshotThrottle = 50 * time.Millisecond
	}
	l.monitor = stoploss.NewMonitor(l.onStopExpired)
	l.registerHandlers()
	l.refreshSnapshot(true)
	return l
}

func (l *Ledger) registerHandlers() {
	l.handlers = map[EventType]func(EventEnvelope) error{
		EvtOpenPosition:  l.handleOpen,
		EvtClosePosition: l.handleClose,
		EvtPriceTick:     l.handleTick,
		EvtStopExpired:   l.handleStopExpired,
	}
}

func (l *Ledger) Start() {
	l.wg.Add(1)
	go l.runLoop()
}

func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.monitor.Stop()
}

func (l *Ledger) runLoop() {
	defer l.wg.Done()
	logger.Infof("ledger: actor started account=%s", l.accountID)
	for {
		select {
		case evt := <-l.msgCh:
			l.handleEvent(evt)
		case <-l.stopCh:
			logger.Infof("ledger: actor stopping account=%s", l.accountID)
			return
		}
	}
}

// handleEvent dispatches one envelope. Panics in a handler are contained so a
// single bad message cannot take the loop down, and the reply channel is
// always answered so synchronous senders never hang.
func (l *Ledger) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("ledger: panic handling %s: %v", evt.Type, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("ledger: slow event %s took %v", evt.Type, dur)
		}
	}()

	handler, ok := l.handlers[evt.Type]
	if !ok {
		logger.Warnf("ledger: no handler for event type %s", evt.Type)
		return
	}
	err = handler(evt)
}

func (l *Ledger) Send(evt EventEnvelope) error {
	select {
	case l.msgCh <- evt:
		return nil
	case <-l.stopCh:
		return fmt.Errorf("ledger is stopped")
	}
}

func (l *Ledger) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := l.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return fmt.Errorf("ledger stopped during sync call")
	}
}

// Open creates a position, debiting the account and writing an OPEN trade.
// It fails with ErrInsufficientCapital when the entry value exceeds available
// capital and with ErrInvalidRequest on a bad direction, quantity or stop.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (Position, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(openPayload{PositionID: id, Request: req})
	if err != nil {
		return Position{}, err
	}
	err = l.SendSync(ctx, EventEnvelope{
		ID:        uuid.NewString(),
		Type:      EvtOpenPosition,
		Payload:   payload,
		CreatedAt: l.nowFn(),
		Symbol:    req.Symbol,
	})
	if err != nil {
		return Position{}, err
	}
	pos, ok := l.Snapshot().Position(id)
	if !ok {
		return Position{}, fmt.Errorf("ledger: opened position %s missing from snapshot", id)
	}
	return pos, nil
}

// Close finalizes a position at exitPrice and credits the account. A zero
// exitPrice closes at the last seen price. Closing an already-closed
// position returns ErrAlreadyClosed without touching state.
func (l *Ledger) Close(ctx context.Context, positionID string, exitPrice float64, reason string) (Trade, error) {
	if reason == "" {
		reason = CloseReasonManual
	}
	payload, err := json.Marshal(closePayload{PositionID: positionID, ExitPrice: exitPrice, Reason: reason})
	if err != nil {
		return Trade{}, err
	}
	err = l.SendSync(ctx, EventEnvelope{
		ID:        uuid.NewString(),
		Type:      EvtClosePosition,
		Payload:   payload,
		CreatedAt: l.nowFn(),
	})
	if err != nil {
		return Trade{}, err
	}
	snap := l.Snapshot()
	for i := len(snap.Trades) - 1; i >= 0; i-- {
		if snap.Trades[i].PositionID == positionID && snap.Trades[i].Action == ActionClose {
			return snap.Trades[i], nil
		}
	}
	return Trade{}, fmt.Errorf("ledger: close trade for %s missing from snapshot", positionID)
}

// OnTick reprices every open position on the tick's symbol and evaluates
// price-driven stops. It blocks until the whole chain ran, so a feed calling
// it from its stream goroutine gets strict per-symbol ordering.
func (l *Ledger) OnTick(ctx context.Context, t market.Tick) error {
	payload, err := json.Marshal(tickPayload{Symbol: t.Symbol, Price: t.Price, Volume: t.Volume, Time: t.Time})
	if err != nil {
		return err
	}
	return l.SendSync(ctx, EventEnvelope{
		ID:        uuid.NewString(),
		Type:      EvtPriceTick,
		Payload:   payload,
		CreatedAt: l.nowFn(),
		Symbol:    t.Symbol,
	})
}

// onStopExpired is the duration-stop timer callback. It runs on the timer
// goroutine, so it reenters the loop through an event instead of touching
// state directly.
func (l *Ledger) onStopExpired(positionID string) {
	payload, _ := json.Marshal(expirePayload{PositionID: positionID})
	if err := l.Send(EventEnvelope{
		ID:        uuid.NewString(),
		Type:      EvtStopExpired,
		Payload:   payload,
		CreatedAt: l.nowFn(),
	}); err != nil {
		logger.Warnf("ledger: stop expiry for %s not delivered: %v", positionID, err)
	}
}

// Snapshot returns the last published read-only view.
func (l *Ledger) Snapshot() *Snapshot {
	val := l.snapshot.Load()
	if val == nil {
		return &Snapshot{AccountID: l.accountID}
	}
	return val.(*Snapshot)
}

func (l *Ledger) refreshSnapshot(force bool) {
	if !force && l.snapshotThrottle > 0 && !l.lastSnapshot.IsZero() {
		if time.Since(l.lastSnapshot) < l.snapshotThrottle {
			return
		}
	}
	snap := &Snapshot{
		AccountID: l.accountID,
		Available: l.account.available,
		Positions: make([]Position, 0, len(l.positions)),
		Trades:    make([]Trade, len(l.trades)),
	}
	for _, p := range l.positions {
		cp := *p
		if p.StopLoss != nil {
			cfg := *p.StopLoss
			cp.StopLoss = &cfg
		}
		snap.Positions = append(snap.Positions, cp)
	}
	copy(snap.Trades, l.trades)
	l.snapshot.Store(snap)
	l.lastSnapshot = time.Now()
}

// Recover rebuilds in-memory state from the store and re-arms duration
// stops on surviving open positions. Must run before Start.
func (l *Ledger) Recover(ctx context.Context) error {
	if l.st == nil {
		return nil
	}
	state, err := l.st.LoadAccount(ctx, l.accountID)
	if err != nil {
		return fmt.Errorf("ledger: recover: %w", err)
	}
	if state.Available > 0 || len(state.Positions) > 0 || len(state.Trades) > 0 {
		l.account.available = state.Available
	}
	for _, rec := range state.Positions {
		pos, err := positionFromRecord(rec)
		if err != nil {
			logger.Warnf("ledger: skipping unreadable position %s: %v", rec.ID, err)
			continue
		}
		l.positions[pos.ID] = pos
		if pos.IsOpen && pos.StopLoss != nil && pos.StopLoss.Kind == stoploss.KindDuration {
			l.monitor.Track(pos.ID, pos.StopLoss.ExpiresAt)
		}
	}
	for _, rec := range state.Trades {
		l.trades = append(l.trades, tradeFromRecord(rec))
	}
	l.refreshSnapshot(true)
	logger.Infof("ledger: recovered account=%s positions=%d trades=%d available=%.2f",
		l.accountID, len(l.positions), len(l.trades), l.account.available)
	return nil
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	ptcfg "papertrade/internal/config"
	"papertrade/internal/feed"
	"papertrade/internal/ledger"
	"papertrade/internal/logger"
	"papertrade/internal/market"
	"papertrade/internal/scheduler"
	"papertrade/internal/store"
	livehttp "papertrade/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App owns the wired service: feed manager, aggregator, account ledger,
// persistence and the HTTP surface.
type App struct {
	cfg       *ptcfg.Config
	store     store.Store
	persister *store.RetryPersister
	agg       *market.Aggregator
	ledger    *ledger.Ledger
	source    market.Source
	feeds     *feed.Manager
	watchlist *ptcfg.Watchlist
	http      *livehttp.Server

	mu        sync.Mutex
	runCtx    context.Context
	watchSyms map[string]struct{}
}

// NewApp builds the application from config without starting it.
func NewApp(cfg *ptcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the service and blocks until ctx is cancelled or a component
// fails. State is recovered from the store before the first tick flows.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	if a.persister != nil {
		a.persister.Start(ctx)
	}
	if a.store != nil {
		if err := a.ledger.Recover(ctx); err != nil {
			return fmt.Errorf("recovering account state failed: %w", err)
		}
	}
	a.ledger.Start()

	if a.watchlist != nil {
		a.watchlist.Subscribe(a.applyWatchlist)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		scheduler.NewIntervalRunner(ctx, time.Minute).Start(a.logHealth)
		return nil
	})
	err := group.Wait()
	a.shutdown()
	return err
}

// Ledger exposes the account ledger (for tests and replay harnesses).
func (a *App) Ledger() *ledger.Ledger {
	if a == nil {
		return nil
	}
	return a.ledger
}

func (a *App) shutdown() {
	if a.watchlist != nil {
		a.watchlist.Close()
	}
	a.feeds.Close()
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			logger.Warnf("closing market source failed: %v", err)
		}
	}
	a.ledger.Stop()
	if a.persister != nil {
		a.persister.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("closing store failed: %v", err)
		}
	}
}

// logHealth reports stream and persistence health once a minute.
func (a *App) logHealth() {
	streams := a.feeds.Streams()
	stale := 0
	var ticks int64
	for _, s := range streams {
		if s.Stale {
			stale++
		}
		ticks += s.Ticks
	}
	var dropped int64
	if a.persister != nil {
		dropped = a.persister.Dropped()
	}
	snap := a.ledger.Snapshot()
	logger.Infof("health streams=%d stale=%d ticks=%d open_positions=%d available=%.2f persist_dropped=%d",
		len(streams), stale, ticks, len(snap.OpenPositions()), snap.Available, dropped)
}

func (a *App) subscribe(inst market.Instrument) error {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return a.feeds.Subscribe(ctx, inst)
}

// applyWatchlist reconciles streams against the instruments file: new
// entries are subscribed, entries removed from the file are dropped.
// Streams added over HTTP are left alone.
func (a *App) applyWatchlist(snap ptcfg.WatchlistSnapshot) {
	desired := make(map[string]struct{}, len(snap.Instruments))
	for _, inst := range snap.Instruments {
		desired[inst.Symbol] = struct{}{}
		if a.feeds.Subscribed(inst.Symbol) {
			continue
		}
		if err := a.subscribe(market.Instrument{Symbol: inst.Symbol, Exchange: inst.Exchange}); err != nil {
			logger.Errorf("watchlist subscribe failed symbol=%s: %v", inst.Symbol, err)
		}
	}

	a.mu.Lock()
	previous := a.watchSyms
	a.watchSyms = desired
	a.mu.Unlock()

	for sym := range previous {
		if _, ok := desired[sym]; !ok {
			logger.Infof("watchlist removed symbol=%s, dropping stream", sym)
			a.feeds.Unsubscribe(sym)
		}
	}
}

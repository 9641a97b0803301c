package app

import (
	"context"
	"fmt"
	"time"

	ptcfg "papertrade/internal/config"
	"papertrade/internal/feed"
	"papertrade/internal/gateway/binance"
	"papertrade/internal/gateway/wsfeed"
	"papertrade/internal/ledger"
	"papertrade/internal/logger"
	"papertrade/internal/market"
	"papertrade/internal/scheduler"
	"papertrade/internal/store"
	livehttp "papertrade/internal/transport/http/live"
)

// AppBuilder assembles the service from config. The fn fields exist so
// tests can swap individual stages.
type AppBuilder struct {
	cfg *ptcfg.Config

	tickSourceFn func(ptcfg.MarketSource) (market.Source, error)
	watchlistFn  func(string) (*ptcfg.Watchlist, error)
	liveHTTPFn   func(livehttp.ServerConfig) (*livehttp.Server, error)

	storeOverride store.Store
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *ptcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		tickSourceFn: buildTickSource,
		watchlistFn:  ptcfg.NewWatchlist,
		liveHTTPFn:   livehttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	intervals, err := parseIntervals(cfg.Market.Intervals)
	if err != nil {
		return nil, err
	}

	st, persister, err := b.buildStorage(cfg.Persistence)
	if err != nil {
		return nil, err
	}

	agg := market.NewAggregator(cfg.Market.MaxCached)

	book := ledger.New(ledger.Options{
		AccountID:      cfg.Account.ID,
		InitialCapital: cfg.Account.InitialCapital,
		Store:          st,
		Persister:      persister,
		CandleSource:   agg,
	})

	active := cfg.Market.ResolveActiveSource()
	source, err := b.tickSourceFn(active)
	if err != nil {
		return nil, fmt.Errorf("building tick source %s failed: %w", active.Name, err)
	}
	logger.Infof("market source ready name=%s kind=%s", active.Name, active.SourceKind())

	feeds := feed.NewManager(source, agg, book, feed.Options{
		Intervals:   intervals,
		MaxAttempts: cfg.Market.MaxAttempts,
		Buffer:      cfg.Market.Buffer,
	})

	watchlist, err := b.loadWatchlist(cfg.App.WatchlistPath)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:       cfg,
		store:     st,
		persister: persister,
		agg:       agg,
		ledger:    book,
		source:    source,
		feeds:     feeds,
		watchlist: watchlist,
	}

	httpServer, err := b.liveHTTPFn(livehttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Account:   book,
		Candles:   agg,
		Feeds:     &feedControl{app: app},
		Intervals: cfg.Market.Intervals,
	})
	if err != nil {
		return nil, fmt.Errorf("building http server failed: %w", err)
	}
	app.http = httpServer
	return app, nil
}

func (b *AppBuilder) buildStorage(cfg ptcfg.PersistenceConfig) (store.Store, *store.RetryPersister, error) {
	if b.storeOverride != nil {
		return b.storeOverride, nil, nil
	}
	if !cfg.Enabled {
		logger.Warnf("persistence disabled, account state is memory only")
		return nil, nil, nil
	}
	gs, err := store.NewGormStore(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store %s failed: %w", cfg.Path, err)
	}
	persister := store.NewRetryPersister(store.PersisterOptions{
		QueueSize:   cfg.QueueSize,
		MaxAttempts: cfg.MaxAttempts,
	})
	return gs, persister, nil
}

func (b *AppBuilder) loadWatchlist(path string) (*ptcfg.Watchlist, error) {
	if path == "" {
		return nil, nil
	}
	wl, err := b.watchlistFn(path)
	if err != nil {
		// A missing watchlist only means no startup subscriptions;
		// streams can still be added over HTTP.
		logger.Warnf("watchlist unavailable (%s): %v", path, err)
		return nil, nil
	}
	return wl, nil
}

func buildTickSource(src ptcfg.MarketSource) (market.Source, error) {
	switch src.SourceKind() {
	case "binance":
		return binance.New(binance.Config{
			RESTBaseURL:  src.RESTBaseURL,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
			WSProxyURL:   src.Proxy.WSURL,
		})
	case "websocket":
		return wsfeed.New(wsfeed.Config{
			URL:               src.WSURL,
			SubscribeTemplate: src.SubscribeTemplate,
			SymbolPath:        src.SymbolPath,
			PricePath:         src.PricePath,
			VolumePath:        src.VolumePath,
			TimePath:          src.TimePath,
		})
	default:
		return nil, fmt.Errorf("unknown market source kind %q", src.SourceKind())
	}
}

func parseIntervals(in []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(in))
	for _, iv := range in {
		d, ok := scheduler.ParseIntervalDuration(iv)
		if !ok {
			return nil, fmt.Errorf("invalid interval %q", iv)
		}
		out = append(out, d)
	}
	return out, nil
}

// feedControl adapts the feed manager to the HTTP layer, binding new
// streams to the app's run context instead of the request's.
type feedControl struct {
	app *App
}

func (f *feedControl) Subscribe(inst market.Instrument) error {
	return f.app.subscribe(inst)
}

func (f *feedControl) Unsubscribe(sym string) { f.app.feeds.Unsubscribe(sym) }

func (f *feedControl) Stale(sym string) bool { return f.app.feeds.Stale(sym) }

func (f *feedControl) Streams() []feed.StreamStatus { return f.app.feeds.Streams() }

func WithTickSource(fn func(ptcfg.MarketSource) (market.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.tickSourceFn = fn
		}
	}
}

func WithWatchlist(fn func(string) (*ptcfg.Watchlist, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.watchlistFn = fn
		}
	}
}

func WithLiveHTTP(fn func(livehttp.ServerConfig) (*livehttp.Server, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.liveHTTPFn = fn
		}
	}
}

func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		if st != nil {
			b.storeOverride = st
		}
	}
}

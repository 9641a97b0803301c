package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ptcfg "papertrade/internal/config"
	"papertrade/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	symbols []string
	closed  bool
}

func (f *fakeSource) SubscribeTicks(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	f.mu.Lock()
	f.symbols = append(f.symbols, symbols...)
	f.mu.Unlock()
	ch := make(chan market.Tick)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.symbols...)
}

func writeTestConfig(t *testing.T) *ptcfg.Config {
	t.Helper()
	dir := t.TempDir()
	watchPath := filepath.Join(dir, "instruments.yaml")
	require.NoError(t, os.WriteFile(watchPath, []byte("instruments:\n  - symbol: BTCUSDT\n"), 0o644))

	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
app:
  http_addr: "127.0.0.1:0"
  watchlist_path: %s
account:
  initial_capital: 5000
persistence:
  path: %s
`, watchPath, filepath.Join(dir, "state.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := ptcfg.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresComponents(t *testing.T) {
	cfg := writeTestConfig(t)
	src := &fakeSource{}
	builder := NewAppBuilder(cfg, WithTickSource(func(ptcfg.MarketSource) (market.Source, error) {
		return src, nil
	}))

	a, err := builder.Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a.Ledger())
	require.NotNil(t, a.http)
	require.NotNil(t, a.watchlist)

	assert.Equal(t, []string{"BTCUSDT"}, a.watchlist.Snapshot().Symbols())
}

func TestRunSubscribesWatchlistAndShutsDown(t *testing.T) {
	cfg := writeTestConfig(t)
	src := &fakeSource{}
	builder := NewAppBuilder(cfg, WithTickSource(func(ptcfg.MarketSource) (market.Source, error) {
		return src, nil
	}))

	a, err := builder.Build(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		subs := src.subscribed()
		return len(subs) == 1 && subs[0] == "BTCUSDT"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 5000.0, a.Ledger().Snapshot().Available)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	src.mu.Lock()
	closed := src.closed
	src.mu.Unlock()
	assert.True(t, closed)
}

func TestBuildRejectsUnknownSourceKind(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.Market.Sources[0].Kind = "carrier-pigeon"

	_, err := NewAppBuilder(cfg).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown market source kind")
}

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"papertrade/internal/stoploss"
	"papertrade/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverRestoresAccountState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	st, err := store.NewGormStore(dbPath)
	require.NoError(t, err)

	l := New(Options{
		AccountID:        "acct",
		InitialCapital:   10_000,
		Store:            st,
		SnapshotThrottle: time.Nanosecond,
	})
	l.Start()

	open, err := l.Open(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  DirectionLong,
		Quantity:   2,
		EntryPrice: 150,
		StopLoss:   &stoploss.Config{Kind: stoploss.KindPrice, Value: 140},
	})
	require.NoError(t, err)

	closedPos, err := l.Open(context.Background(), OpenRequest{
		Symbol: "ETHUSDT", Direction: DirectionShort, Quantity: 1, EntryPrice: 300,
	})
	require.NoError(t, err)
	_, err = l.Close(context.Background(), closedPos.ID, 290, "")
	require.NoError(t, err)

	wantAvailable := l.Snapshot().Available
	l.Stop()
	require.NoError(t, st.Close())

	st2, err := store.NewGormStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })

	l2 := New(Options{AccountID: "acct", Store: st2, SnapshotThrottle: time.Nanosecond})
	require.NoError(t, l2.Recover(context.Background()))
	l2.Start()
	t.Cleanup(l2.Stop)

	snap := l2.Snapshot()
	assert.InDelta(t, wantAvailable, snap.Available, 1e-9)
	require.Len(t, snap.Positions, 2)
	require.Len(t, snap.Trades, 3)

	restored, ok := snap.Position(open.ID)
	require.True(t, ok)
	assert.True(t, restored.IsOpen)
	require.NotNil(t, restored.StopLoss)
	assert.Equal(t, stoploss.KindPrice, restored.StopLoss.Kind)
	assert.InDelta(t, 140.0, restored.StopLoss.TriggerPrice, 1e-9)

	gone, ok := snap.Position(closedPos.ID)
	require.True(t, ok)
	assert.False(t, gone.IsOpen)
	assert.Equal(t, 290.0, gone.ExitPrice)
}

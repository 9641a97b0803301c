package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/stoploss"
	"papertrade/internal/store"
)

// persist hands one write to the async persister when configured, otherwise
// runs it inline. In-memory state is already committed by the time this is
// called; a persistence failure is retried, never rolled back.
func (l *Ledger) persist(name string, do func(ctx context.Context) error) {
	if l.st == nil {
		return
	}
	if l.persister != nil {
		l.persister.Enqueue(store.PersistOp{Name: name, Do: do})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := do(ctx); err != nil {
		logger.Warnf("ledger: %s persist failed: %v", name, err)
	}
}

func (l *Ledger) persistAccount() {
	state := store.AccountState{AccountID: l.accountID, Available: l.account.available}
	l.persist("account", func(ctx context.Context) error {
		return l.st.SaveAccount(ctx, state)
	})
}

func (l *Ledger) persistPosition(pos Position) {
	rec, err := positionToRecord(pos)
	if err != nil {
		logger.Warnf("ledger: position %s not persistable: %v", pos.ID, err)
		return
	}
	accountID := l.accountID
	l.persist(fmt.Sprintf("position %s", pos.ID), func(ctx context.Context) error {
		return l.st.SavePosition(ctx, accountID, rec)
	})
}

func (l *Ledger) persistTrade(trade Trade) {
	rec := store.TradeRecord{
		ID:          trade.ID,
		AccountID:   l.accountID,
		PositionID:  trade.PositionID,
		Symbol:      trade.Symbol,
		Action:      trade.Action,
		Quantity:    trade.Quantity,
		Price:       trade.Price,
		RealizedPnL: trade.RealizedPnL,
		Time:        trade.Time,
	}
	l.persist(fmt.Sprintf("trade %s", trade.ID), func(ctx context.Context) error {
		return l.st.AppendTrade(ctx, rec)
	})
}

func (l *Ledger) persistEvent(eventID, eventType, symbol string, fact any) {
	payload, err := json.Marshal(fact)
	if err != nil {
		logger.Warnf("ledger: event %s not persistable: %v", eventID, err)
		return
	}
	rec := store.EventRecord{
		ID:        eventID,
		Type:      eventType,
		Symbol:    symbol,
		Payload:   payload,
		CreatedAt: l.nowFn(),
	}
	l.persist(fmt.Sprintf("event %s", eventID), func(ctx context.Context) error {
		return l.st.AppendEvent(ctx, rec)
	})
}

func positionToRecord(pos Position) (store.PositionRecord, error) {
	rec := store.PositionRecord{
		ID:           pos.ID,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Quantity:     pos.Quantity,
		EntryPrice:   pos.EntryPrice,
		CurrentPrice: pos.CurrentPrice,
		PnL:          pos.PnL,
		PnLPercent:   pos.PnLPercent,
		IsOpen:       pos.IsOpen,
		ExitPrice:    pos.ExitPrice,
		CloseReason:  pos.CloseReason,
		EntryTime:    pos.EntryTime,
		ClosedAt:     pos.ClosedAt,
	}
	if pos.StopLoss != nil {
		raw, err := json.Marshal(pos.StopLoss)
		if err != nil {
			return rec, err
		}
		rec.StopLoss = raw
	}
	return rec, nil
}

func positionFromRecord(rec store.PositionRecord) (*Position, error) {
	pos := &Position{
		ID:           rec.ID,
		Symbol:       rec.Symbol,
		Direction:    rec.Direction,
		Quantity:     rec.Quantity,
		EntryPrice:   rec.EntryPrice,
		CurrentPrice: rec.CurrentPrice,
		PnL:          rec.PnL,
		PnLPercent:   rec.PnLPercent,
		IsOpen:       rec.IsOpen,
		ExitPrice:    rec.ExitPrice,
		CloseReason:  rec.CloseReason,
		EntryTime:    rec.EntryTime,
		ClosedAt:     rec.ClosedAt,
	}
	if len(rec.StopLoss) > 0 {
		var cfg stoploss.Config
		if err := json.Unmarshal(rec.StopLoss, &cfg); err != nil {
			return nil, err
		}
		pos.StopLoss = &cfg
	}
	return pos, nil
}

func tradeFromRecord(rec store.TradeRecord) Trade {
	return Trade{
		ID:          rec.ID,
		PositionID:  rec.PositionID,
		Symbol:      rec.Symbol,
		Action:      rec.Action,
		Quantity:    rec.Quantity,
		Price:       rec.Price,
		RealizedPnL: rec.RealizedPnL,
		Time:        rec.Time,
	}
}

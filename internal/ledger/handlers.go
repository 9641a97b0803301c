package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"papertrade/internal/logger"
	"papertrade/internal/stoploss"

	"github.com/google/uuid"
)

func (l *Ledger) handleOpen(evt EventEnvelope) error {
	var p openPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	req := p.Request

	direction := strings.ToUpper(strings.TrimSpace(req.Direction))
	if direction != DirectionLong && direction != DirectionShort {
		return fmt.Errorf("%w: direction must be LONG or SHORT", ErrInvalidRequest)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if req.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidRequest)
	}

	now := evt.CreatedAt
	var armed *stoploss.Config
	if req.StopLoss != nil {
		handler, ok := l.stops.Handler(req.StopLoss.Kind)
		if !ok {
			return fmt.Errorf("%w: unknown stop-loss kind %q", ErrInvalidRequest, req.StopLoss.Kind)
		}
		cfg, err := handler.Arm(*req.StopLoss, sideOf(direction), req.EntryPrice, now)
		if err != nil {
			return err
		}
		cfg.Kind = handler.Kind()
		armed = &cfg
	}

	cost := req.Quantity * req.EntryPrice
	if !l.account.debit(cost) {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCapital, cost, l.account.available)
	}

	pos := &Position{
		ID:           p.PositionID,
		Symbol:       req.Symbol,
		Direction:    direction,
		Quantity:     req.Quantity,
		EntryPrice:   req.EntryPrice,
		CurrentPrice: req.EntryPrice,
		EntryTime:    now,
		IsOpen:       true,
		StopLoss:     armed,
	}
	l.positions[pos.ID] = pos

	trade := Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Action:     ActionOpen,
		Quantity:   pos.Quantity,
		Price:      pos.EntryPrice,
		Time:       now,
	}
	l.trades = append(l.trades, trade)

	if armed != nil && armed.Kind == stoploss.KindDuration {
		l.monitor.Track(pos.ID, armed.ExpiresAt)
	}

	logger.Infof("ledger: opened %s %s qty=%.8f entry=%.8f id=%s", pos.Direction, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.ID)
	l.persistPosition(*pos)
	l.persistTrade(trade)
	l.persistAccount()
	l.persistEvent(evt.ID, "position_opened", pos.Symbol, pos)
	l.refreshSnapshot(true)
	return nil
}

func (l *Ledger) handleClose(evt EventEnvelope) error {
	var p closePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	_, err := l.closePosition(p.PositionID, p.ExitPrice, p.Reason, evt.ID)
	return err
}

// closePosition is the single close transition. Both the manual path and the
// stop paths funnel through here, so whichever request reaches the loop first
// wins and the loser sees ErrAlreadyClosed.
func (l *Ledger) closePosition(positionID string, exitPrice float64, reason, eventID string) (Trade, error) {
	pos, ok := l.positions[positionID]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if !pos.IsOpen {
		return Trade{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, positionID)
	}
	if exitPrice <= 0 {
		exitPrice = pos.CurrentPrice
	}
	if exitPrice <= 0 {
		return Trade{}, fmt.Errorf("%w: no exit price available for %s", ErrInvalidRequest, positionID)
	}

	now := l.nowFn()
	diff := priceDiff(pos.Direction, pos.EntryPrice, exitPrice)
	realized := diff * pos.Quantity

	pos.IsOpen = false
	pos.CurrentPrice = exitPrice
	pos.ExitPrice = exitPrice
	pos.CloseReason = reason
	pos.ClosedAt = now
	pos.PnL = realized
	pos.PnLPercent = diff / pos.EntryPrice * 100

	l.account.credit(pos.Quantity * exitPrice)
	l.monitor.Cancel(pos.ID)

	trade := Trade{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Action:      ActionClose,
		Quantity:    pos.Quantity,
		Price:       exitPrice,
		RealizedPnL: &realized,
		Time:        now,
	}
	l.trades = append(l.trades, trade)

	logger.Infof("ledger: closed %s %s exit=%.8f pnl=%.4f reason=%s id=%s",
		pos.Direction, pos.Symbol, exitPrice, realized, reason, pos.ID)
	l.persistPosition(*pos)
	l.persistTrade(trade)
	l.persistAccount()
	l.persistEvent(eventID, "position_closed", pos.Symbol, pos)
	l.refreshSnapshot(true)
	return trade, nil
}

func (l *Ledger) handleTick(evt EventEnvelope) error {
	var p tickPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	if p.Price <= 0 {
		return nil
	}

	var triggered []*Position
	for _, pos := range l.positions {
		if !pos.IsOpen || pos.Symbol != p.Symbol {
			continue
		}
		diff := priceDiff(pos.Direction, pos.EntryPrice, p.Price)
		pos.CurrentPrice = p.Price
		pos.PnL = diff * pos.Quantity
		pos.PnLPercent = diff / pos.EntryPrice * 100

		if pos.StopLoss == nil {
			continue
		}
		handler, ok := l.stops.Handler(pos.StopLoss.Kind)
		if !ok {
			continue
		}
		hit := handler.OnPrice(*pos.StopLoss, stoploss.PriceContext{
			Symbol:  pos.Symbol,
			Side:    sideOf(pos.Direction),
			Price:   p.Price,
			Candles: l.candles,
		})
		if hit {
			triggered = append(triggered, pos)
		}
	}

	for _, pos := range triggered {
		if _, err := l.closePosition(pos.ID, p.Price, pos.StopLoss.Reason(), evt.ID); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				logger.Debugf("ledger: stop trigger for %s lost the close race", pos.ID)
				continue
			}
			logger.Errorf("ledger: stop close failed for %s: %v", pos.ID, err)
		}
	}

	l.refreshSnapshot(false)
	return nil
}

func (l *Ledger) handleStopExpired(evt EventEnvelope) error {
	var p expirePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("stop expired: %w", err)
	}
	pos, ok := l.positions[p.PositionID]
	if !ok || !pos.IsOpen {
		// Manual close or a price stop got there first.
		logger.Debugf("ledger: duration stop for %s fired after close", p.PositionID)
		return nil
	}
	reason := "stop_loss:duration"
	if pos.StopLoss != nil {
		reason = pos.StopLoss.Reason()
	}
	_, err := l.closePosition(pos.ID, pos.CurrentPrice, reason, evt.ID)
	if errors.Is(err, ErrAlreadyClosed) {
		return nil
	}
	return err
}

func priceDiff(direction string, entryPrice, price float64) float64 {
	if direction == DirectionShort {
		return entryPrice - price
	}
	return price - entryPrice
}

func sideOf(direction string) string {
	if direction == DirectionShort {
		return stoploss.SideShort
	}
	return stoploss.SideLong
}

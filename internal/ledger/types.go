package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"papertrade/internal/stoploss"
)

const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

const (
	ActionOpen  = "OPEN"
	ActionClose = "CLOSE"
)

// CloseReasonManual marks a user-requested close, as opposed to the
// stop_loss:* reasons a triggered stop writes.
const CloseReasonManual = "manual"

var (
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrAlreadyClosed       = errors.New("position already closed")
	ErrPositionNotFound    = errors.New("position not found")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Position is one paper trade. Mutated only inside the actor loop: price
// updates touch CurrentPrice/PnL/PnLPercent, and exactly one close transition
// flips IsOpen to false, terminally.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	PnL          float64   `json:"pnl"`
	PnLPercent   float64   `json:"pnl_percent"`
	EntryTime    time.Time `json:"entry_time"`
	IsOpen       bool      `json:"is_open"`

	ExitPrice   float64   `json:"exit_price,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`

	StopLoss *stoploss.Config `json:"stop_loss,omitempty"`
}

// Trade is one append-only history entry. RealizedPnL is set on CLOSE only.
type Trade struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL *float64  `json:"realized_pnl,omitempty"`
	Time        time.Time `json:"time"`
}

// OpenRequest asks the ledger to open a position.
type OpenRequest struct {
	Symbol     string           `json:"symbol"`
	Direction  string           `json:"direction"`
	Quantity   float64          `json:"quantity"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   *stoploss.Config `json:"stop_loss,omitempty"`
}

// Snapshot is the read-only view handed to HTTP handlers and anything else
// outside the actor loop. Everything in it is a copy.
type Snapshot struct {
	AccountID string     `json:"account_id"`
	Available float64    `json:"available"`
	Positions []Position `json:"positions"`
	Trades    []Trade    `json:"trades"`
}

// OpenPositions filters the snapshot down to live positions.
func (s *Snapshot) OpenPositions() []Position {
	var out []Position
	for _, p := range s.Positions {
		if p.IsOpen {
			out = append(out, p)
		}
	}
	return out
}

// Position looks a position up by ID.
func (s *Snapshot) Position(id string) (Position, bool) {
	for _, p := range s.Positions {
		if p.ID == id {
			return p, true
		}
	}
	return Position{}, false
}

// EventType names one message kind the actor accepts.
type EventType string

const (
	EvtOpenPosition  EventType = "OPEN_POSITION"
	EvtClosePosition EventType = "CLOSE_POSITION"
	EvtPriceTick     EventType = "PRICE_TICK"
	EvtStopExpired   EventType = "STOP_EXPIRED"
)

// EventEnvelope is the standard message the actor loop consumes.
type EventEnvelope struct {
	ID        string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
	Symbol    string

	// ReplyCh unblocks synchronous senders once the handler ran.
	ReplyCh chan error `json:"-"`
}

type openPayload struct {
	PositionID string      `json:"position_id"`
	Request    OpenRequest `json:"request"`
}

type closePayload struct {
	PositionID string  `json:"position_id"`
	ExitPrice  float64 `json:"exit_price"`
	Reason     string  `json:"reason"`
}

type tickPayload struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

type expirePayload struct {
	PositionID string `json:"position_id"`
}

// capitalAccount is the single mutation point for available capital. Open
// debits, close credits, nothing else touches it.
type capitalAccount struct {
	available float64
}

func (a *capitalAccount) debit(amount float64) bool {
	if amount > a.available {
		return false
	}
	a.available -= amount
	return true
}

func (a *capitalAccount) credit(amount float64) {
	a.available += amount
}

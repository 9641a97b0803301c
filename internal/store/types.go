// Package store persists account state, positions and the trade log behind a
// minimal load/save contract. The in-memory ledger stays authoritative; a
// failed write is retried, never rolled back into memory.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// PositionRecord is the persisted shape of one paper position.
type PositionRecord struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    string          `json:"direction"`
	Quantity     float64         `json:"quantity"`
	EntryPrice   float64         `json:"entry_price"`
	CurrentPrice float64         `json:"current_price"`
	PnL          float64         `json:"pnl"`
	PnLPercent   float64         `json:"pnl_percent"`
	IsOpen       bool            `json:"is_open"`
	ExitPrice    float64         `json:"exit_price,omitempty"`
	CloseReason  string          `json:"close_reason,omitempty"`
	StopLoss     json.RawMessage `json:"stop_loss,omitempty"`
	EntryTime    time.Time       `json:"entry_time"`
	ClosedAt     time.Time       `json:"closed_at,omitempty"`
}

// TradeRecord is one append-only trade log entry.
type TradeRecord struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL *float64  `json:"realized_pnl,omitempty"`
	Time        time.Time `json:"time"`
}

// EventRecord is an audit-log entry for a ledger fact.
type EventRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AccountState is the load/save unit for one account.
type AccountState struct {
	AccountID string           `json:"account_id"`
	Available float64          `json:"available"`
	Positions []PositionRecord `json:"positions"`
	Trades    []TradeRecord    `json:"trades"`
}

// Store is the durable collaborator behind the ledger.
type Store interface {
	LoadAccount(ctx context.Context, accountID string) (AccountState, error)

	SaveAccount(ctx context.Context, state AccountState) error

	SavePosition(ctx context.Context, accountID string, rec PositionRecord) error

	AppendTrade(ctx context.Context, rec TradeRecord) error

	AppendEvent(ctx context.Context, rec EventRecord) error

	Close() error
}

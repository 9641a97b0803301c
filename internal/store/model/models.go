package model

import "gorm.io/datatypes"

// AccountModel mirrors the capital account, one row per account.
type AccountModel struct {
	AccountID     string  `gorm:"column:account_id;primaryKey"`
	Available     float64 `gorm:"column:available"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (AccountModel) TableName() string { return "accounts" }

// PositionModel mirrors one paper position, open or closed.
type PositionModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	AccountID     string         `gorm:"column:account_id;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Direction     string         `gorm:"column:direction"`
	Quantity      float64        `gorm:"column:quantity"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	CurrentPrice  float64        `gorm:"column:current_price"`
	PnL           float64        `gorm:"column:pnl"`
	PnLPercent    float64        `gorm:"column:pnl_percent"`
	IsOpen        bool           `gorm:"column:is_open;index"`
	ExitPrice     float64        `gorm:"column:exit_price"`
	CloseReason   string         `gorm:"column:close_reason"`
	StopLoss      datatypes.JSON `gorm:"column:stop_loss;type:TEXT"`
	EntryTimeUnix int64          `gorm:"column:entry_time"`
	ClosedAtUnix  int64          `gorm:"column:closed_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// TradeModel is one append-only trade log row.
type TradeModel struct {
	ID          string  `gorm:"column:id;primaryKey"`
	AccountID   string  `gorm:"column:account_id;index"`
	PositionID  string  `gorm:"column:position_id;index"`
	Symbol      string  `gorm:"column:symbol"`
	Action      string  `gorm:"column:action"`
	Quantity    float64 `gorm:"column:quantity"`
	Price       float64 `gorm:"column:price"`
	RealizedPnL float64 `gorm:"column:realized_pnl"`
	HasPnL      bool    `gorm:"column:has_pnl"`
	TimeUnix    int64   `gorm:"column:trade_time"`
}

func (TradeModel) TableName() string { return "trades" }

// EventLogModel is the audit log of ledger facts.
type EventLogModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string         `gorm:"column:event_id;uniqueIndex"`
	Type          string         `gorm:"column:type"`
	Symbol        string         `gorm:"column:symbol"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (EventLogModel) TableName() string { return "event_log" }

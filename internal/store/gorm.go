package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"papertrade/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements Store on SQLite through Gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.AccountModel{},
		&model.PositionModel{},
		&model.TradeModel{},
		&model.EventLogModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: writes come from the single persister goroutine, reads
	// from HTTP handlers. Keep the pool tiny to avoid lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) LoadAccount(ctx context.Context, accountID string) (AccountState, error) {
	state := AccountState{AccountID: accountID}

	var acct model.AccountModel
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acct).Error
	switch {
	case err == nil:
		state.Available = acct.Available
	case err == gorm.ErrRecordNotFound:
		// Fresh account, nothing persisted yet.
		return state, nil
	default:
		return state, fmt.Errorf("load account %s: %w", accountID, err)
	}

	var positions []model.PositionModel
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("entry_time asc").
		Find(&positions).Error; err != nil {
		return state, fmt.Errorf("load positions %s: %w", accountID, err)
	}
	for _, p := range positions {
		state.Positions = append(state.Positions, positionFromModel(p))
	}

	var trades []model.TradeModel
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("trade_time asc").
		Find(&trades).Error; err != nil {
		return state, fmt.Errorf("load trades %s: %w", accountID, err)
	}
	for _, tr := range trades {
		state.Trades = append(state.Trades, tradeFromModel(tr))
	}
	return state, nil
}

func (s *GormStore) SaveAccount(ctx context.Context, state AccountState) error {
	acct := model.AccountModel{
		AccountID:     state.AccountID,
		Available:     state.Available,
		UpdatedAtUnix: time.Now().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		UpdateAll: true,
	}).Create(&acct).Error; err != nil {
		return fmt.Errorf("save account %s: %w", state.AccountID, err)
	}
	for _, rec := range state.Positions {
		if err := s.SavePosition(ctx, state.AccountID, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) SavePosition(ctx context.Context, accountID string, rec PositionRecord) error {
	m := positionToModel(accountID, rec)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&m).Error; err != nil {
		return fmt.Errorf("save position %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) AppendTrade(ctx context.Context, rec TradeRecord) error {
	m := model.TradeModel{
		ID:         rec.ID,
		AccountID:  rec.AccountID,
		PositionID: rec.PositionID,
		Symbol:     rec.Symbol,
		Action:     rec.Action,
		Quantity:   rec.Quantity,
		Price:      rec.Price,
		TimeUnix:   rec.Time.Unix(),
	}
	if rec.RealizedPnL != nil {
		m.RealizedPnL = *rec.RealizedPnL
		m.HasPnL = true
	}
	// Trade rows are append-only: conflicts mean a retried write, not an update.
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("append trade %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	m := model.EventLogModel{
		EventID:       rec.ID,
		Type:          rec.Type,
		Symbol:        rec.Symbol,
		Payload:       datatypes.JSON(rec.Payload),
		CreatedAtUnix: rec.CreatedAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("append event %s: %w", rec.ID, err)
	}
	return nil
}

func positionToModel(accountID string, rec PositionRecord) model.PositionModel {
	m := model.PositionModel{
		ID:            rec.ID,
		AccountID:     accountID,
		Symbol:        rec.Symbol,
		Direction:     rec.Direction,
		Quantity:      rec.Quantity,
		EntryPrice:    rec.EntryPrice,
		CurrentPrice:  rec.CurrentPrice,
		PnL:           rec.PnL,
		PnLPercent:    rec.PnLPercent,
		IsOpen:        rec.IsOpen,
		ExitPrice:     rec.ExitPrice,
		CloseReason:   rec.CloseReason,
		EntryTimeUnix: rec.EntryTime.Unix(),
		UpdatedAtUnix: time.Now().Unix(),
	}
	if len(rec.StopLoss) > 0 {
		m.StopLoss = datatypes.JSON(rec.StopLoss)
	}
	if !rec.ClosedAt.IsZero() {
		m.ClosedAtUnix = rec.ClosedAt.Unix()
	}
	return m
}

func positionFromModel(m model.PositionModel) PositionRecord {
	rec := PositionRecord{
		ID:           m.ID,
		Symbol:       m.Symbol,
		Direction:    m.Direction,
		Quantity:     m.Quantity,
		EntryPrice:   m.EntryPrice,
		CurrentPrice: m.CurrentPrice,
		PnL:          m.PnL,
		PnLPercent:   m.PnLPercent,
		IsOpen:       m.IsOpen,
		ExitPrice:    m.ExitPrice,
		CloseReason:  m.CloseReason,
		EntryTime:    time.Unix(m.EntryTimeUnix, 0).UTC(),
	}
	if len(m.StopLoss) > 0 {
		rec.StopLoss = []byte(m.StopLoss)
	}
	if m.ClosedAtUnix > 0 {
		rec.ClosedAt = time.Unix(m.ClosedAtUnix, 0).UTC()
	}
	return rec
}

func tradeFromModel(m model.TradeModel) TradeRecord {
	rec := TradeRecord{
		ID:         m.ID,
		AccountID:  m.AccountID,
		PositionID: m.PositionID,
		Symbol:     m.Symbol,
		Action:     m.Action,
		Quantity:   m.Quantity,
		Price:      m.Price,
		Time:       time.Unix(m.TimeUnix, 0).UTC(),
	}
	if m.HasPnL {
		pnl := m.RealizedPnL
		rec.RealizedPnL = &pnl
	}
	return rec
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

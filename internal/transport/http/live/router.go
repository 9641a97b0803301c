package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"papertrade/internal/feed"
	"papertrade/internal/ledger"
	"papertrade/internal/logger"
	"papertrade/internal/market"
	"papertrade/internal/pkg/symbol"
	"papertrade/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// Account is the slice of the ledger the API needs.
type Account interface {
	Snapshot() *ledger.Snapshot
	Open(ctx context.Context, req ledger.OpenRequest) (ledger.Position, error)
	Close(ctx context.Context, positionID string, exitPrice float64, reason string) (ledger.Trade, error)
}

// CandleSeries is the read view over the aggregator.
type CandleSeries interface {
	View(symbol string, interval time.Duration) (market.SeriesView, bool)
}

// Feeds controls tick subscriptions at runtime. Subscribe must bind the new
// stream to the feed's own lifetime, not the HTTP request's.
type Feeds interface {
	Subscribe(inst market.Instrument) error
	Unsubscribe(symbol string)
	Stale(symbol string) bool
	Streams() []feed.StreamStatus
}

type Router struct {
	account   Account
	candles   CandleSeries
	feeds     Feeds
	intervals []string
}

func NewRouter(account Account, candles CandleSeries, feeds Feeds, intervals []string) *Router {
	if len(intervals) == 0 {
		intervals = []string{"1m"}
	}
	return &Router{account: account, candles: candles, feeds: feeds, intervals: intervals}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/account", r.handleAccount)
	group.GET("/positions", r.handlePositions)
	group.POST("/positions", r.handleOpenPosition)
	group.POST("/positions/:id/close", r.handleClosePosition)
	group.GET("/trades", r.handleTrades)
	if r.candles != nil {
		group.GET("/candles/:symbol", r.handleCandles)
		group.GET("/indicators/:symbol", r.handleIndicators)
	}
	if r.feeds != nil {
		group.GET("/streams", r.handleStreams)
		group.POST("/streams", r.handleSubscribe)
		group.DELETE("/streams/:symbol", r.handleUnsubscribe)
	}
}

func (r *Router) handleAccount(c *gin.Context) {
	snap := r.account.Snapshot()
	open := snap.OpenPositions()
	var unrealized float64
	for _, p := range open {
		unrealized += p.PnL
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":     snap.AccountID,
		"available":      snap.Available,
		"open_positions": len(open),
		"unrealized_pnl": unrealized,
		"trade_count":    len(snap.Trades),
	})
}

func (r *Router) handlePositions(c *gin.Context) {
	snap := r.account.Snapshot()
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", "open")))
	positions := snap.Positions
	if status == "open" {
		positions = snap.OpenPositions()
	}
	if positions == nil {
		positions = []ledger.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (r *Router) handleOpenPosition(c *gin.Context) {
	var req ledger.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Symbol = symbol.Normalize(req.Symbol)
	if r.feeds != nil && r.feeds.Stale(req.Symbol) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price unavailable: stream is stale"})
		return
	}
	pos, err := r.account.Open(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ledger.ErrInsufficientCapital) {
			status = http.StatusUnprocessableEntity
		}
		logger.Warnf("[api] open rejected ip=%s symbol=%s err=%v", c.ClientIP(), req.Symbol, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] opened position ip=%s id=%s %s %s", c.ClientIP(), pos.ID, pos.Direction, pos.Symbol)
	c.JSON(http.StatusCreated, gin.H{"position": pos})
}

type closeRequest struct {
	ExitPrice float64 `json:"exit_price"`
	Reason    string  `json:"reason"`
}

func (r *Router) handleClosePosition(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position id is required"})
		return
	}
	// An empty body closes at the last seen price.
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	trade, err := r.account.Close(c.Request.Context(), id, req.ExitPrice, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrPositionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ledger.ErrAlreadyClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	logger.Infof("[api] closed position ip=%s id=%s price=%.8f", c.ClientIP(), id, trade.Price)
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

func (r *Router) handleTrades(c *gin.Context) {
	snap := r.account.Snapshot()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	trades := snap.Trades
	if len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	if trades == nil {
		trades = []ledger.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "total": len(snap.Trades)})
}

func (r *Router) handleCandles(c *gin.Context) {
	sym := symbol.Normalize(c.Param("symbol"))
	intervalStr := c.DefaultQuery("interval", r.intervals[0])
	interval, ok := scheduler.ParseIntervalDuration(intervalStr)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
		return
	}
	view, ok := r.candles.View(sym, interval)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no candles for symbol/interval"})
		return
	}
	stale := false
	if r.feeds != nil {
		stale = r.feeds.Stale(sym)
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    sym,
		"interval":  intervalStr,
		"finalized": view.Finalized,
		"current":   view.Current,
		"stale":     stale,
	})
}

func (r *Router) handleIndicators(c *gin.Context) {
	sym := symbol.Normalize(c.Param("symbol"))
	intervalStr := c.DefaultQuery("interval", r.intervals[0])
	interval, ok := scheduler.ParseIntervalDuration(intervalStr)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
		return
	}
	period, _ := strconv.Atoi(c.DefaultQuery("period", "14"))
	if period <= 0 {
		period = 14
	}
	view, ok := r.candles.View(sym, interval)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no candles for symbol/interval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     sym,
		"interval":   intervalStr,
		"period":     period,
		"indicators": market.Indicators(view, period),
	})
}

func (r *Router) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": r.feeds.Streams()})
}

type subscribeRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Exchange string `json:"exchange"`
}

func (r *Router) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst := market.Instrument{Symbol: symbol.Normalize(req.Symbol), Exchange: req.Exchange}
	if err := r.feeds.Subscribe(inst); err != nil {
		logger.Errorf("[api] subscribe failed ip=%s symbol=%s err=%v", c.ClientIP(), inst.Symbol, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "symbol": inst.Symbol})
}

func (r *Router) handleUnsubscribe(c *gin.Context) {
	sym := symbol.Normalize(c.Param("symbol"))
	r.feeds.Unsubscribe(sym)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "symbol": sym})
}

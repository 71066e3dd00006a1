package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/bot"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/risk"
)

type listTradesQuery struct {
	BotID     string `form:"bot_id"`
	Symbol    string `form:"symbol"`
	Timeframe string `form:"timeframe"`
	Status    string `form:"status"`
	Since     int64  `form:"since"` // unix ms
	Until     int64  `form:"until"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func (q listTradesQuery) filter() ledger.Filter {
	f := ledger.Filter{
		BotID:     q.BotID,
		Symbol:    strings.ToUpper(strings.TrimSpace(q.Symbol)),
		Timeframe: strings.TrimSpace(q.Timeframe),
		Status:    ledger.Status(strings.ToUpper(q.Status)),
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if q.Since > 0 {
		f.Since = time.UnixMilli(q.Since)
	}
	if q.Until > 0 {
		f.Until = time.UnixMilli(q.Until)
	}
	return f
}

type upsertBotRequest struct {
	Symbol           string           `json:"symbol" binding:"required"`
	Timeframe        string           `json:"timeframe" binding:"required"`
	PositionSize     decimal.Decimal  `json:"position_size"`
	RiskLimitPercent decimal.Decimal  `json:"risk_limit_percent"`
	DailyLossLimit   *decimal.Decimal `json:"daily_loss_limit"`
	MaxPositionSize  *decimal.Decimal `json:"max_position_size"`
	IsActive         *bool            `json:"is_active"`
}

func (r upsertBotRequest) config(userID string) bot.Config {
	cfg := bot.Config{
		UserID:           userID,
		Symbol:           r.Symbol,
		Timeframe:        r.Timeframe,
		PositionSize:     r.PositionSize,
		RiskLimitPercent: r.RiskLimitPercent,
		IsActive:         r.IsActive == nil || *r.IsActive,
	}
	if r.DailyLossLimit != nil {
		cfg.DailyLossLimit = decimal.NewNullDecimal(*r.DailyLossLimit)
	}
	if r.MaxPositionSize != nil {
		cfg.MaxPositionSize = decimal.NewNullDecimal(*r.MaxPositionSize)
	}
	return cfg
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	page, err := s.Ledger.History(c.Request.Context(), CurrentUserID(c), q.filter())
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getTrade(c *gin.Context) {
	rec, err := s.Ledger.Get(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found")
		return
	}
	if err != nil {
		s.internalError(c, "get trade", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.Bots.ListByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.internalError(c, "list bots", err)
		return
	}
	if bots == nil {
		bots = []bot.Config{}
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (s *Server) upsertBot(c *gin.Context) {
	var req upsertBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	cfg := req.config(CurrentUserID(c))
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_BOT_CONFIG", err.Error())
		return
	}

	saved, err := s.Bots.Upsert(c.Request.Context(), cfg)
	if err != nil {
		s.internalError(c, "upsert bot", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteBot(c *gin.Context) {
	err := s.Bots.Delete(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if errors.Is(err, bot.ErrNotFound) {
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", "bot not found")
		return
	}
	if err != nil {
		s.internalError(c, "delete bot", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listRiskEvents(c *gin.Context) {
	var q struct {
		BotID string `form:"bot_id"`
		Limit int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}

	evs, err := s.Ledger.ListRiskEvents(c.Request.Context(), CurrentUserID(c), q.BotID, q.Limit)
	if err != nil {
		s.internalError(c, "list risk events", err)
		return
	}
	if evs == nil {
		evs = []ledger.RiskEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"risk_events": evs})
}

// pnlToday reports realized P&L since the start of the trading day, for one
// bot or across all of the caller's bots.
func (s *Server) pnlToday(c *gin.Context) {
	botID := c.Query("bot_id")
	since := risk.TradingDayStart(s.now(), s.opts.Location)

	pnl, err := s.Ledger.DailyRealizedPnl(c.Request.Context(), CurrentUserID(c), botID, since)
	if err != nil {
		s.internalError(c, "daily pnl", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bot_id":       botID,
		"since":        since,
		"realized_pnl": pnl,
	})
}

func (s *Server) systemStatus(c *gin.Context) {
	resp := gin.H{
		"version": s.opts.Version,
		"dry_run": s.opts.DryRun,
	}
	if s.Pool != nil {
		var dropped uint64
		if s.Bus != nil {
			dropped = s.Bus.Dropped()
		}
		resp["runtime"] = monitor.TakeSnapshot(s.Pool.Stats(), dropped)
	}
	if s.Batch != nil {
		resp["batch_writer"] = s.Batch.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listTokens(c *gin.Context) {
	tokens, err := s.Tokens.List(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.internalError(c, "list tokens", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}

	plaintext, tok, err := s.Tokens.Issue(c.Request.Context(), CurrentUserID(c), req.Label)
	if err != nil {
		s.internalError(c, "issue token", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":         plaintext,
		"webhook_token": tok,
	})
}

func (s *Server) revokeToken(c *gin.Context) {
	err := s.Tokens.Revoke(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if errors.Is(err, ErrTokenNotFound) {
		respondError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found")
		return
	}
	if err != nil {
		s.internalError(c, "revoke token", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op, zap.String("user_id", CurrentUserID(c)), zap.Error(err))
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", op+" failed")
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/engine"
)

type webhookRequest struct {
	Action    string           `json:"action"`
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe"`
	Price     *decimal.Decimal `json:"price"`
}

// outcomeStatus maps an execution outcome to its HTTP status. Broker failures
// are never reported as 200.
func outcomeStatus(o engine.Outcome) int {
	switch o {
	case engine.OutcomeSuccess, engine.OutcomeSkipped:
		return http.StatusOK
	case engine.OutcomePending:
		return http.StatusAccepted
	case engine.OutcomeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// webhook handles POST /webhook/:token and POST /webhook?token=.
func (s *Server) webhook(c *gin.Context) {
	received := s.now()
	plaintext := c.Param("token")
	if plaintext == "" {
		plaintext = c.Query("token")
	}

	tok, err := s.Tokens.Resolve(c.Request.Context(), plaintext)
	if errors.Is(err, ErrInvalidToken) {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "unknown or revoked webhook token")
		return
	}
	if err != nil {
		s.logger.Error("resolve webhook token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "token lookup failed")
		return
	}
	s.Tokens.Touch(tok.ID)

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid JSON payload: "+err.Error())
		return
	}
	action, err := engine.ParseAction(req.Action)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}
	sig := engine.Signal{
		UserID:     tok.UserID,
		Action:     action,
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		ReceivedAt: received,
	}
	if req.Price != nil {
		sig.Price = decimal.NewNullDecimal(*req.Price)
	}

	res, err := s.Engine.Execute(c.Request.Context(), sig)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", verr.Error())
			return
		}
		s.logger.Error("signal execution failed",
			zap.String("user_id", tok.UserID),
			zap.String("symbol", sig.Symbol),
			zap.String("timeframe", sig.Timeframe),
			zap.Error(err),
		)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "signal could not be processed")
		return
	}
	c.JSON(outcomeStatus(res.Status), res)
}

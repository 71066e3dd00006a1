package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/bot"
	"signal-core/internal/ledger"
	"signal-core/pkg/broker"
)

// resolveOpen polls the bot's open records once before a new cycle decides
// anything. Failures are logged; the position read that follows is what the
// cycle trusts.
func (e *Engine) resolveOpen(ctx context.Context, c *cycle) error {
	open, err := e.ledger.Open(ctx, c.cfg.ID)
	if err != nil {
		return err
	}
	for i := range open {
		rc := &cycle{sig: c.sig, cfg: c.cfg, client: c.client, log: c.log, persist: c.persist}
		if err := e.resolveRecord(ctx, rc, &open[i]); err != nil {
			c.log.Warn("open trade still unresolved", zap.String("trade_id", open[i].ID), zap.Error(err))
		}
		c.cfg = rc.cfg
	}
	return nil
}

// Resolve finalizes rec if the broker now reports a terminal state. It takes
// the same per-key lock as Execute.
func (e *Engine) Resolve(ctx context.Context, rec ledger.Record) error {
	key := rec.UserID + "|" + rec.Symbol + "|" + rec.Timeframe
	release, err := e.seq.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	cur, err := e.ledger.Get(ctx, rec.UserID, rec.ID)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	client, err := e.brokers.Get(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("broker for %s: %w", rec.UserID, err)
	}
	cfg, err := e.bots.GetByID(ctx, rec.UserID, rec.BotID)
	switch {
	case errors.Is(err, bot.ErrNotFound):
		cfg = nil // bot deleted; the record is still finalized
	case err != nil:
		return err
	}
	c := &cycle{
		cfg:    cfg,
		client: client,
		log: e.logger.With(
			zap.String("user_id", rec.UserID),
			zap.String("bot_id", rec.BotID),
			zap.String("symbol", rec.Symbol),
		),
		persist: context.WithoutCancel(ctx),
	}
	return e.resolveRecord(ctx, c, cur)
}

func (e *Engine) resolveRecord(ctx context.Context, c *cycle, rec *ledger.Record) error {
	log := c.log.With(zap.String("trade_id", rec.ID), zap.String("broker_order_id", rec.BrokerOrderID))
	handle := broker.OrderHandle{ID: rec.BrokerOrderID, ClientOrderID: rec.ID, Symbol: rec.Symbol}
	st, err := c.client.GetOrderStatus(ctx, handle)
	if err != nil {
		e.statusFailed(rec.UserID, err)
		if rec.BrokerOrderID == "" && broker.IsOrderNotFound(err) {
			// Never reached the broker.
			return e.finalizeFailed(c, rec, ledger.StatusFailed, "order was not acknowledged by the broker")
		}
		return fmt.Errorf("order status: %w", err)
	}
	done, _, err := e.applyStatus(c, rec, st, decimal.Zero, log)
	if done && err == nil {
		log.Info("open trade resolved", zap.String("state", string(st.State)))
	}
	return err
}

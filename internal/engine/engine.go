// Package engine turns inbound signals into broker orders. Each cycle resolves
// the bot, reconciles its tracked side with the broker, applies the decision
// table, checks risk, submits and polls the orders, then records the outcome.
//
// Cycles sharing a (user, symbol, timeframe) key run one at a time in arrival
// order; cycles for different keys run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/bot"
	"signal-core/internal/events"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
	"signal-core/pkg/broker"
)

// Brokers hands out per-user broker clients and tracks their health.
type Brokers interface {
	Get(ctx context.Context, userID string) (broker.Client, error)
	RecordFailure(userID string)
	RecordSuccess(userID string)
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	Poll      PollPolicy
	Tolerance decimal.Decimal
	// CycleTimeout bounds a cycle once its key is held. The default covers
	// two legs of polling plus a minute of broker calls.
	CycleTimeout time.Duration
	// Location defines the trading day for the daily loss limit.
	Location *time.Location
	Bus      *events.Bus
	Metrics  *monitor.Metrics
}

// Engine executes signals.
type Engine struct {
	bots      *bot.Store
	ledger    *ledger.Ledger
	brokers   Brokers
	seq       *Sequencer
	poll      PollPolicy
	timeout   time.Duration
	tolerance decimal.Decimal
	loc       *time.Location
	bus       *events.Bus
	metrics   *monitor.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(bots *bot.Store, lg *ledger.Ledger, brokers Brokers, opts Options, logger *zap.Logger) *Engine {
	if opts.Poll.Validate() != nil {
		opts.Poll = DefaultPollPolicy()
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 2*opts.Poll.Budget() + time.Minute
	}
	if !opts.Tolerance.IsPositive() {
		opts.Tolerance = reconciliation.DefaultTolerance
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Engine{
		bots:      bots,
		ledger:    lg,
		brokers:   brokers,
		seq:       NewSequencer(),
		poll:      opts.Poll,
		timeout:   opts.CycleTimeout,
		tolerance: opts.Tolerance,
		loc:       opts.Location,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// PollPolicy returns the policy in effect.
func (e *Engine) PollPolicy() PollPolicy { return e.poll }

// Outcome is the caller-visible result class of a cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Result describes what a cycle did.
type Result struct {
	Status         Outcome          `json:"status"`
	Action         string           `json:"action"`
	Symbol         string           `json:"symbol"`
	Timeframe      string           `json:"timeframe"`
	Reason         string           `json:"reason,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
	FilledQty      *decimal.Decimal `json:"filled_qty,omitempty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	TradeIDs       []string         `json:"trade_ids,omitempty"`
}

// cycle is the working state of one execution.
type cycle struct {
	sig    Signal
	cfg    *bot.Config
	client broker.Client
	log    *zap.Logger
	res    Result
	// persist outlives a cancelled request so outcomes of submitted orders are
	// always written.
	persist   context.Context
	lastFinal time.Time
}

// legSpec is one order of a cycle.
type legSpec struct {
	kind     ledger.Leg
	side     broker.Side
	qty      decimal.Decimal
	notional decimal.Decimal // opening legs only
	entry    decimal.Decimal // broker's average entry, used when no opening record exists
}

// Execute runs one cycle for sig. A non-nil error means validation failed
// (*ValidationError) or an internal fault; broker failures are reported in the
// Result with status failed.
//
// ctx only bounds the wait for the key. Once the key is held the cycle runs to
// completion under its own timeout even if the caller goes away, so a reversal
// is never left half done.
func (e *Engine) Execute(ctx context.Context, sig Signal) (Result, error) {
	sig.Normalize()
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now()
	}
	if err := sig.Validate(); err != nil {
		return Result{}, err
	}

	release, err := e.seq.Acquire(ctx, sig.key())
	if err != nil {
		return Result{}, fmt.Errorf("wait for %s %s: %w", sig.Symbol, sig.Timeframe, err)
	}
	defer release()

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	c := &cycle{
		sig: sig,
		res: Result{Action: sig.Action.String(), Symbol: sig.Symbol, Timeframe: sig.Timeframe},
		log: e.logger.With(
			zap.String("user_id", sig.UserID),
			zap.String("symbol", sig.Symbol),
			zap.String("timeframe", sig.Timeframe),
			zap.String("action", sig.Action.String()),
		),
		persist: context.WithoutCancel(ctx),
	}
	if sig.Price.Valid {
		c.log.Debug("signal received", zap.String("price_hint", sig.Price.Decimal.String()))
	}
	if err := e.run(work, c); err != nil {
		e.metrics.Signal("error")
		c.log.Error("execution cycle failed", zap.Error(err))
		return c.res, err
	}
	e.metrics.Signal(string(c.res.Status))
	return c.res, nil
}

func (e *Engine) run(ctx context.Context, c *cycle) error {
	cfg, err := e.bots.Get(ctx, c.sig.UserID, c.sig.Symbol, c.sig.Timeframe)
	if errors.Is(err, bot.ErrNotFound) {
		c.log.Info("no bot configured for signal")
		c.res.Status, c.res.Reason = OutcomeSkipped, "NOT_CONFIGURED"
		e.publish(events.EventSignalSkipped, c.sig.UserID, events.SignalSkipped{
			Symbol: c.sig.Symbol, Timeframe: c.sig.Timeframe, Action: c.res.Action, Reason: c.res.Reason,
		})
		return nil
	}
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = c.log.With(zap.String("bot_id", cfg.ID))

	if !cfg.IsActive {
		return e.skip(c, ledger.StatusInactive)
	}

	client, err := e.brokers.Get(ctx, c.sig.UserID)
	if err != nil {
		return e.failPreTrade(c, "connect", err)
	}
	c.client = client

	if err := e.resolveOpen(ctx, c); err != nil {
		return err
	}

	pos, err := client.GetPosition(ctx, c.sig.Symbol)
	if err != nil {
		return e.failPreTrade(c, "get_position", err)
	}
	if err := e.reconcile(c, pos); err != nil {
		return err
	}

	plan, err := Decide(c.cfg.Side, c.sig.Action)
	if err != nil {
		return err
	}
	if plan.Skip != "" {
		return e.skip(c, plan.Skip)
	}

	quote, err := client.GetQuote(ctx, c.sig.Symbol)
	if err != nil {
		return e.failPreTrade(c, "get_quote", err)
	}

	if plan.Open != nil {
		allowed, err := e.checkRisk(ctx, c, plan, pos, quote)
		if err != nil || !allowed {
			return err
		}
	}

	if plan.CloseFirst {
		out, err := e.runLeg(ctx, c, legSpec{
			kind:  ledger.LegClose,
			side:  closingSide(c.cfg.Side),
			qty:   pos.Qty.Abs(),
			entry: pos.AvgEntryPrice,
		}, quote)
		if err != nil || out != OutcomeSuccess || plan.Open == nil {
			return err
		}
		// The open leg trades at a fresh price.
		if quote, err = client.GetQuote(ctx, c.sig.Symbol); err != nil {
			return e.failPreTrade(c, "get_quote", err)
		}
	}

	if plan.Open != nil {
		expected := expectedPrice(*plan.Open, quote)
		if !expected.IsPositive() {
			return e.failPreTrade(c, "get_quote", fmt.Errorf("quote for %s has no usable %s price", c.sig.Symbol, *plan.Open))
		}
		_, err := e.runLeg(ctx, c, legSpec{
			kind:     ledger.LegOpen,
			side:     *plan.Open,
			qty:      sizeQty(c.cfg.PositionSize, expected),
			notional: c.cfg.PositionSize,
		}, quote)
		return err
	}
	return nil
}

// reconcile makes the broker's side authoritative for this cycle.
func (e *Engine) reconcile(c *cycle, pos *broker.Position) error {
	side, err := reconciliation.Compare(c.sig.Symbol, c.cfg.Side, pos, e.tolerance)
	var mismatch *reconciliation.InconsistentPositionError
	if !errors.As(err, &mismatch) {
		return err
	}
	c.log.Warn("tracked position disagrees with broker, using broker",
		zap.String("local_side", string(mismatch.Local)),
		zap.String("broker_side", string(mismatch.Broker)),
		zap.String("broker_qty", mismatch.BrokerQty.String()),
	)
	local := c.cfg.Side
	if err := e.casUpdate(c, func(v int64) (int64, error) {
		return e.bots.SyncSide(c.persist, c.cfg.ID, v, side)
	}); err != nil {
		return err
	}
	c.cfg.Side = side
	e.publish(events.EventPositionMismatch, c.sig.UserID, events.PositionMismatch{
		BotID: c.cfg.ID, Symbol: c.sig.Symbol, Timeframe: c.sig.Timeframe,
		LocalSide: string(local), BrokerSide: string(side), BrokerQty: mismatch.BrokerQty,
	})
	return nil
}

// checkRisk evaluates the opening leg. A veto disables the bot.
func (e *Engine) checkRisk(ctx context.Context, c *cycle, plan Plan, pos *broker.Position, quote broker.Quote) (bool, error) {
	acct, err := c.client.GetAccount(ctx)
	if err != nil {
		return false, e.failPreTrade(c, "get_account", err)
	}
	pnl, err := e.ledger.DailyRealizedPnl(ctx, c.sig.UserID, c.cfg.ID, risk.TradingDayStart(e.now(), e.loc))
	if err != nil {
		return false, err
	}
	in := risk.Input{
		Limits: risk.Limits{
			DailyLossLimit:   c.cfg.DailyLossLimit,
			MaxPositionSize:  c.cfg.MaxPositionSize,
			RiskLimitPercent: c.cfg.RiskLimitPercent,
		},
		Account:          risk.Account{Equity: acct.Equity, BuyingPower: acct.BuyingPower},
		DailyRealizedPnl: pnl,
		Proposal:         risk.Proposal{OpenNotional: c.cfg.PositionSize, ClosesFirst: plan.CloseFirst},
	}
	if pos != nil {
		in.Position = risk.Position{Qty: pos.Qty, Price: mid(quote)}
	}

	d := risk.Evaluate(in)
	if d.Level == risk.LevelWarning {
		c.log.Warn("approaching daily loss limit",
			zap.String("daily_pnl", pnl.String()),
			zap.String("limit", c.cfg.DailyLossLimit.Decimal.String()),
		)
	}
	if d.Allowed {
		return true, nil
	}

	if err := e.bots.Disable(c.persist, c.cfg.ID); err != nil {
		return false, err
	}
	c.cfg.IsActive = false
	if err := e.recordRiskEvent(c, &ledger.RiskEvent{
		BotID:     c.cfg.ID,
		UserID:    c.sig.UserID,
		Type:      ledger.EventType(d.Reason),
		Threshold: d.Threshold,
		Observed:  d.Observed,
		Action:    ledger.ActionBotDisabled,
		Detail:    d.Detail,
	}); err != nil {
		return false, err
	}
	c.log.Warn("risk limit tripped, bot disabled",
		zap.String("reason", string(d.Reason)),
		zap.String("threshold", d.Threshold.String()),
		zap.String("observed", d.Observed.String()),
	)
	c.res.Status, c.res.Reason = OutcomeSkipped, string(d.Reason)
	return false, nil
}

// runLeg records, submits and polls one order.
func (e *Engine) runLeg(ctx context.Context, c *cycle, l legSpec, q broker.Quote) (Outcome, error) {
	expected := expectedPrice(l.side, q)
	marketOpen, err := c.client.MarketOpen(ctx)
	if err != nil {
		c.log.Warn("market clock unavailable", zap.Error(err))
		marketOpen = false
	}

	rec := &ledger.Record{
		BotID:         c.cfg.ID,
		UserID:        c.sig.UserID,
		Symbol:        c.sig.Symbol,
		Timeframe:     c.sig.Timeframe,
		Action:        c.sig.Action.String(),
		Leg:           l.kind,
		Side:          string(l.side),
		RequestedQty:  decimal.NewNullDecimal(l.qty),
		Status:        ledger.StatusSubmitted,
		Bid:           decimal.NewNullDecimal(q.Bid),
		Ask:           decimal.NewNullDecimal(q.Ask),
		Spread:        decimal.NewNullDecimal(q.Spread()),
		ExpectedPrice: decimal.NewNullDecimal(expected),
		MarketOpen:    marketOpen,
		SignalAt:      c.sig.ReceivedAt,
	}
	if l.notional.IsPositive() {
		rec.RequestedNotional = decimal.NewNullDecimal(l.notional)
	}
	if err := e.ledger.Append(c.persist, rec); err != nil {
		return "", err
	}
	c.res.TradeIDs = append(c.res.TradeIDs, rec.ID)
	log := c.log.With(zap.String("trade_id", rec.ID), zap.String("leg", string(l.kind)))

	e.waitPast(c.lastFinal)
	submittedAt := e.now()
	var handle broker.OrderHandle
	if l.kind == ledger.LegClose {
		handle, err = c.client.ClosePosition(ctx, c.sig.Symbol, rec.ID)
	} else {
		handle, err = c.client.SubmitMarketOrder(ctx, broker.OrderRequest{
			Symbol:        c.sig.Symbol,
			Side:          l.side,
			Notional:      l.notional,
			Qty:           l.qty,
			ClientOrderID: rec.ID,
		})
	}
	if err != nil {
		log.Error("order submission failed", zap.Error(err))
		e.metrics.BrokerError("submit_order")
		e.brokers.RecordFailure(c.sig.UserID)
		return OutcomeFailed, e.finalizeFailed(c, rec, ledger.StatusFailed, err.Error())
	}
	e.brokers.RecordSuccess(c.sig.UserID)
	e.metrics.OrderSubmitted(string(l.kind))

	toSubmit := millisBetween(c.sig.ReceivedAt, submittedAt)
	rec.BrokerOrderID, rec.SubmittedAt, rec.SignalToSubmitMs = handle.ID, submittedAt, &toSubmit
	if err := e.ledger.MarkSubmitted(c.persist, rec.ID, handle.ID, submittedAt, toSubmit); err != nil {
		return "", err
	}
	if err := e.bots.SetStatus(c.persist, c.cfg.ID, bot.OrderSubmitted); err != nil {
		return "", err
	}
	c.res.OrderID = handle.ID
	log = log.With(zap.String("broker_order_id", handle.ID))
	log.Info("order submitted",
		zap.String("side", string(l.side)),
		zap.String("qty", l.qty.String()),
		zap.String("expected_price", expected.String()),
	)

	for attempt := 1; attempt <= e.poll.MaxAttempts; attempt++ {
		if err := sleep(ctx, e.poll.Interval); err != nil {
			log.Warn("polling interrupted", zap.Error(err))
			break
		}
		st, err := c.client.GetOrderStatus(ctx, handle)
		if err != nil {
			log.Warn("order status poll failed", zap.Int("attempt", attempt), zap.Error(err))
			e.statusFailed(c.sig.UserID, err)
			continue
		}
		done, out, err := e.applyStatus(c, rec, st, l.entry, log)
		if err != nil || done {
			return out, err
		}
	}
	return OutcomePending, e.markPending(c, rec, log)
}

// applyStatus acts on one status snapshot and reports whether rec is now terminal.
func (e *Engine) applyStatus(c *cycle, rec *ledger.Record, st broker.OrderStatus, entry decimal.Decimal, log *zap.Logger) (bool, Outcome, error) {
	switch {
	case st.State == broker.StateFilled:
		return true, OutcomeSuccess, e.finalizeFilled(c, rec, st, entry, log)
	case st.State.Terminal():
		reason := st.Reason
		if reason == "" {
			reason = "order " + strings.ToLower(string(st.State))
		}
		log.Warn("order not filled", zap.String("state", string(st.State)), zap.String("reason", reason))
		return true, OutcomeFailed, e.finalizeFailed(c, rec, ledger.StatusRejected, reason)
	case st.State == broker.StatePartiallyFilled:
		if err := e.ledger.Progress(c.persist, rec.ID, st.FilledQty, st.FilledAvgPrice); err != nil {
			return false, "", err
		}
		rec.Status = ledger.StatusPartiallyFilled
		rec.FilledQty = decimal.NewNullDecimal(st.FilledQty)
		rec.FilledAvgPrice = decimal.NewNullDecimal(st.FilledAvgPrice)
	}
	return false, "", nil
}

func (e *Engine) finalizeFilled(c *cycle, rec *ledger.Record, st broker.OrderStatus, entryFallback decimal.Decimal, log *zap.Logger) error {
	now := e.now()
	side := broker.Side(rec.Side)
	t := ledger.Terminal{
		Status:         ledger.StatusFilled,
		FilledQty:      decimal.NewNullDecimal(st.FilledQty),
		FilledAvgPrice: decimal.NewNullDecimal(st.FilledAvgPrice),
		FinalizedAt:    now,
	}

	var toFill time.Duration
	if !rec.SubmittedAt.IsZero() {
		filledAt := st.FilledAt
		if filledAt.IsZero() {
			filledAt = now
		}
		ms := millisBetween(rec.SubmittedAt, filledAt)
		t.SubmitToFillMs = &ms
		toFill = time.Duration(ms) * time.Millisecond
	}
	slip := decimal.Zero
	if rec.ExpectedPrice.Valid {
		slip = slippage(st.FilledAvgPrice, rec.ExpectedPrice.Decimal)
		t.Slippage = decimal.NewNullDecimal(slip)
	}
	pnl := decimal.Zero
	if rec.Leg == ledger.LegClose {
		entry := e.entryPrice(c, rec.BotID, entryFallback)
		if entry.IsPositive() {
			pnl = realizedPnl(side, entry, st.FilledAvgPrice, st.FilledQty)
			t.RealizedPnl = decimal.NewNullDecimal(pnl)
		} else {
			log.Warn("no entry price for closing fill, realized pnl not recorded")
		}
	}

	if err := e.ledger.Finalize(c.persist, rec.ID, t); err != nil {
		return err
	}
	c.lastFinal = now

	if c.cfg != nil {
		newSide := sideAfter(rec.Leg, side)
		if err := e.casUpdate(c, func(v int64) (int64, error) {
			return e.bots.ApplyFill(c.persist, c.cfg.ID, v, newSide, pnl)
		}); err != nil {
			return err
		}
		c.cfg.Side = newSide
	}

	var toSubmit time.Duration
	if rec.SignalToSubmitMs != nil {
		toSubmit = time.Duration(*rec.SignalToSubmitMs) * time.Millisecond
	}
	if rec.ExpectedPrice.Valid {
		e.metrics.Fill(adverseBps(side, slip, rec.ExpectedPrice.Decimal), toSubmit, toFill)
	}
	e.publish(events.EventTradeFinalized, rec.UserID, events.TradeFinalized{
		TradeID: rec.ID, BotID: rec.BotID, Symbol: rec.Symbol, Timeframe: rec.Timeframe,
		Action: rec.Action, Leg: string(rec.Leg), Status: string(ledger.StatusFilled),
		BrokerOrderID: rec.BrokerOrderID, FilledQty: st.FilledQty, FilledAvgPrice: st.FilledAvgPrice,
		Slippage: slip, RealizedPnl: pnl,
	})

	qty, price := st.FilledQty, st.FilledAvgPrice
	c.res.Status, c.res.Reason = OutcomeSuccess, ""
	c.res.OrderID, c.res.FilledQty, c.res.FilledAvgPrice = rec.BrokerOrderID, &qty, &price
	log.Info("order filled",
		zap.String("filled_qty", qty.String()),
		zap.String("filled_avg_price", price.String()),
		zap.String("slippage", slip.String()),
		zap.String("realized_pnl", pnl.String()),
	)
	return nil
}

// entryPrice prefers the bot's last filled opening record over the broker's average.
func (e *Engine) entryPrice(c *cycle, botID string, fallback decimal.Decimal) decimal.Decimal {
	last, err := e.ledger.LastEntry(c.persist, botID)
	if err == nil && last.FilledAvgPrice.Valid && last.FilledAvgPrice.Decimal.IsPositive() {
		return last.FilledAvgPrice.Decimal
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		c.log.Warn("read last entry", zap.Error(err))
	}
	return fallback
}

func (e *Engine) finalizeFailed(c *cycle, rec *ledger.Record, status ledger.Status, detail string) error {
	now := e.now()
	if err := e.ledger.Finalize(c.persist, rec.ID, ledger.Terminal{
		Status: status, ErrorDetail: detail, FinalizedAt: now,
	}); err != nil {
		return err
	}
	c.lastFinal = now
	if c.cfg != nil {
		botStatus := bot.OrderFailed
		if status == ledger.StatusRejected {
			botStatus = bot.OrderRejected
		}
		if err := e.bots.SetStatus(c.persist, c.cfg.ID, botStatus); err != nil {
			return err
		}
	}
	e.publish(events.EventTradeFinalized, rec.UserID, events.TradeFinalized{
		TradeID: rec.ID, BotID: rec.BotID, Symbol: rec.Symbol, Timeframe: rec.Timeframe,
		Action: rec.Action, Leg: string(rec.Leg), Status: string(status),
		BrokerOrderID: rec.BrokerOrderID, ErrorDetail: detail,
	})
	c.res.Status, c.res.Reason = OutcomeFailed, detail
	return nil
}

func (e *Engine) markPending(c *cycle, rec *ledger.Record, log *zap.Logger) error {
	if err := e.bots.SetStatus(c.persist, c.cfg.ID, bot.OrderPending); err != nil {
		return err
	}
	e.publish(events.EventTradePending, rec.UserID, events.TradePending{
		TradeID: rec.ID, BotID: rec.BotID, Symbol: rec.Symbol, Timeframe: rec.Timeframe,
		BrokerOrderID: rec.BrokerOrderID,
	})
	log.Warn("order not final after polling, left pending", zap.Int("attempts", e.poll.MaxAttempts))
	c.res.Status, c.res.Reason = OutcomePending, ""
	return nil
}

// skip writes a no-op record.
func (e *Engine) skip(c *cycle, status ledger.Status) error {
	rec := &ledger.Record{
		BotID:     c.cfg.ID,
		UserID:    c.sig.UserID,
		Symbol:    c.sig.Symbol,
		Timeframe: c.sig.Timeframe,
		Action:    c.sig.Action.String(),
		Leg:       ledger.LegNone,
		Status:    status,
		SignalAt:  c.sig.ReceivedAt,
	}
	if err := e.ledger.Append(c.persist, rec); err != nil {
		return err
	}
	if status != ledger.StatusInactive {
		if err := e.bots.SetStatus(c.persist, c.cfg.ID, bot.OrderSkipped); err != nil {
			return err
		}
	}
	c.res.TradeIDs = append(c.res.TradeIDs, rec.ID)
	c.res.Status, c.res.Reason = OutcomeSkipped, string(status)
	e.publish(events.EventSignalSkipped, c.sig.UserID, events.SignalSkipped{
		BotID: c.cfg.ID, Symbol: c.sig.Symbol, Timeframe: c.sig.Timeframe, Action: c.res.Action, Reason: string(status),
	})
	c.log.Info("signal skipped", zap.String("reason", string(status)))
	return nil
}

// failPreTrade records a broker failure that happened before any order was
// placed: a FAILED record plus a CONNECTION_ERROR risk event.
func (e *Engine) failPreTrade(c *cycle, op string, cause error) error {
	c.log.Error("broker unavailable before submission", zap.String("op", op), zap.Error(cause))
	e.metrics.BrokerError(op)
	if broker.IsBrokerError(cause) {
		e.brokers.RecordFailure(c.sig.UserID)
	}
	detail := op + ": " + cause.Error()
	rec := &ledger.Record{
		BotID:       c.cfg.ID,
		UserID:      c.sig.UserID,
		Symbol:      c.sig.Symbol,
		Timeframe:   c.sig.Timeframe,
		Action:      c.sig.Action.String(),
		Leg:         ledger.LegNone,
		Status:      ledger.StatusFailed,
		ErrorDetail: detail,
		SignalAt:    c.sig.ReceivedAt,
	}
	if err := e.ledger.Append(c.persist, rec); err != nil {
		return err
	}
	c.res.TradeIDs = append(c.res.TradeIDs, rec.ID)
	if err := e.recordRiskEvent(c, &ledger.RiskEvent{
		BotID:  c.cfg.ID,
		UserID: c.sig.UserID,
		Type:   ledger.EventConnectionError,
		Action: ledger.ActionOrderRejected,
		Detail: detail,
	}); err != nil {
		return err
	}
	if err := e.bots.SetStatus(c.persist, c.cfg.ID, bot.OrderFailed); err != nil {
		return err
	}
	e.publish(events.EventTradeFinalized, c.sig.UserID, events.TradeFinalized{
		TradeID: rec.ID, BotID: rec.BotID, Symbol: rec.Symbol, Timeframe: rec.Timeframe,
		Action: rec.Action, Leg: string(rec.Leg), Status: string(rec.Status), ErrorDetail: detail,
	})
	c.res.Status, c.res.Reason = OutcomeFailed, detail
	return nil
}

// statusFailed counts a failed order lookup. A definitive "no such order" is
// an answer, not an unhealthy broker.
func (e *Engine) statusFailed(userID string, err error) {
	e.metrics.BrokerError("get_order")
	if !broker.IsOrderNotFound(err) {
		e.brokers.RecordFailure(userID)
	}
}

func (e *Engine) recordRiskEvent(c *cycle, ev *ledger.RiskEvent) error {
	if err := e.ledger.AppendRiskEvent(c.persist, ev); err != nil {
		return err
	}
	e.metrics.RiskEvent(string(ev.Type))
	e.publish(events.EventRiskEvent, ev.UserID, events.RiskTriggered{
		BotID: ev.BotID, Symbol: c.sig.Symbol, Timeframe: c.sig.Timeframe, Type: string(ev.Type),
		Threshold: ev.Threshold, Observed: ev.Observed, Action: string(ev.Action), Detail: ev.Detail,
	})
	return nil
}

// casUpdate runs a versioned bot update, reloading and retrying once on conflict.
func (e *Engine) casUpdate(c *cycle, update func(version int64) (int64, error)) error {
	v, err := update(c.cfg.Version)
	if errors.Is(err, bot.ErrConflict) {
		fresh, gerr := e.bots.GetByID(c.persist, c.cfg.UserID, c.cfg.ID)
		if gerr != nil {
			return gerr
		}
		c.cfg = fresh
		v, err = update(fresh.Version)
	}
	if err != nil {
		return err
	}
	c.cfg.Version = v
	return nil
}

// waitPast blocks until the clock's millisecond is after t, so a following
// submission is strictly later than t at storage resolution.
func (e *Engine) waitPast(t time.Time) {
	if t.IsZero() {
		return
	}
	for i := 0; i < 10 && e.now().UnixMilli() <= t.UnixMilli(); i++ {
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) publish(topic events.Event, userID string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, userID, payload)
	}
}

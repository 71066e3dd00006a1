// Package monitor turns execution events into operator alerts and exposes
// process metrics.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/notify"
)

const alertTimeout = 30 * time.Second

// Monitor watches the bus and forwards alert-worthy events to a notifier.
type Monitor struct {
	bus      *events.Bus
	notifier notify.Notifier
	metrics  *Metrics
	logger   *zap.Logger
}

func New(bus *events.Bus, notifier notify.Notifier, metrics *Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{bus: bus, notifier: notifier, metrics: metrics, logger: logger}
}

// Start subscribes and processes events until ctx is cancelled. The returned
// channel is closed once the consumer goroutine has exited.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	stream, unsub := m.bus.Subscribe(64,
		events.EventRiskEvent,
		events.EventTradeFinalized,
		events.EventTradePending,
		events.EventPositionMismatch,
	)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(ctx, env)
			}
		}
	}()
	return done
}

func (m *Monitor) handle(ctx context.Context, env events.Envelope) {
	if env.Topic == events.EventPositionMismatch {
		m.metrics.PositionMismatch()
	}
	msg, ok := formatAlert(env)
	if !ok {
		return
	}
	actx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := m.notifier.Notify(actx, msg); err != nil {
		m.logger.Error("alert delivery failed",
			zap.String("topic", string(env.Topic)),
			zap.Error(err),
		)
	}
}

// formatAlert renders env as a Markdown message. Fills are not alerts.
func formatAlert(env events.Envelope) (string, bool) {
	ts := env.At.UTC().Format(time.RFC3339)
	switch p := env.Payload.(type) {
	case events.RiskTriggered:
		msg := fmt.Sprintf("*Risk* `%s` on %s %s\nobserved %s vs limit %s, action %s",
			p.Type, p.Symbol, p.Timeframe, p.Observed.String(), p.Threshold.String(), p.Action)
		if p.Detail != "" {
			msg += "\n" + p.Detail
		}
		return msg + "\n" + ts, true
	case events.TradeFinalized:
		if p.Status == "FILLED" {
			return "", false
		}
		return fmt.Sprintf("*Order %s* %s %s %s (%s leg)\n%s\n%s",
			p.Status, p.Action, p.Symbol, p.Timeframe, p.Leg, p.ErrorDetail, ts), true
	case events.TradePending:
		return fmt.Sprintf("*Order pending* %s %s broker order `%s` not final after polling\n%s",
			p.Symbol, p.Timeframe, p.BrokerOrderID, ts), true
	case events.PositionMismatch:
		return fmt.Sprintf("*Position mismatch* %s %s local %s, broker %s (qty %s)\n%s",
			p.Symbol, p.Timeframe, p.LocalSide, p.BrokerSide, p.BrokerQty.String(), ts), true
	default:
		return "", false
	}
}

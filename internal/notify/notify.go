// Package notify delivers operator alerts.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// Notifier sends one alert message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes alerts to the log; used when Telegram is not configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string) error {
	n.Logger.Warn("alert", zap.String("message", message))
	return nil
}

// sender is the part of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram sends alerts to a single chat, retrying transient failures with
// exponential backoff.
type Telegram struct {
	bot         sender
	chat        tele.Recipient
	maxAttempts int
	backoff     backoff.Backoff
	logger      *zap.Logger
}

// NewTelegram connects to the Bot API and returns a notifier for chatID.
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(b, chatID, logger), nil
}

func newTelegram(bot sender, chatID int64, logger *zap.Logger) *Telegram {
	return &Telegram{
		bot:         bot,
		chat:        &tele.Chat{ID: chatID},
		maxAttempts: 4,
		backoff:     backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true},
		logger:      logger,
	}
}

// Notify sends message, giving up after maxAttempts or when ctx ends.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	b := t.backoff // per-call copy so concurrent alerts do not share attempt counts
	var err error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if _, err = t.bot.Send(t.chat, message, tele.ModeMarkdown); err == nil {
			return nil
		}
		if attempt == t.maxAttempts {
			break
		}
		wait := b.Duration()
		t.logger.Warn("telegram send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}

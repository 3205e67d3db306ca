package notify

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram sends alerts to one chat (optionally a forum topic). The bot is
// send-only: no poller is started.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, a Alert) error {
	text := "<b>" + html.EscapeString(a.Title) + "</b>"
	if a.Text != "" {
		text += "\n" + html.EscapeString(a.Text)
	}
	// telebot has no context-aware send; honour cancellation before the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}

type SentryConfig struct {
	DSN         string
	Environment string
	SampleRate  float64
}

// Sentry captures alerts as Sentry messages. InitSentry must run first.
type Sentry struct{}

// InitSentry initialises the global Sentry client. It returns a flush func
// for shutdown.
func InitSentry(cfg SentryConfig) (func(), error) {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func (Sentry) Name() string { return "sentry" }

func (Sentry) Deliver(_ context.Context, a Alert) error {
	level := sentry.LevelWarning
	if a.Kind == KindFailure {
		level = sentry.LevelError
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("alert_kind", string(a.Kind))
		for k, v := range a.Tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(a.String())
	})
	return nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyd/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// URL overrides the Bot API endpoint.
	URL string
	// Poll enables the long poller that answers /start with the chat id.
	Poll        bool
	PollTimeout time.Duration
	// Offline skips the getMe call at construction.
	Offline bool
}

// chatRecipient is a chat id or @username as telebot expects it.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// Telegram sends messages through the Bot API.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	t := &Telegram{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	b.Handle("/start", t.onStart)
	return t, nil
}

// Send delivers text to chat, split into several messages when it exceeds
// MaxMessageLen.
func (t *Telegram) Send(ctx context.Context, chat, text string) error {
	if chat == "" {
		return errors.New("telegram: empty chat id")
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdownV2}
	for _, part := range splitText(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chatRecipient(chat), part, opts); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) onStart(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	t.log.Info("chat linked", logx.Int64("chat", chat.ID))
	return c.Send(fmt.Sprintf("Your chat id is %d", chat.ID))
}

// Start runs the long poller when enabled. It returns immediately.
func (t *Telegram) Start(ctx context.Context) error {
	if !t.cfg.Poll {
		return nil
	}
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	rctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		<-rctx.Done()
		t.bot.Stop()
	}()
	go func() {
		defer close(t.done)
		t.log.Info("polling started")
		t.bot.Start()
	}()
	return nil
}

// Stop ends polling. It never blocks shutdown longer than a short grace
// window even if getUpdates is still waiting.
func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	cancel, done, was := t.cancel, t.done, t.running
	t.running, t.cancel = false, nil
	t.runMu.Unlock()
	if !was {
		return nil
	}
	cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		t.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		t.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postwatch/internal/store"
	logx "postwatch/pkg/logx"
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	RatePerSec int // default 1; Telegram throttles chat messages hard
}

// Telegram sends result and progress messages to one chat.
//
// Messages pass through a buffered queue drained by a single worker with a
// token-bucket limiter; when the queue is full the message is dropped (the
// log sink still records the event).
type Telegram struct {
	bot     *tele.Bot
	chat    tele.Recipient
	limiter *rate.Limiter
	log     logx.Logger

	queue    chan string
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
		Poller:  nil, // send-only
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	t := &Telegram{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
		queue:   make(chan string, 256),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.worker()
	return t, nil
}

func (t *Telegram) worker() {
	defer close(t.done)
	ctx := context.Background()
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-t.queue:
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := t.bot.Send(t.chat, msg, tele.NoPreview); err != nil {
				t.log.Warn("telegram send failed", logx.Err(err))
			}
		}
	}
}

// Stop drains nothing; queued messages not yet sent are dropped.
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}
}

func (t *Telegram) enqueue(msg string) {
	select {
	case t.queue <- msg:
	default:
		t.log.Debug("telegram queue full; message dropped")
	}
}

func (t *Telegram) OnJobCompleted(_ context.Context, job store.Job, outcome store.Outcome) {
	msg := fmt.Sprintf("✅ %s\nLikes: %d\nComments: %d\nReposts: %d",
		job.Ref.Link, len(outcome.Likes), len(outcome.Comments), len(outcome.Reposts))
	if outcome.Partial() {
		msg += "\n⚠️ Incomplete:"
		for subset, reason := range outcome.Failed {
			msg += fmt.Sprintf(" %s (%s)", subset, reason)
		}
	}
	t.enqueue(msg)
}

func (t *Telegram) OnJobFailed(_ context.Context, job store.Job, reason string) {
	t.enqueue(fmt.Sprintf("❌ %s\n%s", job.Ref.Link, reason))
}

func (t *Telegram) OnProgress(_ context.Context, batchID int64, done, total int) {
	// Only milestone updates; per-job messages would flood the chat.
	if total == 0 || (done != total && done%10 != 0) {
		return
	}
	t.enqueue(fmt.Sprintf("📊 Batch %d: %d/%d done", batchID, done, total))
}

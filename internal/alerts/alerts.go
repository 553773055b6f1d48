// Package alerts delivers operator alerts to a Telegram chat.
//
// It implements logx.AlertSender, so the log service can fan qualifying
// log lines out to the configured ops chat. The sender is send-only: no
// poller, no handlers, just bot.Send with a fixed target.
package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pigeon/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

type Sender struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) *Sender {
	return &Sender{cfg: cfg, log: log}
}

// Start creates the underlying bot. A failure here (bad token, network
// down) disables the sink but never fails daemon startup.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bot != nil {
		return nil
	}
	if strings.TrimSpace(s.cfg.Token) == "" || s.cfg.ChatID == 0 {
		return errors.New("alerts: token or chat_id not configured")
	}

	b, err := tele.NewBot(tele.Settings{Token: s.cfg.Token})
	if err != nil {
		s.log.Warn("alert sender unavailable", logx.Err(err))
		return err
	}
	s.bot = b
	s.log.Info("alert sender ready", logx.Int64("chat_id", s.cfg.ChatID))
	return nil
}

// Apply swaps the alert target. A token change drops the live bot; the
// next Start rebuilds it against the new credentials.
func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	if cfg.Token != s.cfg.Token {
		s.bot = nil
	}
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.bot = nil
	s.mu.Unlock()
	return nil
}

// SendAlert implements logx.AlertSender.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	s.mu.Lock()
	bot := s.bot
	chatID := s.cfg.ChatID
	threadID := s.cfg.ThreadID
	s.mu.Unlock()

	if bot == nil {
		return errors.New("alerts: sender not started")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// Telegram rejects messages above 4096 chars; logx already truncates,
	// this is a backstop for raw callers.
	if len(text) > 4000 {
		text = text[:4000]
	}

	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		})
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("alerts: send timed out")
	}
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tradebot/internal/util"
)

// maxMessageLen stays under Telegram's 4096 character limit.
const maxMessageLen = 4000

// Bot long-polls Telegram and answers through a Console.
type Bot struct {
	api     *bot.Bot
	console *Console
	log     *slog.Logger
}

// NewBot connects to the bot API with token.
func NewBot(token string, console *Console, logger *slog.Logger) (*Bot, error) {
	tb := &Bot{console: console, log: util.Component(logger, "telegram-bot")}
	api, err := bot.New(token, bot.WithDefaultHandler(tb.handle))
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	tb.api = api
	return tb, nil
}

// Run polls for updates until ctx is cancelled.
func (t *Bot) Run(ctx context.Context) error {
	t.log.Info("telegram console started", "chats", len(t.console.ChatIDs()))
	t.api.Start(ctx)
	return nil
}

func (t *Bot) handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID
	reply := t.console.Handle(ctx, chatID, update.Message.Text)
	if reply == "" {
		return
	}
	if err := t.Send(ctx, chatID, reply); err != nil {
		t.log.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// Send delivers text to one chat, split into several messages when long.
func (t *Bot) Send(ctx context.Context, chatID int64, text string) error {
	for _, part := range split(text, maxMessageLen) {
		if _, err := t.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: part}); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends text to every allowed chat.
func (t *Bot) Broadcast(ctx context.Context, text string) error {
	var errs []error
	for _, id := range t.console.ChatIDs() {
		if err := t.Send(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// split cuts text into chunks of at most limit bytes, preferring line
// boundaries and never cutting inside a UTF-8 sequence.
func split(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(text)
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

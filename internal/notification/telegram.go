package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// sender is the part of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// CommandFunc answers a chat command with plain text.
type CommandFunc func() string

// TelegramNotifier sends notifications to one chat and answers a few
// read-only commands from that chat.
type TelegramNotifier struct {
	api    sender
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *logging.Logger

	mu       sync.RWMutex
	commands map[string]CommandFunc
}

// NewTelegramNotifier connects to the Bot API.
func NewTelegramNotifier(token string, chatID int64, logger *logging.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	t := newTelegramNotifier(api, chatID, logger)
	t.bot = api
	t.logger.Info("telegram bot connected", "username", api.Self.UserName)
	return t, nil
}

func newTelegramNotifier(api sender, chatID int64, logger *logging.Logger) *TelegramNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TelegramNotifier{
		api:      api,
		chatID:   chatID,
		logger:   logger.WithComponent("telegram"),
		commands: make(map[string]CommandFunc),
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.chatID != 0
}

func (t *TelegramNotifier) Send(n *Notification) error {
	text := "*" + escapeMarkdown(n.Title) + "*"
	if n.Message != "" {
		text += "\n\n" + escapeMarkdown(n.Message)
	}
	return t.sendMarkdown(t.chatID, text)
}

func (t *TelegramNotifier) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// Handle registers a reply for /command.
func (t *TelegramNotifier) Handle(command string, fn CommandFunc) {
	t.mu.Lock()
	t.commands[command] = fn
	t.mu.Unlock()
}

// Listen answers commands until ctx is done. It needs a live bot created by
// NewTelegramNotifier.
func (t *TelegramNotifier) Listen(ctx context.Context) error {
	if t.bot == nil {
		return nil
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				t.handleMessage(update.Message)
			}
		}
	}
}

func (t *TelegramNotifier) handleMessage(msg *tgbotapi.Message) {
	// commands from other chats are ignored
	if msg.Chat == nil || msg.Chat.ID != t.chatID || !msg.IsCommand() {
		return
	}
	t.logger.Debug("command received", "command", msg.Command())

	t.mu.RLock()
	fn, ok := t.commands[msg.Command()]
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, "/"+name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	reply := "❓ Unknown command. Try " + strings.Join(names, ", ")
	if ok {
		reply = fn()
	}
	if err := t.sendMarkdown(msg.Chat.ID, escapeMarkdown(reply)); err != nil {
		t.logger.Warn("command reply failed", "error", err)
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

// Chat platform adapters: message intake and moderation side effects.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

const TelegramName = "telegram"

// TelegramBot is the subset of the bot API in use, so it can be mocked.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// Handlers receive inbound traffic from Run.
type Handlers struct {
	Message func(ctx context.Context, msg engine.Message)
	// on-demand /report command; the returned text is posted back to the chat
	Report func(ctx context.Context, channelID string) string
}

type Telegram struct {
	bot     TelegramBot
	Logger  *slog.Logger
	limiter *rate.Limiter
}

var _ engine.Platform = (*Telegram)(nil)

func NewTelegram(token string, client *http.Client, logger *slog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramWithBot(&tgBotWrapper{bot: bot}, logger), nil
}

// NewTelegramWithBot wraps an existing bot (eg, a mock in tests).
func NewTelegramWithBot(bot TelegramBot, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		bot:    bot,
		Logger: logger.With("platform", TelegramName),
		// telegram allows roughly 30 outbound messages per second per bot
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

// Run polls for updates until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context, h Handlers) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	t.Logger.Info("telegram polling started", "bot", t.bot.GetSelf().UserName)
	for {
		select {
		case <-ctx.Done():
			t.Logger.Info("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			t.handleUpdate(ctx, update, h)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update, h Handlers) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() && msg.Command() == "report" {
		if h.Report == nil {
			return
		}
		reply := h.Report(ctx, chatID)
		if reply != "" {
			if err := t.PostChannelNotice(ctx, chatID, reply); err != nil {
				t.Logger.Warn("failed to answer report command", "channel", chatID, "err", err)
			}
		}
		return
	}

	m, ok := ToMessage(msg)
	if !ok || h.Message == nil {
		return
	}
	h.Message(ctx, m)
}

// ToMessage converts an inbound telegram message. Messages without text or
// caption are not moderated.
func ToMessage(msg *tgbotapi.Message) (engine.Message, bool) {
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return engine.Message{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return engine.Message{}, false
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	mention := msg.From.FirstName
	if msg.From.UserName != "" {
		mention = "@" + msg.From.UserName
	}
	return engine.Message{
		Platform:    TelegramName,
		ChannelID:   strconv.FormatInt(msg.Chat.ID, 10),
		UserID:      userID,
		UserRef:     userID,
		UserMention: mention,
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        text,
		CreatedAt:   time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
	}
	return id, nil
}

func isForbidden(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == http.StatusForbidden
}

// RedactMessage deletes the message. If the bot lacks permission to delete,
// the message is edited to the replacement text instead.
func (t *Telegram) RedactMessage(ctx context.Context, ref engine.MessageRef, replacement string) error {
	chatID, err := parseChatID(ref.ChannelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", ref.MessageID, err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, delErr := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
	if delErr == nil {
		t.Logger.Info("deleted message", "channel", ref.ChannelID, "message", ref.MessageID)
		return nil
	}
	t.Logger.Debug("delete failed, falling back to edit", "channel", ref.ChannelID, "message", ref.MessageID, "err", delErr)
	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, replacement)); err != nil {
		return fmt.Errorf("redacting message (delete: %v): %w", delErr, err)
	}
	t.Logger.Info("edited message to placeholder", "channel", ref.ChannelID, "message", ref.MessageID)
	return nil
}

// SendDM returns engine.ErrDMBlocked if the user has not started a
// conversation with the bot, or has blocked it.
func (t *Telegram) SendDM(ctx context.Context, userRef, text string) error {
	chatID, err := parseChatID(userRef)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		if isForbidden(err) {
			return engine.ErrDMBlocked
		}
		return fmt.Errorf("send telegram dm: %w", err)
	}
	return nil
}

func (t *Telegram) PostChannelNotice(ctx context.Context, channelID, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send telegram notice: %w", err)
	}
	return nil
}

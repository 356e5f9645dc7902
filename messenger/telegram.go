package messenger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/likesync/likesync/logging"
)

// Telegram implements Messenger on the Bot API. Every outbound request waits
// on a shared limiter so bulk syncs stay under the platform's flood limits.
type Telegram struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewTelegram wraps an authorized bot. requestsPerSecond caps outbound calls.
func NewTelegram(api *tgbotapi.BotAPI, requestsPerSecond float64) *Telegram {
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logging.Component("telegram"),
	}
}

// API exposes the underlying client for the update loop.
func (t *Telegram) API() *tgbotapi.BotAPI {
	return t.api
}

// Send issues any Chattable that answers with a message, classifying errors.
func (t *Telegram) Send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	msg, err := t.api.Send(c)
	if err != nil {
		return tgbotapi.Message{}, classify(err)
	}
	return msg, nil
}

// Request issues a Chattable whose result is not a message (callbacks,
// deletes, pins).
func (t *Telegram) Request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.api.Request(c); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	msg, err := t.Send(ctx, tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// ReplyText sends text as a reply to replyTo.
func (t *Telegram) ReplyText(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	sent, err := t.Send(ctx, msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := t.Send(ctx, tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (t *Telegram) SendAudio(ctx context.Context, chatID int64, audio Audio) (int, error) {
	f, err := os.Open(audio.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	name := audio.FileName
	if name == "" {
		name = f.Name()
	}

	cfg := tgbotapi.NewAudio(chatID, tgbotapi.FileReader{Name: name, Reader: f})
	cfg.Title = audio.Title
	cfg.Performer = audio.Performer
	cfg.ReplyToMessageID = audio.ReplyTo
	if len(audio.Thumbnail) > 0 {
		cfg.Thumb = tgbotapi.FileBytes{Name: "cover.jpg", Bytes: audio.Thumbnail}
	}

	msg, err := t.Send(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	return t.Request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID))
}

func (t *Telegram) Pin(ctx context.Context, chatID int64, messageID int) error {
	return t.Request(ctx, tgbotapi.PinChatMessageConfig{
		ChatID:              chatID,
		MessageID:           messageID,
		DisableNotification: true,
	})
}

var (
	notModifiedPatterns = []string{"message is not modified"}
	notFoundPatterns    = []string{
		"message to edit not found",
		"message to delete not found",
		"message to pin not found",
		"message can't be edited",
		"message_id_invalid",
	}
	unreachablePatterns = []string{
		"bot was blocked by the user",
		"user is deactivated",
		"chat not found",
		"bot was kicked",
	}
	permissionPatterns = []string{
		"not enough rights",
		"chat_admin_required",
	}
)

// classify maps Bot API failures onto the package error classes. Errors that
// match no class are returned unchanged.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	if apiErr.Code == 429 || apiErr.RetryAfter > 0 {
		return &RateLimitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	}

	desc := strings.ToLower(apiErr.Message)
	switch {
	case containsAny(desc, notModifiedPatterns):
		return fmt.Errorf("%w: %s", ErrNotModified, apiErr.Message)
	case containsAny(desc, notFoundPatterns):
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case containsAny(desc, unreachablePatterns):
		return fmt.Errorf("%w: %s", ErrUnreachable, apiErr.Message)
	case containsAny(desc, permissionPatterns):
		return fmt.Errorf("%w: %s", ErrPermission, apiErr.Message)
	}
	return err
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

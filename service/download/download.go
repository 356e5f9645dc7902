// Package download handles a single track link sent to the bot.
package download

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"runtime/debug"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/service/pipeline"
)

const (
	textProcessingError = "🚫 Processing error (%s...): %s"
	textTelegramError   = "🚫 Telegram error (%s...): %s"
	textUnexpectedError = "🚫 Unexpected error (%s...). Details are in the error log."

	shortNameRunes = 20
	detailRunes    = 100
)

var linkRe = regexp2.MustCompile(`https?://soundcloud\.com/\S+`, regexp2.None)

// ExtractLink returns the first track link in text.
func ExtractLink(text string) (string, bool) {
	m, err := linkRe.FindStringMatch(text)
	if err != nil || m == nil {
		return "", false
	}
	return m.String(), true
}

type Store interface {
	EnsureUser(userID int64) error
}

type Chat interface {
	ReplyText(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Handler runs the pipeline for a link posted in a chat.
type Handler struct {
	store     Store
	chat      Chat
	processor Processor
	logger    zerolog.Logger
}

func NewHandler(store Store, chat Chat, processor Processor) *Handler {
	return &Handler{
		store:     store,
		chat:      chat,
		processor: processor,
		logger:    logging.Component("download"),
	}
}

// Handle delivers the track at link as a reply to messageID. A progress
// message is posted first; it is removed on success and turned into the
// error text on failure.
func (h *Handler) Handle(ctx context.Context, userID, chatID int64, messageID int, link string) (res pipeline.Result) {
	logger := h.logger.With().Int64("user_id", userID).Str("url", link).Logger()

	if err := h.store.EnsureUser(userID); err != nil {
		logger.Error().Err(err).Msg("failed to ensure user")
	}

	progressID, err := h.chat.ReplyText(ctx, chatID, messageID, pipeline.ProgressBar(0, pipeline.StageStarting))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to post progress message")
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("direct download panicked")
			fail := &pipeline.Failure{Kind: pipeline.KindUnexpected, Detail: fmt.Sprint(r)}
			h.reportFailure(ctx, logger, chatID, progressID, link, fail)
			res = pipeline.Result{Err: fail}
		}
	}()

	req := pipeline.Request{
		URL:     link,
		UserID:  userID,
		ChatID:  chatID,
		ReplyTo: messageID,
	}
	if progressID != 0 {
		req.Progress = pipeline.NewMessageSink(h.chat, chatID, progressID, "")
	}

	res = h.processor.Process(ctx, req)
	if !res.OK() {
		h.reportFailure(ctx, logger, chatID, progressID, link, res.Err)
		return res
	}

	if progressID != 0 {
		if err := h.chat.Delete(ctx, chatID, progressID); err != nil {
			logger.Warn().Err(err).Int("message_id", progressID).Msg("failed to delete progress message")
		}
	}
	return res
}

func (h *Handler) reportFailure(ctx context.Context, logger zerolog.Logger, chatID int64, progressID int, link string, fail *pipeline.Failure) {
	if progressID == 0 {
		return
	}
	if err := h.chat.EditText(ctx, chatID, progressID, FailureText(link, fail)); err != nil {
		logger.Warn().Err(err).Msg("failed to show download error")
	}
}

// FailureText renders the user-facing text for a failed direct download.
func FailureText(link string, fail *pipeline.Failure) string {
	name := truncate(shortName(link), shortNameRunes)

	switch {
	case fail == nil || fail.Kind == pipeline.KindUnexpected:
		return fmt.Sprintf(textUnexpectedError, name)
	case fail.Kind == pipeline.KindDeliverRateLimited || fail.Kind == pipeline.KindDeliverOther:
		return fmt.Sprintf(textTelegramError, name, truncate(fail.Detail, detailRunes))
	default:
		return fmt.Sprintf(textProcessingError, name, truncate(fail.Detail, detailRunes))
	}
}

// shortName is the last path segment of the link.
func shortName(link string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		if base := path.Base(strings.TrimRight(u.Path, "/")); base != "." && base != "/" {
			return base
		}
	}
	return link
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

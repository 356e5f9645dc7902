// Package messenger defines what the sync engine needs from a messaging
// platform and the error classes it reacts to.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the message to edit, delete or pin no longer exists.
	ErrNotFound = errors.New("message not found")
	// ErrNotModified means an edit carried the text the message already has.
	ErrNotModified = errors.New("message not modified")
	// ErrUnreachable means the user blocked the bot, was deactivated or the
	// chat is gone.
	ErrUnreachable = errors.New("user unreachable")
	// ErrPermission means the bot lacks the rights for the operation.
	ErrPermission = errors.New("insufficient permissions")
)

// RateLimitError is returned when the platform asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter reports the advised wait when err is a rate-limit signal.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Audio is one playable attachment.
type Audio struct {
	Path      string
	FileName  string
	Title     string
	Performer string
	Thumbnail []byte
	// ReplyTo is the message the audio answers, zero for none.
	ReplyTo int
}

// Messenger is the subset of the messaging platform the core depends on.
// Implementations translate platform failures into the errors above.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendAudio(ctx context.Context, chatID int64, audio Audio) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	Pin(ctx context.Context, chatID int64, messageID int) error
}

// Package status keeps one pinned, up-to-date status message per user.
package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/metrics"
	"github.com/likesync/likesync/models"
)

const (
	rateLimitAttempts = 3
	rateLimitBuffer   = time.Second
)

type Store interface {
	GetUserByID(userID int64) (*models.User, error)
	SetStatusMessage(userID int64, messageID int) error
	ClearStatusMessage(userID int64) error
	ListUsersWithStatusMessage() ([]*models.User, error)
}

type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	Pin(ctx context.Context, chatID int64, messageID int) error
}

// LockInspector reports whether a sync currently holds the user's lock.
type LockInspector interface {
	IsRunning(userID int64) bool
}

type Publisher struct {
	store   Store
	msgr    Messenger
	locks   LockInspector
	metrics metrics.Recorder
	logger  zerolog.Logger

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
	// pinned remembers what this process already pinned so repeated
	// publishes do not re-pin
	pinned map[int64]int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPublisher(store Store, msgr Messenger, locks LockInspector, rec metrics.Recorder) *Publisher {
	return &Publisher{
		store:     store,
		msgr:      msgr,
		locks:     locks,
		metrics:   metrics.OrNop(rec),
		logger:    logging.Component("status"),
		userLocks: make(map[int64]*sync.Mutex),
		pinned:    make(map[int64]int),
		sleep:     sleepContext,
	}
}

// Publish makes text the content of the user's single status message, editing
// the known one or sending a replacement, and pins it. It returns the id of
// the live status message, zero if there is none. A non-nil error with a
// non-zero id means the existing message could not be updated this time.
func (p *Publisher) Publish(ctx context.Context, userID, chatID int64, text string) (int, error) {
	unlock := p.lockUser(userID)
	defer unlock()

	logger := p.logger.With().Int64("user_id", userID).Logger()

	user, err := p.store.GetUserByID(userID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load status reference")
		user = nil
	}

	if user != nil && user.StatusMessageID != nil {
		current := *user.StatusMessageID
		err := p.retryRateLimited(ctx, "edit", func() error {
			return p.msgr.EditText(ctx, chatID, current, text)
		})
		switch {
		case err == nil, errors.Is(err, messenger.ErrNotModified):
			return p.pin(ctx, logger, userID, chatID, current), nil
		case errors.Is(err, messenger.ErrNotFound):
			logger.Info().Int("message_id", current).Msg("status message is gone, recreating")
			p.forget(logger, userID)
		case errors.Is(err, messenger.ErrUnreachable):
			return 0, err
		default:
			logger.Warn().Err(err).Int("message_id", current).Msg("failed to edit status message")
			return current, err
		}
	}

	var sent int
	err = p.retryRateLimited(ctx, "send", func() error {
		var err error
		sent, err = p.msgr.SendText(ctx, chatID, text)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to send status message")
		return 0, err
	}

	if err := p.store.SetStatusMessage(userID, sent); err != nil {
		logger.Error().Err(err).Int("message_id", sent).Msg("failed to store status reference")
	}

	return p.pin(ctx, logger, userID, chatID, sent), nil
}

// pin is best-effort. It returns messageID, or zero when the message turned
// out to be gone.
func (p *Publisher) pin(ctx context.Context, logger zerolog.Logger, userID, chatID int64, messageID int) int {
	p.mu.Lock()
	done := p.pinned[userID] == messageID
	p.mu.Unlock()
	if done {
		return messageID
	}

	err := p.msgr.Pin(ctx, chatID, messageID)
	switch {
	case err == nil:
	case errors.Is(err, messenger.ErrPermission):
		logger.Debug().Err(err).Msg("not allowed to pin status message")
	case errors.Is(err, messenger.ErrNotFound):
		logger.Info().Int("message_id", messageID).Msg("status message vanished before pinning")
		p.forget(logger, userID)
		return 0
	default:
		logger.Warn().Err(err).Int("message_id", messageID).Msg("failed to pin status message")
		return messageID
	}

	p.mu.Lock()
	p.pinned[userID] = messageID
	p.mu.Unlock()
	return messageID
}

func (p *Publisher) forget(logger zerolog.Logger, userID int64) {
	if err := p.store.ClearStatusMessage(userID); err != nil {
		logger.Error().Err(err).Msg("failed to clear status reference")
	}
	p.mu.Lock()
	delete(p.pinned, userID)
	p.mu.Unlock()
}

// Forget drops the in-memory pin record, for users whose reference was
// cleared elsewhere.
func (p *Publisher) Forget(userID int64) {
	p.mu.Lock()
	delete(p.pinned, userID)
	p.mu.Unlock()
}

func (p *Publisher) retryRateLimited(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		wait, limited := messenger.RetryAfter(err)
		if !limited {
			return err
		}
		if attempt >= rateLimitAttempts {
			p.logger.Warn().Str("operation", op).Int("attempts", attempt).Msg("giving up after rate limiting")
			return err
		}
		p.metrics.RecordRateLimitRetry(op)
		if err := p.sleep(ctx, wait+rateLimitBuffer); err != nil {
			return err
		}
	}
}

func (p *Publisher) lockUser(userID int64) func() {
	p.mu.Lock()
	l, ok := p.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		p.userLocks[userID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ComputeStatusText derives the resting status from stored settings and the
// sync lock.
func (p *Publisher) ComputeStatusText(userID int64) string {
	if p.locks != nil && p.locks.IsRunning(userID) {
		return TextSyncInProgress
	}

	user, err := p.store.GetUserByID(userID)
	if err != nil {
		p.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load settings")
	}
	if user == nil {
		return TextSettingsUnavailable
	}

	switch {
	case !user.SyncEnabled:
		return TextSyncOff
	case !user.HasHandle():
		return TextNoHandle
	case user.LastSync == nil:
		return TextFirstSyncPending
	default:
		return textNextSync(user.NextSync())
	}
}

// Backfill re-publishes the computed status of every user that has a status
// message, so texts are current after a restart.
func (p *Publisher) Backfill(ctx context.Context) {
	users, err := p.store.ListUsersWithStatusMessage()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list users for status backfill")
		return
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.Publish(ctx, u.ID, u.ChatID(), p.ComputeStatusText(u.ID)); err != nil {
			p.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("status backfill failed")
		}
	}
	p.logger.Info().Int("users", len(users)).Msg("status backfill complete")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

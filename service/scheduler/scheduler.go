// Package scheduler periodically syncs every user that is due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/models"
	"github.com/likesync/likesync/service/syncer"
)

type Store interface {
	ListUsersDueForSync(now time.Time) ([]*models.User, error)
	DisableSync(userID int64) error
}

type SyncRunner interface {
	Run(ctx context.Context, userID, chatID int64, trigger syncer.Trigger) (syncer.Summary, error)
}

// StatusKeeper refreshes status messages on boot and forgets users that
// were disabled.
type StatusKeeper interface {
	Backfill(ctx context.Context)
	Forget(userID int64)
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	UserPacing   time.Duration
}

type Scheduler struct {
	store  Store
	runner SyncRunner
	status StatusKeeper
	cfg    Config
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(store Store, runner SyncRunner, status StatusKeeper, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}

	return &Scheduler{
		store:  store,
		runner: runner,
		status: status,
		cfg:    cfg,
		logger: logging.Component("scheduler"),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Serve refreshes status messages, waits the initial delay and then runs a
// cycle every interval until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("initial_delay", s.cfg.InitialDelay).
		Msg("starting sync scheduler")

	if s.status != nil {
		s.status.Backfill(ctx)
	}

	if err := s.sleep(ctx, s.cfg.InitialDelay); err != nil {
		return err
	}
	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stopping sync scheduler")
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sync cycle failed")
	}
}

// RunOnce syncs every due user in order, one at a time, pausing between
// users.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	users, err := s.store.ListUsersDueForSync(start.UTC())
	if err != nil {
		return fmt.Errorf("failed to list due users: %w", err)
	}
	if len(users) == 0 {
		s.logger.Debug().Msg("no users due for sync")
		return nil
	}

	s.logger.Info().Int("users", len(users)).Msg("starting sync cycle")

	for i, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.syncUser(ctx, user)

		if i < len(users)-1 {
			if err := s.sleep(ctx, s.cfg.UserPacing); err != nil {
				return err
			}
		}
	}

	s.logger.Info().
		Int("users", len(users)).
		Dur("duration", s.now().Sub(start)).
		Msg("sync cycle complete")
	return nil
}

// syncUser never panics; an unreachable user gets sync disabled.
func (s *Scheduler) syncUser(ctx context.Context, user *models.User) {
	logger := s.logger.With().Int64("user_id", user.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("sync panicked")
		}
	}()

	_, err := s.runner.Run(ctx, user.ID, user.ChatID(), syncer.TriggerScheduler)
	if err == nil {
		return
	}

	if errors.Is(err, messenger.ErrUnreachable) {
		logger.Warn().Err(err).Msg("user is unreachable, disabling sync")
		if err := s.store.DisableSync(user.ID); err != nil {
			logger.Error().Err(err).Msg("failed to disable sync")
		}
		if s.status != nil {
			s.status.Forget(user.ID)
		}
		return
	}

	logger.Error().Err(err).Msg("sync failed")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

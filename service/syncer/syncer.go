// Package syncer mirrors a user's liked tracks into their chat.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/metrics"
	"github.com/likesync/likesync/models"
	"github.com/likesync/likesync/service/pipeline"
	"github.com/likesync/likesync/service/status"
	"github.com/likesync/likesync/tools"
)

// DefaultItemPacing is the pause between two deliveries of one run.
const DefaultItemPacing = 3 * time.Second

// Trigger says who started a run. Scheduler runs stay silent on contention.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerScheduler
)

func (t Trigger) String() string {
	if t == TriggerScheduler {
		return "scheduler"
	}
	return "manual"
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeLockContended Outcome = "lock_contended"
	OutcomeDisqualified  Outcome = "disqualified"
	OutcomeListingFailed Outcome = "listing_failed"
	OutcomeNothingNew    Outcome = "nothing_new"
	OutcomeSummarized    Outcome = "summarized"
	OutcomeAborted       Outcome = "aborted"
)

const (
	textNotConfigured = "🚫 Sync is not set up or is off. Check your SoundCloud username and auto-sync in /menu."
	textListing       = "⏳ Fetching likes for '%s'..."
	textListingFailed = "🚫 Could not get the likes of '%s'. Details are in the error log (/menu)."
	textNoLikes       = "❌ No tracks found or the list is empty."
	textAllSynced     = "✅ Synced"
	textProgress      = "✅ Done %d/%d\n%s"
	textSummary       = "✅ Synced\n\nLiked: %d · New: %d · Sent: %d · Errors: %d"
	textUnexpected    = "🚫 Unexpected error during sync. Details are in the error log."
)

type Store interface {
	GetUserByID(userID int64) (*models.User, error)
	SetLastSync(userID int64, at time.Time) error
	IsTrackDownloaded(userID int64, trackIdentifier string) (bool, error)
	IsTrackFailed(userID int64, trackIdentifier string) (bool, error)
	AddDownloadedTrack(userID int64, trackIdentifier string, messageID *int) error
	AddUserError(userID int64, message string, context *string) error
}

type Publisher interface {
	Publish(ctx context.Context, userID, chatID int64, text string) (int, error)
}

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Result
}

type progressEditor interface {
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

// Summary describes one run.
type Summary struct {
	RunID   string
	Outcome Outcome
	Total   int
	New     int
	Sent    int
	Errors  int
}

type Deps struct {
	Store     Store
	Locks     *Locks
	Lister    tools.LikesLister
	Processor Processor
	Publisher Publisher
	Editor    progressEditor
	Metrics   metrics.Recorder
}

type Syncer struct {
	store     Store
	locks     *Locks
	lister    tools.LikesLister
	processor Processor
	publisher Publisher
	editor    progressEditor
	metrics   metrics.Recorder
	pacing    time.Duration
	logger    zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(deps Deps, itemPacing time.Duration) *Syncer {
	locks := deps.Locks
	if locks == nil {
		locks = NewLocks()
	}

	return &Syncer{
		store:     deps.Store,
		locks:     locks,
		lister:    deps.Lister,
		processor: deps.Processor,
		publisher: deps.Publisher,
		editor:    deps.Editor,
		metrics:   metrics.OrNop(deps.Metrics),
		pacing:    itemPacing,
		logger:    logging.Component("syncer"),
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// Locks exposes the registry so the status text can report running syncs.
func (s *Syncer) Locks() *Locks {
	return s.locks
}

// Run syncs one user. It returns an error only when the user can no longer
// be reached; every other failure is reported to the user and in the
// Summary.
func (s *Syncer) Run(ctx context.Context, userID, chatID int64, trigger Trigger) (Summary, error) {
	unlock, ok := s.locks.TryLock(userID)
	if !ok {
		s.logger.Info().Int64("user_id", userID).Stringer("trigger", trigger).Msg("sync already running")
		if trigger != TriggerScheduler {
			s.publish(ctx, s.logger, userID, chatID, status.TextAlreadyRunning)
		}
		s.metrics.RecordSync(string(OutcomeLockContended))
		return Summary{Outcome: OutcomeLockContended}, nil
	}
	defer unlock()

	r := &run{
		Syncer:  s,
		userID:  userID,
		chatID:  chatID,
		trigger: trigger,
		summary: Summary{RunID: uuid.NewString()},
	}
	r.logger = s.logger.With().
		Str("run_id", r.summary.RunID).
		Int64("user_id", userID).
		Stringer("trigger", trigger).
		Logger()

	err := r.execute(ctx)
	s.metrics.RecordSync(string(r.summary.Outcome))
	r.logger.Info().
		Str("outcome", string(r.summary.Outcome)).
		Int("total", r.summary.Total).
		Int("new", r.summary.New).
		Int("sent", r.summary.Sent).
		Int("errors", r.summary.Errors).
		Msg("sync finished")

	return r.summary, err
}

// run carries the state of one locked invocation.
type run struct {
	*Syncer
	userID  int64
	chatID  int64
	trigger Trigger
	logger  zerolog.Logger
	summary Summary

	qualified bool
	advanced  bool
	listFail  bool
}

func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("sync panicked")
			r.summary.Outcome = OutcomeAborted
			if r.qualified && !r.listFail {
				r.advance()
			}
			msg := fmt.Sprintf("unexpected error during sync: %v", rec)
			if err := r.store.AddUserError(r.userID, msg, nil); err != nil {
				r.logger.Error().Err(err).Msg("failed to record user error")
			}
			r.publish(ctx, r.logger, r.userID, r.chatID, textUnexpected)
			err = nil
		}
	}()

	user, err := r.store.GetUserByID(r.userID)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load settings")
		user = nil
	}
	if user == nil || !user.SyncEnabled || !user.HasHandle() {
		r.summary.Outcome = OutcomeDisqualified
		if r.trigger != TriggerScheduler {
			r.publish(ctx, r.logger, r.userID, r.chatID, textNotConfigured)
		}
		return nil
	}
	r.qualified = true
	handle := *user.Handle

	if _, err := r.publishChecked(ctx, fmt.Sprintf(textListing, handle)); err != nil {
		r.summary.Outcome = OutcomeAborted
		r.advance()
		return err
	}

	likes, err := r.lister.ListLikes(ctx, handle)
	if err != nil {
		r.listFail = true
		r.summary.Outcome = OutcomeListingFailed
		r.logger.Error().Err(err).Str("handle", handle).Msg("failed to list likes")

		likesURL := tools.LikesURL(handle)
		if err := r.store.AddUserError(r.userID, "Failed to list likes: "+err.Error(), &likesURL); err != nil {
			r.logger.Error().Err(err).Msg("failed to record user error")
		}
		// the timestamp stays put so the next tick retries promptly
		r.publish(ctx, r.logger, r.userID, r.chatID, fmt.Sprintf(textListingFailed, handle))
		return nil
	}

	r.summary.Total = len(likes)
	if len(likes) == 0 {
		r.summary.Outcome = OutcomeNothingNew
		next := r.advance()
		r.publish(ctx, r.logger, r.userID, r.chatID, textNoLikes+"\n\n"+status.NextSyncLine(next(user)))
		return nil
	}

	if user.SyncOrder != models.SyncOrderNewFirst {
		slices.Reverse(likes)
	}

	items := r.newItems(likes)
	r.summary.New = len(items)
	if len(items) == 0 {
		r.summary.Outcome = OutcomeNothingNew
		next := r.advance()
		r.publish(ctx, r.logger, r.userID, r.chatID, textAllSynced+"\n\n"+status.NextSyncLine(next(user)))
		return nil
	}

	unreachable := r.process(ctx, items)
	next := r.advance()
	if unreachable != nil {
		r.summary.Outcome = OutcomeAborted
		return unreachable
	}

	r.summary.Outcome = OutcomeSummarized
	text := fmt.Sprintf(textSummary, r.summary.Total, r.summary.New, r.summary.Sent, r.summary.Errors)
	r.publish(ctx, r.logger, r.userID, r.chatID, text+"\n\n"+status.NextSyncLine(next(user)))
	return nil
}

// newItems drops everything already delivered or already failed. A store
// error counts as "not recorded".
func (r *run) newItems(likes []string) []string {
	items := make([]string, 0, len(likes))
	for _, url := range likes {
		done, err := r.store.IsTrackDownloaded(r.userID, url)
		if err != nil {
			r.logger.Error().Err(err).Str("url", url).Msg("failed to check downloaded ledger")
		}
		if done {
			continue
		}
		failed, err := r.store.IsTrackFailed(r.userID, url)
		if err != nil {
			r.logger.Error().Err(err).Str("url", url).Msg("failed to check failed ledger")
		}
		if failed {
			continue
		}
		items = append(items, url)
	}
	return items
}

// process delivers items in order. It stops early and returns the error when
// the user turns out to be unreachable.
func (r *run) process(ctx context.Context, items []string) error {
	for i, url := range items {
		if ctx.Err() != nil {
			r.logger.Warn().Err(ctx.Err()).Int("remaining", len(items)-i).Msg("sync interrupted")
			return nil
		}

		prefix := fmt.Sprintf(textProgress, i, len(items), shortName(url))
		statusID, err := r.publishChecked(ctx, prefix)
		if err != nil {
			return err
		}

		var sink pipeline.ProgressSink = pipeline.NopSink{}
		if statusID != 0 && r.editor != nil {
			sink = pipeline.NewMessageSink(r.editor, r.chatID, statusID, prefix)
		}

		res := r.processor.Process(ctx, pipeline.Request{
			URL:      url,
			UserID:   r.userID,
			ChatID:   r.chatID,
			Progress: sink,
		})
		if res.OK() {
			r.summary.Sent++
			messageID := res.MessageID
			if err := r.store.AddDownloadedTrack(r.userID, url, &messageID); err != nil {
				r.logger.Error().Err(err).Str("url", url).Msg("failed to record downloaded track")
			}
		} else if ctx.Err() != nil {
			r.logger.Warn().Err(ctx.Err()).Int("remaining", len(items)-i).Msg("sync interrupted")
			return nil
		} else {
			r.summary.Errors++
			if errors.Is(res.Err, messenger.ErrUnreachable) {
				return res.Err
			}
		}

		if i < len(items)-1 {
			if err := r.sleep(ctx, r.pacing); err != nil {
				return nil
			}
		}
	}
	return nil
}

// advance stamps the last sync time once per run and returns a function
// computing the next sync instant from it.
func (r *run) advance() func(*models.User) *time.Time {
	now := r.now().UTC()
	if !r.advanced {
		r.advanced = true
		if err := r.store.SetLastSync(r.userID, now); err != nil {
			r.logger.Error().Err(err).Msg("failed to update last sync time")
		}
	}
	return func(u *models.User) *time.Time {
		next := now.Add(u.Period())
		return &next
	}
}

// publishChecked publishes text and surfaces only unreachable users as
// errors.
func (r *run) publishChecked(ctx context.Context, text string) (int, error) {
	id, err := r.publisher.Publish(ctx, r.userID, r.chatID, text)
	if errors.Is(err, messenger.ErrUnreachable) {
		return 0, err
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish status")
	}
	return id, nil
}

func (s *Syncer) publish(ctx context.Context, logger zerolog.Logger, userID, chatID int64, text string) {
	if _, err := s.publisher.Publish(ctx, userID, chatID, text); err != nil {
		logger.Warn().Err(err).Msg("failed to publish status")
	}
}

// shortName is the last path element of a track URL, for progress lines.
func shortName(url string) string {
	name := url[strings.LastIndex(strings.TrimRight(url, "/"), "/")+1:]
	name = strings.TrimRight(name, "/")
	if r := []rune(name); len(r) > 40 {
		return string(r[:40])
	}
	return name
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

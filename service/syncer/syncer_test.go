package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/likesync/likesync/db"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/models"
	"github.com/likesync/likesync/service/pipeline"
	"github.com/likesync/likesync/service/status"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	return database
}

func ptr[T any](v T) *T { return &v }

func enableUser(t *testing.T, database *db.DB, userID int64, order models.SyncOrder) {
	t.Helper()
	err := database.UpdateUserSettings(userID, models.UserSettingsUpdate{
		Handle:      ptr("someone"),
		SyncEnabled: ptr(true),
		SyncOrder:   &order,
	})
	if err != nil {
		t.Fatalf("UpdateUserSettings failed: %v", err)
	}
}

type fakeLister struct {
	mu    sync.Mutex
	likes []string
	err   error
	calls int
}

func (f *fakeLister) ListLikes(ctx context.Context, handle string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return slices.Clone(f.likes), f.err
}

// fakeProcessor records the failure ledger the way the real pipeline does.
type fakeProcessor struct {
	mu      sync.Mutex
	store   *db.DB
	calls   []string
	fail    map[string]*pipeline.Failure
	started chan struct{}
	release chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, req pipeline.Request) pipeline.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	n := len(f.calls)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}

	if fail, ok := f.fail[req.URL]; ok {
		f.store.AddFailedTrack(req.UserID, req.URL, fail.Error())
		return pipeline.Result{Err: fail}
	}
	return pipeline.Result{MessageID: 1000 + n}
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, userID, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return 0, f.err
	}
	return 77, nil
}

func (f *fakePublisher) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type harness struct {
	db        *db.DB
	lister    *fakeLister
	processor *fakeProcessor
	publisher *fakePublisher
	syncer    *Syncer
	sleeps    []time.Duration
}

func newHarness(t *testing.T, likes ...string) *harness {
	t.Helper()

	database := setupTestDB(t)
	h := &harness{
		db:        database,
		lister:    &fakeLister{likes: likes},
		processor: &fakeProcessor{store: database},
		publisher: &fakePublisher{},
	}
	h.syncer = New(Deps{
		Store:     database,
		Lister:    h.lister,
		Processor: h.processor,
		Publisher: h.publisher,
	}, DefaultItemPacing)
	h.syncer.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) lastSync(t *testing.T, userID int64) *time.Time {
	t.Helper()
	user, err := h.db.GetUserByID(userID)
	if err != nil || user == nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	return user.LastSync
}

func TestRunLockContendedMakesNoExternalCalls(t *testing.T) {
	for _, trigger := range []Trigger{TriggerManual, TriggerScheduler} {
		t.Run(trigger.String(), func(t *testing.T) {
			h := newHarness(t, "https://soundcloud.com/a/one")
			enableUser(t, h.db, 1, models.SyncOrderOldFirst)

			unlock, ok := h.syncer.Locks().TryLock(1)
			if !ok {
				t.Fatal("Expected to take the lock")
			}
			defer unlock()

			summary, err := h.syncer.Run(context.Background(), 1, 1, trigger)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if summary.Outcome != OutcomeLockContended {
				t.Errorf("Expected lock contended, got %s", summary.Outcome)
			}
			if h.lister.calls != 0 || h.processor.callCount() != 0 {
				t.Errorf("Expected no external calls, got lister=%d processor=%d", h.lister.calls, h.processor.callCount())
			}

			var want []string
			if trigger == TriggerManual {
				want = []string{status.TextAlreadyRunning}
			}
			if !reflect.DeepEqual(h.publisher.texts, want) {
				t.Errorf("Expected status texts %v, got %v", want, h.publisher.texts)
			}
		})
	}
}

func TestRunConcurrentTriggers(t *testing.T) {
	h := newHarness(t, "https://soundcloud.com/a/one")
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)
	h.processor.started = make(chan struct{})
	h.processor.release = make(chan struct{})

	done := make(chan Summary)
	go func() {
		summary, _ := h.syncer.Run(context.Background(), 1, 1, TriggerScheduler)
		done <- summary
	}()
	<-h.processor.started

	if !h.syncer.Locks().IsRunning(1) {
		t.Error("Expected the lock to be reported as held")
	}

	second, err := h.syncer.Run(context.Background(), 1, 1, TriggerManual)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Outcome != OutcomeLockContended {
		t.Errorf("Expected second run to be contended, got %s", second.Outcome)
	}

	close(h.processor.release)
	first := <-done
	if first.Outcome != OutcomeSummarized {
		t.Errorf("Expected first run to finish, got %s", first.Outcome)
	}
	if h.lister.calls != 1 || h.processor.callCount() != 1 {
		t.Errorf("Expected a single run's calls, got lister=%d processor=%d", h.lister.calls, h.processor.callCount())
	}
	if h.syncer.Locks().IsRunning(1) {
		t.Error("Expected the lock to be released")
	}
}

func TestRunDisqualified(t *testing.T) {
	tests := []struct {
		name   string
		update models.UserSettingsUpdate
	}{
		{"sync off", models.UserSettingsUpdate{Handle: ptr("someone"), SyncEnabled: ptr(false)}},
		{"no handle", models.UserSettingsUpdate{SyncEnabled: ptr(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "https://soundcloud.com/a/one")
			if err := h.db.UpdateUserSettings(1, tt.update); err != nil {
				t.Fatalf("UpdateUserSettings failed: %v", err)
			}

			summary, _ := h.syncer.Run(context.Background(), 1, 1, TriggerManual)
			if summary.Outcome != OutcomeDisqualified {
				t.Errorf("Expected disqualified, got %s", summary.Outcome)
			}
			if h.lister.calls != 0 {
				t.Errorf("Expected no listing, got %d", h.lister.calls)
			}
			if h.lastSync(t, 1) != nil {
				t.Error("Expected last sync to stay unset")
			}
		})
	}
}

func TestRunDedupSecondRun(t *testing.T) {
	h := newHarness(t,
		"https://soundcloud.com/a/three",
		"https://soundcloud.com/a/two",
		"https://soundcloud.com/a/one",
	)
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)
	ctx := context.Background()

	first, err := h.syncer.Run(ctx, 1, 1, TriggerManual)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Sent != 3 || first.New != 3 {
		t.Fatalf("Expected 3 new and sent, got %+v", first)
	}

	second, err := h.syncer.Run(ctx, 1, 1, TriggerManual)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Outcome != OutcomeNothingNew || second.New != 0 {
		t.Errorf("Expected nothing new, got %+v", second)
	}
	if h.processor.callCount() != 3 {
		t.Errorf("Expected no downloads on the second run, got %d total", h.processor.callCount())
	}

	count, err := h.db.CountDownloadedTracks(1)
	if err != nil || count != 3 {
		t.Errorf("Expected ledger of 3, got %d (err %v)", count, err)
	}
	if !strings.HasPrefix(h.publisher.last(), "✅ Synced") {
		t.Errorf("Expected synced status, got %q", h.publisher.last())
	}
}

func TestRunEmptyListingAdvancesTimestamp(t *testing.T) {
	h := newHarness(t)
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)

	summary, err := h.syncer.Run(context.Background(), 1, 1, TriggerScheduler)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Outcome != OutcomeNothingNew {
		t.Errorf("Expected nothing new, got %s", summary.Outcome)
	}
	if h.lastSync(t, 1) == nil {
		t.Error("Expected last sync to advance on an empty listing")
	}
	if !strings.Contains(h.publisher.last(), "Next sync") {
		t.Errorf("Expected next sync time in status, got %q", h.publisher.last())
	}
}

func TestRunFailedListingDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.lister.err = errors.New("yt-dlp exited with 1: ERROR: profile not found")
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)

	summary, err := h.syncer.Run(context.Background(), 1, 1, TriggerScheduler)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Outcome != OutcomeListingFailed {
		t.Errorf("Expected listing failed, got %s", summary.Outcome)
	}
	if h.lastSync(t, 1) != nil {
		t.Error("Expected last sync to stay unset after a listing failure")
	}

	entries, err := h.db.GetUserErrors(1, 5, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one error log entry, got %v (err %v)", entries, err)
	}
	if entries[0].Context == nil || *entries[0].Context != "https://soundcloud.com/someone/likes" {
		t.Errorf("Expected likes url as context, got %v", entries[0].Context)
	}
	if !strings.Contains(h.publisher.last(), "Could not get the likes") {
		t.Errorf("Expected listing failure status, got %q", h.publisher.last())
	}
}

func TestRunFailedTrackPermanence(t *testing.T) {
	h := newHarness(t,
		"https://soundcloud.com/a/good",
		"https://soundcloud.com/a/broken",
	)
	h.processor.fail = map[string]*pipeline.Failure{
		"https://soundcloud.com/a/broken": {Kind: pipeline.KindFetch, Detail: "track is private"},
	}
	enableUser(t, h.db, 1, models.SyncOrderNewFirst)
	ctx := context.Background()

	first, _ := h.syncer.Run(ctx, 1, 1, TriggerManual)
	if first.Sent != 1 || first.Errors != 1 {
		t.Fatalf("Expected 1 sent and 1 error, got %+v", first)
	}

	// a new like arrives, the broken one is still listed
	h.lister.likes = append([]string{"https://soundcloud.com/a/fresh"}, h.lister.likes...)
	second, _ := h.syncer.Run(ctx, 1, 1, TriggerManual)

	if second.New != 1 {
		t.Errorf("Expected only the fresh track to be new, got %+v", second)
	}
	want := []string{
		"https://soundcloud.com/a/good",
		"https://soundcloud.com/a/broken",
		"https://soundcloud.com/a/fresh",
	}
	if !reflect.DeepEqual(h.processor.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, h.processor.calls)
	}
}

func TestRunOrdering(t *testing.T) {
	listed := []string{
		"https://soundcloud.com/a/newest",
		"https://soundcloud.com/a/middle",
		"https://soundcloud.com/a/oldest",
	}

	tests := []struct {
		order models.SyncOrder
		want  []string
	}{
		{models.SyncOrderOldFirst, []string{listed[2], listed[1], listed[0]}},
		{models.SyncOrderNewFirst, listed},
	}

	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			h := newHarness(t, listed...)
			enableUser(t, h.db, 1, tt.order)

			if _, err := h.syncer.Run(context.Background(), 1, 1, TriggerManual); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if !reflect.DeepEqual(h.processor.calls, tt.want) {
				t.Errorf("Expected order %v, got %v", tt.want, h.processor.calls)
			}
			if len(h.sleeps) != 2 {
				t.Errorf("Expected pacing between items only, got %v", h.sleeps)
			}
		})
	}
}

func TestRunSummaryText(t *testing.T) {
	h := newHarness(t,
		"https://soundcloud.com/a/one",
		"https://soundcloud.com/a/two",
	)
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)
	if err := h.db.AddDownloadedTrack(1, "https://soundcloud.com/a/one", ptr(5)); err != nil {
		t.Fatalf("AddDownloadedTrack failed: %v", err)
	}
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.syncer.now = func() time.Time { return fixed }

	summary, _ := h.syncer.Run(context.Background(), 1, 1, TriggerManual)
	if summary.Outcome != OutcomeSummarized {
		t.Fatalf("Expected summarized, got %s", summary.Outcome)
	}

	want := "Liked: 2 · New: 1 · Sent: 1 · Errors: 0"
	if !strings.Contains(h.publisher.last(), want) {
		t.Errorf("Expected %q in %q", want, h.publisher.last())
	}
	if !strings.Contains(h.publisher.last(), "2026-05-02 12:00 UTC") {
		t.Errorf("Expected next sync a day later in %q", h.publisher.last())
	}
	if last := h.lastSync(t, 1); last == nil || !last.Equal(fixed) {
		t.Errorf("Expected last sync %v, got %v", fixed, last)
	}

	var progress int
	for _, text := range h.publisher.texts {
		if strings.HasPrefix(text, "✅ Done 0/1") {
			progress++
		}
	}
	if progress != 1 {
		t.Errorf("Expected one progress line, got %v", h.publisher.texts)
	}
}

func TestRunUnreachableAborts(t *testing.T) {
	h := newHarness(t,
		"https://soundcloud.com/a/one",
		"https://soundcloud.com/a/two",
	)
	blocked := fmt.Errorf("%w: bot was blocked by the user", messenger.ErrUnreachable)
	h.processor.fail = map[string]*pipeline.Failure{
		"https://soundcloud.com/a/two": {Kind: pipeline.KindDeliverOther, Detail: blocked.Error(), Err: blocked},
	}
	enableUser(t, h.db, 1, models.SyncOrderNewFirst)

	_, err := h.syncer.Run(context.Background(), 1, 1, TriggerScheduler)
	if !errors.Is(err, messenger.ErrUnreachable) {
		t.Fatalf("Expected unreachable error, got %v", err)
	}
	if h.processor.callCount() != 1 {
		t.Errorf("Expected the run to stop at the first item, got %d calls", h.processor.callCount())
	}
	if h.lastSync(t, 1) == nil {
		t.Error("Expected last sync to advance")
	}
}

func TestRunUnreachableStatus(t *testing.T) {
	h := newHarness(t, "https://soundcloud.com/a/one")
	h.publisher.err = fmt.Errorf("%w: user is deactivated", messenger.ErrUnreachable)
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)

	_, err := h.syncer.Run(context.Background(), 1, 1, TriggerScheduler)
	if !errors.Is(err, messenger.ErrUnreachable) {
		t.Fatalf("Expected unreachable error, got %v", err)
	}
	if h.lister.calls != 0 {
		t.Errorf("Expected no listing for an unreachable user, got %d", h.lister.calls)
	}
}

type panickingLister struct{}

func (panickingLister) ListLikes(ctx context.Context, handle string) ([]string, error) {
	panic("lister exploded")
}

func TestRunRecoversAndReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.syncer.lister = panickingLister{}
	enableUser(t, h.db, 1, models.SyncOrderOldFirst)

	summary, err := h.syncer.Run(context.Background(), 1, 1, TriggerManual)
	if err != nil {
		t.Fatalf("Expected panic to be contained, got %v", err)
	}
	if summary.Outcome != OutcomeAborted {
		t.Errorf("Expected aborted, got %s", summary.Outcome)
	}
	if h.syncer.Locks().IsRunning(1) {
		t.Error("Expected the lock to be released after a panic")
	}
	if h.publisher.last() != textUnexpected {
		t.Errorf("Expected generic error status, got %q", h.publisher.last())
	}
}

func TestLocks(t *testing.T) {
	locks := NewLocks()

	unlock, ok := locks.TryLock(1)
	if !ok {
		t.Fatal("Expected first TryLock to succeed")
	}
	if _, ok := locks.TryLock(1); ok {
		t.Error("Expected second TryLock to fail")
	}
	if _, ok := locks.TryLock(2); !ok {
		t.Error("Expected other users to be independent")
	}

	unlock()
	unlock()
	if locks.IsRunning(1) {
		t.Error("Expected lock to be released")
	}

	again, ok := locks.TryLock(1)
	if !ok {
		t.Fatal("Expected TryLock after release to succeed")
	}
	// a stale unlock from the previous holder must not release the new one
	unlock()
	if !locks.IsRunning(1) {
		t.Error("Expected stale unlock to be a no-op")
	}
	again()
}

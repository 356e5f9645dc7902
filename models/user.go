package models

import "time"

// SyncOrder is the order in which new likes are delivered during a sync.
type SyncOrder string

const (
	// SyncOrderOldFirst delivers the oldest like first. The remote list is
	// newest-first, so it gets reversed.
	SyncOrderOldFirst SyncOrder = "old_first"
	SyncOrderNewFirst SyncOrder = "new_first"
)

const (
	DefaultSyncPeriodHours = 24
	MinSyncPeriodHours     = 1
	MaxSyncPeriodHours     = 720
)

// User holds the sync settings of a single bot user
type User struct {
	ID              int64
	Handle          *string // SoundCloud handle, nil until linked
	SyncEnabled     bool
	SyncPeriodHours int
	SyncOrder       SyncOrder
	LastSync        *time.Time // nil means never synced
	StatusMessageID *int       // pinned status message in the user's chat
	CreatedAt       time.Time
}

// HasHandle reports whether a remote handle is linked.
func (u *User) HasHandle() bool {
	return u.Handle != nil && *u.Handle != ""
}

// ChatID is the private conversation with the user. On Telegram the private
// chat id equals the user id.
func (u *User) ChatID() int64 {
	return u.ID
}

// Period returns the configured sync period, falling back to the default
// when the stored value is out of range.
func (u *User) Period() time.Duration {
	hours := u.SyncPeriodHours
	if hours <= 0 {
		hours = DefaultSyncPeriodHours
	}
	return time.Duration(hours) * time.Hour
}

// NextSync returns the first instant the user becomes due again, or nil if
// the user has never been synced.
func (u *User) NextSync() *time.Time {
	if u.LastSync == nil {
		return nil
	}
	next := u.LastSync.UTC().Add(u.Period())
	return &next
}

// IsDue reports whether a sync is due at now.
func (u *User) IsDue(now time.Time) bool {
	next := u.NextSync()
	if next == nil {
		return true
	}
	return !now.UTC().Before(*next)
}

// UserSettingsUpdate is a partial update; nil fields are left untouched.
type UserSettingsUpdate struct {
	Handle          *string
	SyncEnabled     *bool
	SyncPeriodHours *int
	SyncOrder       *SyncOrder
	LastSync        *time.Time
}

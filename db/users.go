package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/likesync/likesync/models"
)

const userColumns = `user_id, soundcloud_username, sync_enabled, sync_period_hours, sync_order,
	last_sync_timestamp, status_message_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		handle    sql.NullString
		order     sql.NullString
		lastSync  sql.NullTime
		statusID  sql.NullInt64
		createdAt sql.NullTime
	)

	err := row.Scan(&user.ID, &handle, &user.SyncEnabled, &user.SyncPeriodHours, &order,
		&lastSync, &statusID, &createdAt)
	if err != nil {
		return nil, err
	}

	if handle.Valid {
		user.Handle = &handle.String
	}
	user.SyncOrder = models.SyncOrderOldFirst
	if order.Valid && models.SyncOrder(order.String) == models.SyncOrderNewFirst {
		user.SyncOrder = models.SyncOrderNewFirst
	}
	// rows written before timestamps were stored with a zone come back
	// without one; they were always UTC
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		user.LastSync = &t
	}
	if statusID.Valid {
		id := int(statusID.Int64)
		user.StatusMessageID = &id
	}
	if createdAt.Valid {
		user.CreatedAt = createdAt.Time.UTC()
	}

	return &user, nil
}

// EnsureUser creates the user with default settings if it does not exist.
func (db *DB) EnsureUser(userID int64) error {
	_, err := db.Exec(`
	INSERT OR IGNORE INTO users (user_id, created_at)
	VALUES (?, ?)`, userID, time.Now().UTC())

	return err
}

// UpdateUserSettings applies a partial update, creating the user with
// defaults first if needed.
func (db *DB) UpdateUserSettings(userID int64, update models.UserSettingsUpdate) error {
	if err := db.EnsureUser(userID); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	if update.Handle != nil {
		sets = append(sets, "soundcloud_username = ?")
		args = append(args, *update.Handle)
	}
	if update.SyncEnabled != nil {
		sets = append(sets, "sync_enabled = ?")
		args = append(args, *update.SyncEnabled)
	}
	if update.SyncPeriodHours != nil {
		sets = append(sets, "sync_period_hours = ?")
		args = append(args, *update.SyncPeriodHours)
	}
	if update.SyncOrder != nil {
		sets = append(sets, "sync_order = ?")
		args = append(args, string(*update.SyncOrder))
	}
	if update.LastSync != nil {
		sets = append(sets, "last_sync_timestamp = ?")
		args = append(args, update.LastSync.UTC())
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, userID)
	_, err := db.Exec(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`, args...)

	return err
}

// GetUserByID returns nil, nil when the user does not exist.
func (db *DB) GetUserByID(userID int64) (*models.User, error) {
	row := db.QueryRow(`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

// SetLastSync records the instant of the latest completed sync attempt.
func (db *DB) SetLastSync(userID int64, at time.Time) error {
	_, err := db.Exec(`
	UPDATE users
	SET last_sync_timestamp = ?
	WHERE user_id = ?`, at.UTC(), userID)

	return err
}

// SetStatusMessage records the live status message, creating the user with
// defaults if there is no row yet.
func (db *DB) SetStatusMessage(userID int64, messageID int) error {
	_, err := db.Exec(`
	INSERT INTO users (user_id, created_at, status_message_id)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET status_message_id = excluded.status_message_id`,
		userID, time.Now().UTC(), messageID)

	return err
}

func (db *DB) ClearStatusMessage(userID int64) error {
	_, err := db.Exec(`
	UPDATE users
	SET status_message_id = NULL
	WHERE user_id = ?`, userID)

	return err
}

// DisableSync turns sync off and forgets the status message, used when the
// user can no longer be reached.
func (db *DB) DisableSync(userID int64) error {
	_, err := db.Exec(`
	UPDATE users
	SET sync_enabled = FALSE, status_message_id = NULL
	WHERE user_id = ?`, userID)

	return err
}

// ListUsersDueForSync returns enabled users with a handle whose last sync is
// at least one period old, or who never synced, in user id order.
func (db *DB) ListUsersDueForSync(now time.Time) ([]*models.User, error) {
	users, err := db.queryUsers(`
	SELECT ` + userColumns + `
	FROM users
	WHERE sync_enabled = TRUE
		AND soundcloud_username IS NOT NULL
		AND soundcloud_username != ''
	ORDER BY user_id`)
	if err != nil {
		return nil, err
	}

	due := make([]*models.User, 0, len(users))
	for _, user := range users {
		if user.IsDue(now) {
			due = append(due, user)
		}
	}

	return due, nil
}

// ListUsersWithStatusMessage returns users that have a live status message.
func (db *DB) ListUsersWithStatusMessage() ([]*models.User, error) {
	return db.queryUsers(`
	SELECT ` + userColumns + `
	FROM users
	WHERE status_message_id IS NOT NULL
	ORDER BY user_id`)
}

func (db *DB) queryUsers(query string, args ...any) ([]*models.User, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

package db

import (
	"time"

	"github.com/likesync/likesync/models"
)

func (db *DB) AddUserError(userID int64, message string, context *string) error {
	_, err := db.Exec(`
	INSERT INTO user_errors (user_id, timestamp, message, context)
	VALUES (?, ?, ?, ?)`,
		userID, time.Now().UTC(), message, context)

	return err
}

// GetUserErrors returns a page of the user's error log, newest first.
func (db *DB) GetUserErrors(userID int64, limit, offset int) ([]*models.UserError, error) {
	rows, err := db.Query(`
	SELECT id, user_id, timestamp, message, context
	FROM user_errors
	WHERE user_id = ?
	ORDER BY timestamp DESC, id DESC
	LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.UserError
	for rows.Next() {
		entry := &models.UserError{}
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Timestamp, &entry.Message, &entry.Context); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (db *DB) CountUserErrors(userID int64) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM user_errors WHERE user_id = ?`, userID).Scan(&count)

	return count, err
}

// ClearUserErrors deletes the user's whole error log and returns how many
// entries were removed.
func (db *DB) ClearUserErrors(userID int64) (int64, error) {
	result, err := db.Exec(`DELETE FROM user_errors WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

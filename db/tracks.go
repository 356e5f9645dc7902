package db

import (
	"time"
)

// AddDownloadedTrack records a delivered track. The ledger is append-only:
// an existing record for the same track is kept as is.
func (db *DB) AddDownloadedTrack(userID int64, trackIdentifier string, messageID *int) error {
	_, err := db.Exec(`
	INSERT OR IGNORE INTO downloaded_tracks (user_id, track_identifier, telegram_message_id, download_timestamp)
	VALUES (?, ?, ?, ?)`,
		userID, trackIdentifier, messageID, time.Now().UTC())

	return err
}

func (db *DB) IsTrackDownloaded(userID int64, trackIdentifier string) (bool, error) {
	return db.exists(`
	SELECT 1 FROM downloaded_tracks
	WHERE user_id = ? AND track_identifier = ?`, userID, trackIdentifier)
}

func (db *DB) CountDownloadedTracks(userID int64) (int, error) {
	var count int
	err := db.QueryRow(`
	SELECT COUNT(*) FROM downloaded_tracks
	WHERE user_id = ?`, userID).Scan(&count)

	return count, err
}

// AddFailedTrack records a track that could not be delivered. Like the
// downloaded ledger, the first recorded reason wins.
func (db *DB) AddFailedTrack(userID int64, trackIdentifier, reason string) error {
	_, err := db.Exec(`
	INSERT OR IGNORE INTO failed_tracks (user_id, track_identifier, reason, failed_timestamp)
	VALUES (?, ?, ?, ?)`,
		userID, trackIdentifier, reason, time.Now().UTC())

	return err
}

func (db *DB) IsTrackFailed(userID int64, trackIdentifier string) (bool, error) {
	return db.exists(`
	SELECT 1 FROM failed_tracks
	WHERE user_id = ? AND track_identifier = ?`, userID, trackIdentifier)
}

func (db *DB) exists(query string, args ...any) (bool, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

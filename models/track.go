package models

import "time"

// DownloadedTrack marks a remote track as delivered to a user.
type DownloadedTrack struct {
	UserID          int64
	TrackIdentifier string
	MessageID       *int
	DownloadedAt    time.Time
}

// FailedTrack marks a remote track that could not be delivered. Failed
// tracks are never picked up again by a sync.
type FailedTrack struct {
	UserID          int64
	TrackIdentifier string
	Reason          string
	FailedAt        time.Time
}

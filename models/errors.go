package models

import "time"

// UserError is an entry of a user's visible error log
type UserError struct {
	ID        int64
	UserID    int64
	Timestamp time.Time
	Message   string
	Context   *string
}

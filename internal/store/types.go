package store

import "errors"

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

const (
	// DefaultRecentLimit is used when RecentNotifications gets a non-positive limit.
	DefaultRecentLimit = 50
	// MaxRecentLimit caps RecentNotifications.
	MaxRecentLimit = 500
)

package model

import "time"

// NotificationRecord is the history entry for a notification shown to the
// viewer.
type NotificationRecord struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Target    string    `gorm:"size:128;index" json:"target"`
	Kind      string    `gorm:"size:32;not null" json:"kind"`
	Status    string    `gorm:"size:32;not null" json:"status"`
	Title     string    `gorm:"size:256;not null" json:"title"`
	Message   string    `gorm:"size:1024;not null" json:"message"`
	Requester string    `gorm:"size:64" json:"requester,omitempty"`
	Project   string    `gorm:"size:256" json:"project,omitempty"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

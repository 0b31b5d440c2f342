package model

import "time"

// Target is a deployment server running the restart script.
type Target struct {
	Name       string    `gorm:"primaryKey;size:128"`
	Host       string    `gorm:"size:255;not null"`
	Port       int       `gorm:"not null"`
	User       string    `gorm:"size:64;not null"`
	ScriptPath string    `gorm:"size:512;not null"`
	KnownHosts string    `gorm:"size:512"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

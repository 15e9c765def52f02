package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessType is the kind of file access a task holds or requests.
type AccessType string

const (
	AccessRead      AccessType = "read"
	AccessWrite     AccessType = "write"
	AccessExclusive AccessType = "exclusive"
)

// CompatibleWith reports whether a new request of type other may coexist
// with an existing holder of type a. Only concurrent reads are compatible.
func (a AccessType) CompatibleWith(other AccessType) bool {
	return a == AccessRead && other == AccessRead
}

// FileLockRecord is the durable record of one granted file access.
type FileLockRecord struct {
	ID         uuid.UUID  `json:"-"`
	FilePath   string     `json:"file_path"`
	AccessType AccessType `json:"access_type"`
	TaskID     string     `json:"task_id"`
	ClientID   string     `json:"client_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Bookmark is the replication high-water mark of one stream.
type Bookmark struct {
	Stream         string
	ReplicationKey string
	Value          time.Time
	UpdatedAt      time.Time
}

// Sync run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type SyncRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Records    map[string]int // emitted records per stream
	LastError  string
}

package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": storage disabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// PipelineStatus is the current status of one pipeline, keyed by
// (ProjectID, PipelineID). Upsert semantics: created on first webhook,
// updated on every later one, never deleted by the ingest path.
type PipelineStatus struct {
	ProjectID   int64
	PipelineID  int64
	ProjectName string
	Status      string
	Ref         string
	WebURL      string
	UpdatedAt   time.Time
}

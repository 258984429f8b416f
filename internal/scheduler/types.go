package scheduler

import (
	"errors"
	"time"
)

var (
	ErrUnknownKind       = errors.New("job kind not registered")
	ErrAlreadyRegistered = errors.New("job kind already registered")
	ErrStopped           = errors.New("scheduler stopped")
)

// Job statuses. A job moves queued -> running -> done|failed. Jobs found in
// running state on startup were interrupted by a crash and are re-queued.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is a durable unit of work. The id is assigned synchronously on
// Schedule so callers can reference the job before it ever executes.
type Job struct {
	ID       string
	Kind     string
	Payload  []byte
	RunAt    time.Time
	Priority int
	Status   string
	Error    string
}

// Config controls polling and maintenance.
//
// All fields have working defaults; the zero value is usable.
type Config struct {
	// PollInterval is how often due jobs are claimed. Default 1s.
	PollInterval time.Duration

	// PruneSchedule is a cron spec for deleting finished jobs. Default "@hourly".
	PruneSchedule string

	// Retention is how long finished jobs are kept. Default 24h.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@hourly"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// ScheduleOption tweaks a single scheduled job.
type ScheduleOption func(*Job)

// WithPriority raises or lowers a job in the claim order. Higher runs first
// among jobs due at the same time.
func WithPriority(p int) ScheduleOption {
	return func(j *Job) { j.Priority = p }
}

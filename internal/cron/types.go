package cron

import (
	"context"
	"time"
)

// Kind says how a Schedule repeats.
type Kind string

const (
	// KindOnce runs a single time, then the job is dropped.
	KindOnce Kind = "at"
	// KindInterval runs at a fixed delay after registration and each run.
	KindInterval Kind = "every"
	// KindCron follows a cron expression or descriptor.
	KindCron Kind = "cron"
)

// Func is the work a job does when it comes due.
type Func func(ctx context.Context) error

// Job is a registered maintenance task or reminder.
type Job struct {
	ID       string
	Name     string
	Schedule Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string

	fn Func
}

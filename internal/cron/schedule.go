package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Descriptors ("@hourly", "@every 1m") and an optional seconds field are
// accepted alongside the usual five fields.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule decides when a job is next due.
type Schedule struct {
	Kind  Kind
	At    time.Time
	Every time.Duration
	Expr  string

	expr cron.Schedule
}

// Once is due a single time, at t.
func Once(t time.Time) Schedule {
	return Schedule{Kind: KindOnce, At: t}
}

// Interval is due every d, first d after registration.
func Interval(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be positive, got %s", d)
	}
	return Schedule{Kind: KindInterval, Every: d}, nil
}

// Parse reads an RFC 3339 time as a one-off schedule and anything else as a
// cron expression or descriptor.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, errors.New("schedule is required")
	}
	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		return Once(at), nil
	}
	parsed, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, expr: parsed}, nil
}

// Next returns when the schedule is next due after now. A one-off schedule
// reports false once its time has passed.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() || now.After(s.At) {
			return time.Time{}, false
		}
		return s.At, true
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		return now.Add(s.Every), true
	case KindCron:
		if s.expr == nil {
			return time.Time{}, false
		}
		next := s.expr.Next(now)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/cron"
)

// ScheduleMessageInput is the input of schedule_message.
type ScheduleMessageInput struct {
	Text string `json:"text" jsonschema:"required,minLength=1,description=Message to send when due"`
	// Exactly one of In and When.
	In   string `json:"in,omitempty" jsonschema:"description=Delay such as 10m or 2h for a one-off reminder"`
	When string `json:"when,omitempty" jsonschema:"description=RFC 3339 time for a one-off reminder or a cron expression such as 0 9 * * 1 for a repeating one"`
}

// ScheduleMessage registers a reminder with the scheduler. Reminders live in
// the node process and do not survive a restart.
func ScheduleMessage(s *cron.Scheduler, sender Sender, logger *slog.Logger) agent.Tool {
	return newTool("schedule_message",
		"Schedule a message to the current conversation, once after a delay or at a time, or repeatedly on a cron schedule.",
		func(ctx context.Context, in ScheduleMessageInput) (any, error) {
			channelID, err := targetChannel(ctx, "")
			if err != nil {
				return nil, err
			}
			schedule, err := reminderSchedule(in, time.Now())
			if err != nil {
				return nil, err
			}
			text := in.Text
			id, err := s.Add("reminder:"+channelID, schedule, func(ctx context.Context) error {
				logger.InfoContext(ctx, "sending scheduled message", "channel_id", channelID)
				return sender.Send(ctx, channelID, text)
			})
			if err != nil {
				return nil, err
			}
			out := map[string]any{"scheduled": true, "id": id, "kind": schedule.Kind}
			for _, job := range s.Jobs() {
				if job.ID == id {
					out["nextRun"] = job.NextRun.UTC().Format(time.RFC3339)
				}
			}
			return out, nil
		})
}

func reminderSchedule(in ScheduleMessageInput, now time.Time) (cron.Schedule, error) {
	delay := strings.TrimSpace(in.In)
	when := strings.TrimSpace(in.When)
	switch {
	case delay != "" && when != "":
		return cron.Schedule{}, fmt.Errorf("set either in or when, not both")
	case delay != "":
		d, err := time.ParseDuration(delay)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid delay %q: %w", delay, err)
		}
		if d <= 0 {
			return cron.Schedule{}, fmt.Errorf("delay must be positive")
		}
		return cron.Once(now.Add(d).UTC()), nil
	case when != "":
		if strings.HasPrefix(when, "@every") {
			return cron.Schedule{}, fmt.Errorf("use a cron expression or a time, not %q", when)
		}
		return cron.Parse(when)
	default:
		return cron.Schedule{}, fmt.Errorf("in or when is required")
	}
}

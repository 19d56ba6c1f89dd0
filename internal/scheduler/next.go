package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRun computes the next fire time after now for a schedule. Cron
// expressions evaluate in the task's timezone so "0 9 * * *" means 9am
// where the user lives, not 9am UTC.
func NextRun(kind, expr, timezone string, now time.Time) (time.Time, error) {
	switch kind {
	case KindCron:
		loc := time.UTC
		if timezone != "" {
			var err error
			loc, err = time.LoadLocation(timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
			}
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil
	case KindInterval:
		d, err := time.ParseDuration(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", expr, err)
		}
		if d < time.Minute {
			return time.Time{}, fmt.Errorf("interval %q below 1m minimum", expr)
		}
		return now.Add(d).UTC(), nil
	case KindOnce:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid once time %q: %w", expr, err)
		}
		// A past one-shot fires immediately rather than never.
		if at.Before(now) {
			return now.UTC(), nil
		}
		return at.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// ValidateSchedule checks a schedule without computing anything else.
func ValidateSchedule(kind, expr, timezone string) error {
	_, err := NextRun(kind, expr, timezone, time.Now())
	return err
}

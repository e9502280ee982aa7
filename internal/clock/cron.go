// Package clock wraps robfig/cron's schedule parser to compute fire times
// for the etcd-backed schedule registry, without running the library's own
// push-based scheduler loop: BatchOps ticks its schedule registry from a
// single poll loop (internal/scheduler) so every scheduler instance agrees
// on due jobs through the shared store rather than each running its own
// in-memory cron.Cron.
package clock

import (
	"time"

	"github.com/robfig/cron/v3"

	"batchops/internal/domain"
)

// parser accepts the standard 5-field cron expression (minute hour
// day-of-month month day-of-week), matching the format documented for
// Job.ScheduleCron.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a 5-field cron expression, returning
// domain.ErrMalformedSchedule wrapped with the parser's detail on failure.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, wrapMalformed(expr, err)
	}
	return sched, nil
}

// NextFireAfter returns the next time expr is due to fire strictly after
// after, in the given reference zone.
func NextFireAfter(expr string, after time.Time, zone *time.Location) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(zone)), nil
}

func wrapMalformed(expr string, cause error) error {
	return &malformedScheduleError{expr: expr, cause: cause}
}

type malformedScheduleError struct {
	expr  string
	cause error
}

func (e *malformedScheduleError) Error() string {
	return "clock: malformed cron expression " + e.expr + ": " + e.cause.Error()
}

func (e *malformedScheduleError) Unwrap() error {
	return domain.ErrMalformedSchedule
}

// System is the wall-clock Clock implementation used outside of tests.
var System domain.Clock = domain.ClockFunc(time.Now)

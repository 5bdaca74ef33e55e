package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// parser accepts 5-field expressions and descriptors such as "@daily".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a minute-granularity cron expression. A leading "cron:"
// prefix is accepted. Interval schedules ("@every 5m") are rejected because
// they have no fixed minute to match.
func ParseCron(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
	}
	if s == "" {
		return nil, errors.New("cron expression required")
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return nil, errors.Newf("interval schedule %q is not supported, use a cron expression", expr)
	}
	return sched, nil
}

// Matches reports whether sched fires in the minute containing t. Seconds in
// t are ignored.
func Matches(sched cron.Schedule, t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

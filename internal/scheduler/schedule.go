package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind names the trigger family of a job.
type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindDaily    Kind = "daily"
	KindCron     Kind = "cron"
)

// Every fires interval after the previous run finished (sleep-then-run).
type Every time.Duration

func (e Every) Next(now time.Time) time.Time { return now.Add(time.Duration(e)) }

// DailyAt fires once a day at hour:minute UTC.
type DailyAt struct {
	Hour, Minute int
}

// Next returns the next hour:minute UTC strictly after now. When now is exactly
// on the boundary the job waits a full day instead of firing twice.
func (d DailyAt) Next(now time.Time) time.Time {
	now = now.UTC()
	at := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

func (d DailyAt) String() string { return fmt.Sprintf("%02d:%02d UTC", d.Hour, d.Minute) }

// utcSchedule evaluates a cron schedule in UTC whatever the caller's location.
type utcSchedule struct {
	cron.Schedule
}

func (u utcSchedule) Next(now time.Time) time.Time { return u.Schedule.Next(now.UTC()) }

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression ("*/5 * * * *", "0 30 2 * * *", "@hourly").
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return utcSchedule{s}, nil
}

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseHHMM parses "HH:MM" (24h clock).
func ParseHHMM(s string) (DailyAt, error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return DailyAt{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return DailyAt{}, fmt.Errorf("invalid time of day %q", s)
	}
	return DailyAt{Hour: h, Minute: mm}, nil
}

// ParseSchedule turns a config string into a trigger.
//
// Supported forms:
//   - Go duration: "1h", "15m" (periodic)
//   - "daily" or "@midnight" (00:00 UTC), "daily 04:30"
//   - anything else is a cron expression, optionally prefixed with "cron:"
func ParseSchedule(raw string) (Kind, cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case s == "":
		return "", nil, fmt.Errorf("schedule required")
	case low == "daily" || low == "@midnight":
		return KindDaily, DailyAt{}, nil
	case strings.HasPrefix(low, "daily "):
		d, err := ParseHHMM(s[len("daily "):])
		if err != nil {
			return "", nil, err
		}
		return KindDaily, d, nil
	case strings.HasPrefix(low, "cron:"):
		c, err := ParseCron(s[len("cron:"):])
		return KindCron, c, err
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", nil, fmt.Errorf("interval must be > 0")
		}
		return KindPeriodic, Every(d), nil
	}
	c, err := ParseCron(s)
	if err != nil {
		return "", nil, err
	}
	return KindCron, c, nil
}

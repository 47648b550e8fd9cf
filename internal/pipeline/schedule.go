package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed cron schedule.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week) or a descriptor such as
// "@daily". Day-of-week accepts both 0 and 7 for Sunday.
func ParseSchedule(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(sundayAsZero(expr))
	if err != nil {
		return Schedule{}, fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// Next returns the first activation strictly after after, in after's
// location.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	next := s.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.New("pipeline: cron " + s.expr + " never fires")
	}
	return next, nil
}

// sundayAsZero rewrites a day-of-week of 7, alone or as a range end, to 0.
func sundayAsZero(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	items := strings.Split(fields[4], ",")
	for i, item := range items {
		switch {
		case item == "7":
			items[i] = "0"
		case strings.HasSuffix(item, "-7") && !strings.Contains(item, "/"):
			items[i] = strings.TrimSuffix(item, "-7") + "-6,0"
		}
	}
	fields[4] = strings.Join(items, ",")
	return strings.Join(fields, " ")
}

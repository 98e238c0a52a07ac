package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/testpulse/errors"
)

// Defaults applied when an expression leaves a part out
const (
	DefaultHour    = 9
	DefaultMinute  = 0
	DefaultWeekday = time.Monday
	DefaultDay     = 1
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// NextRun returns the first occurrence strictly after from, evaluated in loc.
// The result is in loc; callers persist it as UTC.
func NextRun(t Type, expression string, from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	from = from.In(loc)
	expr := strings.TrimSpace(expression)

	switch t {
	case TypeCron:
		if expr == "" {
			return time.Time{}, errors.NewValidationError("cron schedule requires an expression")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, errors.WrapValidation(err, "invalid cron expression "+strconv.Quote(expr))
		}
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}, errors.NewValidationError("cron expression %q never fires", expr)
		}
		return next.In(loc), nil

	case TypeDaily:
		hour, minute, err := parseClock(expr)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, loc)
		if !next.After(from) {
			next = time.Date(from.Year(), from.Month(), from.Day()+1, hour, minute, 0, 0, loc)
		}
		return next, nil

	case TypeWeekly:
		day, clock := splitLead(expr)
		wd := DefaultWeekday
		if day != "" {
			var err error
			if wd, err = parseWeekday(day); err != nil {
				return time.Time{}, err
			}
		}
		hour, minute, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		ahead := (int(wd) - int(from.Weekday()) + 7) % 7
		next := time.Date(from.Year(), from.Month(), from.Day()+ahead, hour, minute, 0, 0, loc)
		if !next.After(from) {
			next = time.Date(from.Year(), from.Month(), from.Day()+ahead+7, hour, minute, 0, 0, loc)
		}
		return next, nil

	case TypeMonthly:
		dayStr, clock := splitLead(expr)
		day := DefaultDay
		if dayStr != "" {
			d, err := strconv.Atoi(dayStr)
			if err != nil || d < 1 || d > 31 {
				return time.Time{}, errors.NewValidationError("monthly day must be 1-31, got %q", dayStr)
			}
			day = d
		}
		hour, minute, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		next := monthlyAt(from.Year(), from.Month(), day, hour, minute, loc)
		if !next.After(from) {
			next = monthlyAt(from.Year(), from.Month()+1, day, hour, minute, loc)
		}
		return next, nil
	}

	return time.Time{}, errors.NewValidationError("unknown schedule type %q", t)
}

// ValidateExpression checks that expression parses for t
func ValidateExpression(t Type, expression string) error {
	_, err := NextRun(t, expression, time.Now(), time.UTC)
	return err
}

// monthlyAt clamps day to the length of the month
func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

// splitLead separates "<lead> HH:MM". A lone token containing ':' is a clock.
func splitLead(expr string) (lead, clock string) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		if strings.Contains(fields[0], ":") {
			return "", fields[0]
		}
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func parseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultHour, DefaultMinute, nil
	}
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.NewValidationError("time must be HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.NewValidationError("hour must be 0-23, got %q", h)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.NewValidationError("minute must be 0-59, got %q", m)
	}
	return hour, minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, errors.NewValidationError("weekday must be 0-6 (Sunday=0), got %d", n)
		}
		return time.Weekday(n), nil
	}
	wd, ok := weekdays[strings.ToLower(s)]
	if !ok {
		return 0, errors.NewValidationError("unknown weekday %q", s)
	}
	return wd, nil
}

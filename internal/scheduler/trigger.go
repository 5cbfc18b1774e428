package scheduler

import (
	"fmt"
	"time"

	pgerr "github.com/koltyakov/pgwarden/internal/errors"
)

// Any matches every value of a trigger field.
const Any = -1

// lookbackDays bounds the search for a previous occurrence.
const lookbackDays = 8 * 366

// Trigger is a minute-granularity schedule. Every field that is not Any must
// equal the corresponding field of the time being matched. There are no
// ranges, lists or steps.
type Trigger struct {
	Minute     int `yaml:"minute"`
	Hour       int `yaml:"hour"`
	DayOfMonth int `yaml:"day_of_month"`
	DayOfWeek  int `yaml:"day_of_week"`
}

// Daily fires every day at hour:minute.
func Daily(hour, minute int) Trigger {
	return Trigger{Minute: minute, Hour: hour, DayOfMonth: Any, DayOfWeek: Any}
}

// Weekly fires on weekday at hour:minute.
func Weekly(weekday time.Weekday, hour, minute int) Trigger {
	return Trigger{Minute: minute, Hour: hour, DayOfMonth: Any, DayOfWeek: int(weekday)}
}

// Monthly fires on day of the month at hour:minute.
func Monthly(day, hour, minute int) Trigger {
	return Trigger{Minute: minute, Hour: hour, DayOfMonth: day, DayOfWeek: Any}
}

// Validate checks field ranges.
func (t Trigger) Validate() error {
	fields := []struct {
		name     string
		v        int
		min, max int
	}{
		{"minute", t.Minute, 0, 59},
		{"hour", t.Hour, 0, 23},
		{"day_of_month", t.DayOfMonth, 1, 31},
		{"day_of_week", t.DayOfWeek, 0, 6},
	}
	for _, f := range fields {
		if f.v != Any && (f.v < f.min || f.v > f.max) {
			return pgerr.NewConfigurationError("trigger."+f.name, fmt.Sprint(f.v), fmt.Sprintf("must be %d-%d or Any", f.min, f.max))
		}
	}
	return nil
}

// Matches reports whether tm falls on a scheduled minute.
func (t Trigger) Matches(tm time.Time) bool {
	return t.matchesDay(tm) && field(t.Hour, tm.Hour()) && field(t.Minute, tm.Minute())
}

func (t Trigger) matchesDay(tm time.Time) bool {
	return field(t.DayOfMonth, tm.Day()) && field(t.DayOfWeek, int(tm.Weekday()))
}

func field(want, got int) bool {
	return want == Any || want == got
}

// Previous returns the latest scheduled minute strictly before the minute
// containing at, or the zero time when there is none within eight years.
func (t Trigger) Previous(at time.Time) time.Time {
	cur := time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), 0, 0, at.Location()).Add(-time.Minute)
	for range lookbackDays {
		if t.matchesDay(cur) {
			if prev, ok := t.lastInDay(cur); ok {
				return prev
			}
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, cur.Location()).Add(-time.Minute)
	}
	return time.Time{}
}

// lastInDay finds the latest matching minute on cur's day at or before cur.
func (t Trigger) lastInDay(cur time.Time) (time.Time, bool) {
	for h := cur.Hour(); h >= 0; h-- {
		if !field(t.Hour, h) {
			continue
		}
		limit := 59
		if h == cur.Hour() {
			limit = cur.Minute()
		}
		m := t.Minute
		if m == Any {
			m = limit
		} else if m > limit {
			continue
		}
		return time.Date(cur.Year(), cur.Month(), cur.Day(), h, m, 0, 0, cur.Location()), true
	}
	return time.Time{}, false
}

// String renders the trigger in cron field order.
func (t Trigger) String() string {
	f := func(v int) string {
		if v == Any {
			return "*"
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%s %s %s * %s", f(t.Minute), f(t.Hour), f(t.DayOfMonth), f(t.DayOfWeek))
}

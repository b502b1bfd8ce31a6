package recurrence

import (
	"fmt"
	"time"

	"github.com/story-agent/internal/models"
)

// Expand materializes the occurrences of a recurrence rule inside the window
// [from, to). It is a stateless function of its inputs: calling it again with the
// same arguments yields the same sequence.
//
// Semantics per frequency:
//   - daily: one occurrence per calendar day at the rule's time of day
//   - weekly: one occurrence per matching weekday; an empty weekday set defaults
//     to the weekday of the rule's anchor date
//   - monthly: one occurrence per month on the anchor's day of month; months
//     without that day (e.g. the 31st) are skipped, not clamped
//
// The rule's end date is an exclusive upper bound and caps the window when it
// falls before `to`.
func Expand(rule models.RecurrenceRule, from, to time.Time) ([]time.Time, error) {
	hour, minute, err := ParseTimeOfDay(rule.TimeOfDay)
	if err != nil {
		return nil, err
	}

	end := to
	if rule.EndDate != nil && rule.EndDate.Before(end) {
		end = *rule.EndDate
	}
	if !from.Before(end) {
		return nil, nil
	}

	loc := from.Location()

	switch rule.Frequency {
	case models.FrequencyDaily:
		return expandByWeekday(from, end, hour, minute, loc, nil), nil

	case models.FrequencyWeekly:
		days := make(map[time.Weekday]bool, len(rule.DaysOfWeek))
		for _, d := range rule.DaysOfWeek {
			days[time.Weekday(d%7)] = true
		}
		if len(days) == 0 {
			days[rule.AnchorAt.Weekday()] = true
		}
		return expandByWeekday(from, end, hour, minute, loc, days), nil

	case models.FrequencyMonthly:
		return expandMonthly(rule.AnchorAt.Day(), from, end, hour, minute, loc), nil

	default:
		return nil, fmt.Errorf("unknown recurrence frequency: %q", rule.Frequency)
	}
}

// ParseTimeOfDay parses a "HH:MM" wall-clock string
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// expandByWeekday walks the window day by day. A nil weekday set means every day.
func expandByWeekday(from, end time.Time, hour, minute int, loc *time.Location, days map[time.Weekday]bool) []time.Time {
	var out []time.Time

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	for {
		t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if !t.Before(end) {
			break
		}
		if !t.Before(from) && (days == nil || days[t.Weekday()]) {
			out = append(out, t)
		}
		day = day.AddDate(0, 0, 1)
	}

	return out
}

func expandMonthly(dayOfMonth int, from, end time.Time, hour, minute int, loc *time.Location) []time.Time {
	var out []time.Time

	month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, loc)
	for month.Before(end) {
		t := time.Date(month.Year(), month.Month(), dayOfMonth, hour, minute, 0, 0, loc)
		// time.Date normalizes an overflowing day into the next month,
		// which is exactly the "skip, don't clamp" case.
		if t.Month() == month.Month() && !t.Before(from) && t.Before(end) {
			out = append(out, t)
		}
		month = month.AddDate(0, 1, 0)
	}

	return out
}

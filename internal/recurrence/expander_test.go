package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/story-agent/internal/models"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestExpandDaily(t *testing.T) {
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyDaily,
		TimeOfDay: "09:00",
		AnchorAt:  date(2025, 6, 1, 0, 0),
	}

	got, err := Expand(rule, date(2025, 6, 1, 0, 0), date(2025, 6, 4, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		date(2025, 6, 1, 9, 0),
		date(2025, 6, 2, 9, 0),
		date(2025, 6, 3, 9, 0),
	}, got)
}

func TestExpandDailySkipsOccurrenceBeforeFrom(t *testing.T) {
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyDaily,
		TimeOfDay: "09:00",
		AnchorAt:  date(2025, 6, 1, 0, 0),
	}

	// Window opens after 09:00 on day one, so that day's occurrence is out.
	got, err := Expand(rule, date(2025, 6, 1, 12, 0), date(2025, 6, 3, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{date(2025, 6, 2, 9, 0)}, got)
}

func TestExpandWeekly(t *testing.T) {
	// June 2 2025 is a Monday.
	rule := models.RecurrenceRule{
		Frequency:  models.FrequencyWeekly,
		DaysOfWeek: models.IntSlice{1, 4}, // Monday, Thursday
		TimeOfDay:  "09:00",
		AnchorAt:   date(2025, 6, 2, 0, 0),
	}

	got, err := Expand(rule, date(2025, 6, 2, 0, 0), date(2025, 6, 16, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		date(2025, 6, 2, 9, 0),  // Mon
		date(2025, 6, 5, 9, 0),  // Thu
		date(2025, 6, 9, 9, 0),  // Mon
		date(2025, 6, 12, 9, 0), // Thu
	}, got)
}

func TestExpandWeeklyDefaultsToAnchorWeekday(t *testing.T) {
	// Anchor on a Wednesday, no explicit weekday set.
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyWeekly,
		TimeOfDay: "18:30",
		AnchorAt:  date(2025, 6, 4, 0, 0),
	}

	got, err := Expand(rule, date(2025, 6, 2, 0, 0), date(2025, 6, 16, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		date(2025, 6, 4, 18, 30),
		date(2025, 6, 11, 18, 30),
	}, got)
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	// Anchored on the 31st: February, April and June have no 31st and get skipped.
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyMonthly,
		TimeOfDay: "10:00",
		AnchorAt:  date(2025, 1, 31, 0, 0),
	}

	got, err := Expand(rule, date(2025, 1, 1, 0, 0), date(2025, 6, 30, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		date(2025, 1, 31, 10, 0),
		date(2025, 3, 31, 10, 0),
		date(2025, 5, 31, 10, 0),
	}, got)
}

func TestExpandEndDateIsExclusive(t *testing.T) {
	endDate := date(2025, 6, 3, 9, 0)
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyDaily,
		TimeOfDay: "09:00",
		AnchorAt:  date(2025, 6, 1, 0, 0),
		EndDate:   &endDate,
	}

	got, err := Expand(rule, date(2025, 6, 1, 0, 0), date(2025, 6, 10, 0, 0))
	require.NoError(t, err)

	// The occurrence exactly at the end date is excluded.
	assert.Equal(t, []time.Time{
		date(2025, 6, 1, 9, 0),
		date(2025, 6, 2, 9, 0),
	}, got)
}

func TestExpandEmptyWindow(t *testing.T) {
	endDate := date(2025, 5, 1, 0, 0)
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyDaily,
		TimeOfDay: "09:00",
		AnchorAt:  date(2025, 4, 1, 0, 0),
		EndDate:   &endDate,
	}

	// End date already behind the window start.
	got, err := Expand(rule, date(2025, 6, 1, 0, 0), date(2025, 6, 10, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandRejectsUnknownFrequency(t *testing.T) {
	rule := models.RecurrenceRule{
		Frequency: "fortnightly",
		TimeOfDay: "09:00",
	}

	_, err := Expand(rule, date(2025, 6, 1, 0, 0), date(2025, 6, 10, 0, 0))
	assert.Error(t, err)
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{"09:00", 9, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"9am", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			hour, minute, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hour, hour)
			assert.Equal(t, tt.minute, minute)
		})
	}
}

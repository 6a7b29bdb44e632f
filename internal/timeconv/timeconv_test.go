/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package timeconv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2030, 1, 10, 10, 0, 0, 0, time.UTC)

func TestDailyToUTCCron_ExplicitOffset(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"behind UTC", "06:30-08:00", "30 14 * * *"},
		{"ahead of UTC", "06:30+02:00", "30 4 * * *"},
		{"half-hour offset", "09:15+05:30", "45 3 * * *"},
		{"zero offset", "23:59+00:00", "59 23 * * *"},
		{"wraps past midnight", "23:30-03:00", "30 2 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DailyToUTCCron(tt.input, testNow, time.UTC)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDailyToUTCCron_LocalZone(t *testing.T) {
	denver, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)

	// January: Denver is UTC-7.
	got, err := DailyToUTCCron("06:30", testNow, denver)
	require.NoError(t, err)
	assert.Equal(t, "30 13 * * *", got)

	// July: Denver is UTC-6.
	july := time.Date(2030, 7, 10, 10, 0, 0, 0, time.UTC)
	got, err = DailyToUTCCron("06:30", july, denver)
	require.NoError(t, err)
	assert.Equal(t, "30 12 * * *", got)
}

func TestDailyToUTCCron_NonexistentDSTTime(t *testing.T) {
	denver, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)

	// 2030-03-10 02:30 does not exist in Denver; the spring-forward jump
	// runs 02:00→03:00. The post-transition interpretation wins, never a
	// silent drop.
	springForward := time.Date(2030, 3, 10, 1, 0, 0, 0, denver)
	got, err := DailyToUTCCron("02:30", springForward, denver)
	require.NoError(t, err)
	assert.Equal(t, "30 9 * * *", got) // 03:30 MDT = 09:30 UTC
}

func TestDailyToUTCCron_Invalid(t *testing.T) {
	for _, input := range []string{"24:00", "12:60", "6:30", "06:30-99:00", "junk"} {
		t.Run(input, func(t *testing.T) {
			_, err := DailyToUTCCron(input, testNow, time.UTC)
			assert.ErrorIs(t, err, ErrInvalidScheduleTime)
		})
	}
}

func TestParseInstant_Future(t *testing.T) {
	instant, err := ParseInstant("2030-01-15T06:30:00Z", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 15, 6, 30, 0, 0, time.UTC), instant.UTC())
}

func TestParseInstant_Past(t *testing.T) {
	_, err := ParseInstant("2020-01-01T00:00:00Z", testNow)
	require.ErrorIs(t, err, ErrInvalidScheduleTime)
	assert.Contains(t, err.Error(), "past")
}

func TestParseInstant_ExactlyNow(t *testing.T) {
	_, err := ParseInstant(testNow.Format(time.RFC3339), testNow)
	assert.ErrorIs(t, err, ErrInvalidScheduleTime)
}

func TestInstantToUTCCron(t *testing.T) {
	instant := time.Date(2030, 1, 15, 6, 30, 0, 0, time.UTC)
	assert.Equal(t, "30 6 15 1 *", InstantToUTCCron(instant))

	// Non-UTC instants are converted before encoding.
	offset := time.Date(2030, 6, 1, 22, 45, 0, 0, time.FixedZone("-0400", -4*3600))
	assert.Equal(t, "45 2 2 6 *", InstantToUTCCron(offset))
}

func TestLocalToUTCCron_Dispatch(t *testing.T) {
	got, err := LocalToUTCCron("06:30-08:00", testNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "30 14 * * *", got)

	got, err = LocalToUTCCron("2030-01-15T06:30:00Z", testNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "30 6 15 1 *", got)

	_, err = LocalToUTCCron("2020-01-01T00:00:00Z", testNow, time.UTC)
	assert.ErrorIs(t, err, ErrInvalidScheduleTime)
}

func TestLocalToUTCCron_Idempotent(t *testing.T) {
	// Converting the same input twice at the same anchor time yields the
	// same expression.
	first, err := LocalToUTCCron("06:30", testNow, time.UTC)
	require.NoError(t, err)
	second, err := LocalToUTCCron("06:30", testNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("30 14 * * *", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 10, 14, 30, 0, 0, time.UTC), next)

	next, err = NextRun("30 6 15 1 *", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 15, 6, 30, 0, 0, time.UTC), next)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("30 14 * * *"))
	assert.Error(t, Validate("not a cron"))
	assert.Error(t, Validate("61 14 * * *"))
}

func TestShiftWallClock(t *testing.T) {
	tests := []struct {
		input string
		delta time.Duration
		want  string
	}{
		{"06:30", -90 * time.Minute, "05:00"},
		{"06:30", 45 * time.Minute, "07:15"},
		{"00:20", -30 * time.Minute, "23:50"},
		{"23:45", 30 * time.Minute, "00:15"},
		{"06:30-08:00", -60 * time.Minute, "05:30-08:00"},
		{"06:30+05:30", 15 * time.Minute, "06:45+05:30"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ShiftWallClock(tt.input, tt.delta)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ShiftWallClock("2030-01-15T06:30:00Z", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidScheduleTime)
}

func TestIsDaily(t *testing.T) {
	assert.True(t, IsDaily("06:30"))
	assert.True(t, IsDaily("06:30-08:00"))
	assert.False(t, IsDaily("2030-01-15T06:30:00Z"))
}

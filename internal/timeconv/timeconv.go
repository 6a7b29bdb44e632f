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

// Package timeconv converts user-facing schedule inputs into 5-field UTC
// cron expressions. The host crontab runs in UTC; users speak local wall
// clock. Three input shapes are accepted:
//
//	"HH:MM"        daily, interpreted in the configured local timezone
//	"HH:MM±HH:MM"  daily, interpreted in the explicit offset
//	RFC 3339       a one-off instant, interpreted literally
package timeconv

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidScheduleTime covers malformed inputs and one-off instants that
// are not strictly in the future.
var ErrInvalidScheduleTime = errors.New("invalid schedule time")

var (
	dailyRe  = regexp.MustCompile(`^(\d{2}):(\d{2})$`)
	offsetRe = regexp.MustCompile(`^(\d{2}):(\d{2})([+-])(\d{2}):(\d{2})$`)
)

// cronParser validates the expressions we emit. Standard 5-field POSIX.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LocalToUTCCron converts input to a 5-field UTC cron expression. Daily
// inputs produce a "* * *" tail; instants additionally pin day-of-month and
// month (day-of-week stays "*"). now anchors both the past check for
// instants and the DST offset resolution for daily times.
func LocalToUTCCron(input string, now time.Time, loc *time.Location) (string, error) {
	if dailyRe.MatchString(input) || offsetRe.MatchString(input) {
		return DailyToUTCCron(input, now, loc)
	}
	instant, err := ParseInstant(input, now)
	if err != nil {
		return "", err
	}
	return InstantToUTCCron(instant), nil
}

// DailyToUTCCron converts a recurring "HH:MM" or "HH:MM±HH:MM" to a daily
// UTC cron. Daily inputs are never rejected for being in the past: the next
// occurrence is implicit.
func DailyToUTCCron(input string, now time.Time, loc *time.Location) (string, error) {
	hour, minute, zone, err := parseWallClock(input, loc)
	if err != nil {
		return "", err
	}

	// Resolve the wall-clock time on today's date in the source zone, then
	// read the UTC components. time.Date resolves a nonexistent DST time to
	// the wall clock before the gap; it is moved forward across the gap so
	// the post-transition interpretation wins.
	local := time.Date(now.In(zone).Year(), now.In(zone).Month(), now.In(zone).Day(), hour, minute, 0, 0, zone)
	if got := local.Hour()*60 + local.Minute(); got != hour*60+minute {
		const day = 24 * 60
		gap := ((hour*60+minute-got)%day + day) % day
		local = local.Add(time.Duration(gap) * time.Minute)
	}
	utc := local.UTC()

	expr := fmt.Sprintf("%d %d * * *", utc.Minute(), utc.Hour())
	if _, err := cronParser.Parse(expr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidScheduleTime, err)
	}
	return expr, nil
}

// ParseInstant parses an RFC 3339 instant and rejects anything not strictly
// after now.
func ParseInstant(input string, now time.Time) (time.Time, error) {
	instant, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not HH:MM, HH:MM±HH:MM, or RFC 3339", ErrInvalidScheduleTime, input)
	}
	if !instant.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s is in the past", ErrInvalidScheduleTime, input)
	}
	return instant, nil
}

// InstantToUTCCron encodes the exact minute, hour, day-of-month and month of
// the instant as a UTC cron expression.
func InstantToUTCCron(instant time.Time) string {
	utc := instant.UTC()
	return fmt.Sprintf("%d %d %d %d *", utc.Minute(), utc.Hour(), utc.Day(), int(utc.Month()))
}

// NextRun returns the first firing of a UTC cron expression after the given
// time.
func NextRun(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron %q: %w", cronExpr, err)
	}
	return sched.Next(after.UTC()), nil
}

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	return nil
}

// IsDaily reports whether input has one of the recurring wall-clock shapes.
func IsDaily(input string) bool {
	return dailyRe.MatchString(input) || offsetRe.MatchString(input)
}

// ShiftWallClock moves a daily input by delta, preserving its shape: a plain
// "HH:MM" stays plain, an explicit-offset input keeps its offset suffix.
// Results wrap around midnight.
func ShiftWallClock(input string, delta time.Duration) (string, error) {
	suffix := ""
	base := input
	if m := offsetRe.FindStringSubmatch(input); m != nil {
		base = m[1] + ":" + m[2]
		suffix = m[3] + m[4] + ":" + m[5]
	} else if !dailyRe.MatchString(input) {
		return "", fmt.Errorf("%w: %q is not HH:MM or HH:MM±HH:MM", ErrInvalidScheduleTime, input)
	}

	m := dailyRe.FindStringSubmatch(base)
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", fmt.Errorf("%w: %q is not a valid wall-clock time", ErrInvalidScheduleTime, input)
	}

	total := hour*60 + minute + int(delta.Minutes())
	const day = 24 * 60
	total = ((total % day) + day) % day
	return fmt.Sprintf("%02d:%02d%s", total/60, total%60, suffix), nil
}

func parseWallClock(input string, loc *time.Location) (hour, minute int, zone *time.Location, err error) {
	if m := dailyRe.FindStringSubmatch(input); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		zone = loc
	} else if m := offsetRe.FindStringSubmatch(input); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		offH, _ := strconv.Atoi(m[4])
		offM, _ := strconv.Atoi(m[5])
		secs := (offH*60 + offM) * 60
		if m[3] == "-" {
			secs = -secs
		}
		zone = time.FixedZone(m[3]+m[4]+":"+m[5], secs)
		if offH > 14 || offM > 59 {
			return 0, 0, nil, fmt.Errorf("%w: offset %q out of range", ErrInvalidScheduleTime, input)
		}
	} else {
		return 0, 0, nil, fmt.Errorf("%w: %q is not HH:MM or HH:MM±HH:MM", ErrInvalidScheduleTime, input)
	}

	if hour > 23 || minute > 59 {
		return 0, 0, nil, fmt.Errorf("%w: %q is not a valid wall-clock time", ErrInvalidScheduleTime, input)
	}
	return hour, minute, zone, nil
}

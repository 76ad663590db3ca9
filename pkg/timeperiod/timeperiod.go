// Package timeperiod resolves named reporting periods into concrete
// UTC day-boundary ranges.
//
// Calendar policy: periods are calendar-based in UTC. Weeks start on
// Monday. Quarters begin in January, April, July and October.
// "last_quarter" is the previous calendar quarter, not a rolling 90
// days. Rolling periods use the last_N_days/months/years forms and end
// at today 00:00 UTC exclusive.
package timeperiod

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var rollingPattern = regexp.MustCompile(`^last_(\d+)_(days?|weeks?|months?|years?)$`)

// Resolve converts a named period into a half-open [start, end) range.
func Resolve(period string, now time.Time) (start, end time.Time, err error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	switch strings.ToLower(strings.TrimSpace(period)) {
	case "today":
		return today, tomorrow, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), today, nil
	case "this_week":
		return weekStart(today), tomorrow, nil
	case "last_week":
		ws := weekStart(today)
		return ws.AddDate(0, 0, -7), ws, nil
	case "this_month":
		return monthStart(today), tomorrow, nil
	case "last_month":
		ms := monthStart(today)
		return ms.AddDate(0, -1, 0), ms, nil
	case "this_quarter":
		return quarterStart(today), tomorrow, nil
	case "last_quarter":
		qs := quarterStart(today)
		return qs.AddDate(0, -3, 0), qs, nil
	case "this_year":
		return yearStart(today), tomorrow, nil
	case "last_year":
		ys := yearStart(today)
		return ys.AddDate(-1, 0, 0), ys, nil
	}

	if m := rollingPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(period))); m != nil {
		n, convErr := strconv.Atoi(m[1])
		if convErr != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid period count in %q", period)
		}
		switch strings.TrimSuffix(m[2], "s") {
		case "day":
			return today.AddDate(0, 0, -n), today, nil
		case "week":
			return today.AddDate(0, 0, -7*n), today, nil
		case "month":
			return today.AddDate(0, -n, 0), today, nil
		case "year":
			return today.AddDate(-n, 0, 0), today, nil
		}
	}

	return time.Time{}, time.Time{}, fmt.Errorf("unknown time period %q", period)
}

// Known reports whether period resolves without error.
func Known(period string) bool {
	_, _, err := Resolve(period, time.Now())
	return err == nil
}

// Names lists the fixed named periods, for prompts and error hints.
// Rolling last_N_* forms are open-ended and not enumerated.
func Names() []string {
	return []string{
		"today", "yesterday",
		"this_week", "last_week",
		"this_month", "last_month",
		"this_quarter", "last_quarter",
		"this_year", "last_year",
		"last_N_days", "last_N_months",
	}
}

func weekStart(day time.Time) time.Time {
	// Monday-based week.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func quarterStart(day time.Time) time.Time {
	qMonth := time.Month(((int(day.Month())-1)/3)*3 + 1)
	return time.Date(day.Year(), qMonth, 1, 0, 0, 0, 0, time.UTC)
}

func yearStart(day time.Time) time.Time {
	return time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

package scheduler

import (
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/objectfs/datacache/pkg/errors"
)

const (
	fieldMinute = iota
	fieldHour
	fieldDayOfMonth
	fieldMonth
	fieldDayOfWeek
	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day of month", "month", "day of week"}

var fieldBounds = [fieldCount][2]int{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 6},
}

// maxWindow caps how far back a match is searched.
const maxWindow = 366 * 24 * time.Hour

// Schedule is a parsed eviction schedule: either five cron fields or an
// every-N-minutes interval anchored at the minute it was parsed.
type Schedule struct {
	source string

	// fields holds the accepted values per field; nil is a wildcard
	fields [fieldCount][]int

	interval int
	anchor   time.Time
}

// ParseSchedule parses "m h dom mon dow" or "+N". Each cron field is "*"
// or a comma separated list of integers.
func ParseSchedule(spec string, now time.Time) (*Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, invalidSchedule(spec, "schedule is empty")
	}

	if strings.HasPrefix(spec, "+") {
		n, err := strconv.Atoi(strings.TrimSpace(spec[1:]))
		if err != nil || n < 1 {
			return nil, invalidSchedule(spec, "interval must be a positive number of minutes")
		}
		return &Schedule{
			source:   spec,
			interval: n,
			anchor:   now.Truncate(time.Minute),
		}, nil
	}

	parts := strings.Fields(spec)
	if len(parts) != fieldCount {
		return nil, invalidSchedule(spec, "expected 5 fields, got "+strconv.Itoa(len(parts)))
	}

	s := &Schedule{source: spec}
	for i, part := range parts {
		values, err := parseField(part, i)
		if err != nil {
			return nil, invalidSchedule(spec, err.Error())
		}
		s.fields[i] = values
	}
	return s, nil
}

func parseField(part string, field int) ([]int, error) {
	if part == "*" {
		return nil, nil
	}

	lo, hi := fieldBounds[field][0], fieldBounds[field][1]
	seen := make(map[int]bool)
	var values []int
	for _, tok := range strings.Split(part, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, errors.Newf(errors.ErrCodeInvalidSchedule, "%s field: %q is not a number", fieldNames[field], tok)
		}
		if v < lo || v > hi {
			return nil, errors.Newf(errors.ErrCodeInvalidSchedule, "%s field: %d outside %d-%d", fieldNames[field], v, lo, hi)
		}
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Ints(values)
	return values, nil
}

func invalidSchedule(spec, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidSchedule, "invalid eviction schedule "+strconv.Quote(spec)+": "+reason).
		WithComponent("scheduler").
		WithOperation("parse")
}

// String returns the schedule as written
func (s *Schedule) String() string {
	return s.source
}

// IsInterval reports whether the schedule is of the +N form
func (s *Schedule) IsInterval() bool {
	return s.interval > 0
}

// Matches reports whether a whole minute t with last < t <= now matches.
func (s *Schedule) Matches(last, now time.Time) bool {
	start := last.Truncate(time.Minute).Add(time.Minute)
	end := now.Truncate(time.Minute)
	if start.After(end) {
		return false
	}
	if end.Sub(start) > maxWindow {
		start = end.Add(-maxWindow)
	}

	if s.interval > 0 {
		return s.matchesInterval(start, end)
	}

	loc := now.Location()
	start, end = start.In(loc), end.In(loc)
	for day := dayOf(start); !day.After(end); day = day.AddDate(0, 0, 1) {
		if !s.dayMatches(day) {
			continue
		}
		for hm := range cross(s.values(fieldHour), s.values(fieldMinute)) {
			t := time.Date(day.Year(), day.Month(), day.Day(), hm[0], hm[1], 0, 0, loc)
			if !t.Before(start) && !t.After(end) {
				return true
			}
		}
	}
	return false
}

func (s *Schedule) matchesInterval(start, end time.Time) bool {
	n := int64(s.interval)
	diff := int64(start.Sub(s.anchor) / time.Minute)
	rem := ((diff % n) + n) % n
	next := start
	if rem != 0 {
		next = start.Add(time.Duration(n-rem) * time.Minute)
	}
	return !next.After(end)
}

func (s *Schedule) dayMatches(day time.Time) bool {
	return contains(s.fields[fieldMonth], int(day.Month())) &&
		contains(s.fields[fieldDayOfMonth], day.Day()) &&
		contains(s.fields[fieldDayOfWeek], int(day.Weekday()))
}

// values returns the explicit values of a field, or its whole range for a wildcard.
func (s *Schedule) values(field int) []int {
	if s.fields[field] != nil {
		return s.fields[field]
	}
	lo, hi := fieldBounds[field][0], fieldBounds[field][1]
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}

func contains(values []int, v int) bool {
	if values == nil {
		return true
	}
	i := sort.SearchInts(values, v)
	return i < len(values) && values[i] == v
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// cross yields every combination of the value sets, the first set varying slowest.
func cross(sets ...[]int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if len(sets) == 0 {
			return
		}
		for _, set := range sets {
			if len(set) == 0 {
				return
			}
		}
		idx := make([]int, len(sets))
		for {
			combo := make([]int, len(sets))
			for i, set := range sets {
				combo[i] = set[idx[i]]
			}
			if !yield(combo) {
				return
			}
			i := len(sets) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(sets[i]) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

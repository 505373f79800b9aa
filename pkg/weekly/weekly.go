// Package weekly models recurring weekly time-windows.
//
// All points in time are expressed as minutes since Monday 00:00, in the
// range [0, MinutesInWeek). A timespan crossing the week boundary is split
// on ingestion so every stored interval lies within a single week.
package weekly

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// MinutesInWeek is the whole week duration, in minutes.
const MinutesInWeek = 7 * 24 * 60

// Window is a continuous timespan within a single week.
type Window struct {
	// Day is the number of days from Monday, in [0, 6].
	Day int
	// Hour and Minute are the wall-clock start, 24h format.
	Hour   int
	Minute int
	// Length is the window length, in minutes.
	Length int
}

// ParseTimespan validates a timespan and splits it into windows, none of
// which crosses the week boundary. The result has one or two entries.
func ParseTimespan(day, hour, minute, lengthMinutes int) ([]Window, error) {
	if day < 0 || day > 6 {
		return nil, errors.Errorf("invalid week day index: %d", day)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, errors.Errorf("invalid start time: %02d:%02d", hour, minute)
	}
	if lengthMinutes <= 0 {
		return nil, errors.New("zero-length window")
	}
	if lengthMinutes > MinutesInWeek {
		return nil, errors.New("window longer than a week")
	}

	start := day*24*60 + hour*60 + minute
	end := start + lengthMinutes

	win := Window{Day: day, Hour: hour, Minute: minute, Length: lengthMinutes}
	if end <= MinutesInWeek {
		return []Window{win}, nil
	}

	// Chop at the week boundary, wrapping the remainder back to Monday 00:00.
	win.Length = MinutesInWeek - start
	wrapped := Window{Day: 0, Hour: 0, Minute: 0, Length: end - MinutesInWeek}
	return []Window{win, wrapped}, nil
}

// StartMinute is the window start, in minutes since Monday 00:00.
func (w Window) StartMinute() int {
	return w.Day*24*60 + w.Hour*60 + w.Minute
}

// interval is half-open: [start, end).
type interval struct {
	start int
	end   int
}

// Calendar is an immutable set of weekly windows supporting point queries
// and "next start after" queries in logarithmic time.
type Calendar struct {
	// Coalesced intervals, sorted by start, pairwise disjoint.
	intervals []interval
}

// NewCalendar builds a calendar from windows, coalescing overlaps.
func NewCalendar(windows []Window) *Calendar {
	raw := make([]interval, 0, len(windows))
	for _, w := range windows {
		raw = append(raw, interval{start: w.StartMinute(), end: w.StartMinute() + w.Length})
	}
	sort.Slice(raw, func(i, j int) bool {
		if raw[i].start != raw[j].start {
			return raw[i].start < raw[j].start
		}
		return raw[i].end < raw[j].end
	})

	coalesced := make([]interval, 0, len(raw))
	for _, iv := range raw {
		n := len(coalesced)
		if n > 0 && iv.start <= coalesced[n-1].end {
			if iv.end > coalesced[n-1].end {
				coalesced[n-1].end = iv.end
			}
			continue
		}
		coalesced = append(coalesced, iv)
	}

	return &Calendar{intervals: coalesced}
}

// IsEmpty reports whether the calendar has no windows.
func (c *Calendar) IsEmpty() bool {
	return len(c.intervals) == 0
}

// LengthMinutes is the measured length of the calendar, in minutes.
// Overlapping configured windows are only counted once.
func (c *Calendar) LengthMinutes() int {
	total := 0
	for _, iv := range c.intervals {
		total += iv.end - iv.start
	}
	return total
}

// Contains reports whether the weekly minute m falls inside any window.
func (c *Calendar) Contains(m int) bool {
	// Rightmost interval starting at or before m.
	idx := sort.Search(len(c.intervals), func(i int) bool {
		return c.intervals[i].start > m
	})
	if idx == 0 {
		return false
	}
	return m < c.intervals[idx-1].end
}

// NextStartAfter returns the first window start strictly after m, wrapping
// to the following week when none remains in the current one. The second
// return is false when the calendar is empty.
func (c *Calendar) NextStartAfter(m int) (int, bool) {
	if c.IsEmpty() {
		return 0, false
	}
	idx := sort.Search(len(c.intervals), func(i int) bool {
		return c.intervals[i].start > m
	})
	if idx < len(c.intervals) {
		return c.intervals[idx].start, true
	}
	return c.intervals[0].start + MinutesInWeek, true
}

// Remaining returns the duration from minute m until the next window. It is
// zero when m is already inside a window, and false when no window exists.
func (c *Calendar) Remaining(m int) (time.Duration, bool) {
	if c.IsEmpty() {
		return 0, false
	}
	if c.Contains(m) {
		return 0, true
	}
	next, _ := c.NextStartAfter(m)
	return time.Duration(next-m) * time.Minute, true
}

// MinuteOfWeek reduces a point in time to minutes since Monday 00:00, in
// the time's own location.
func MinuteOfWeek(t time.Time) int {
	daysFromMonday := (int(t.Weekday()) + 6) % 7
	return daysFromMonday*24*60 + t.Hour()*60 + t.Minute()
}

// FormatMinute renders a weekly minute in human terms, e.g. "Wed 01:00".
func FormatMinute(m int) string {
	m %= MinutesInWeek
	day := m / (24 * 60)
	rest := m % (24 * 60)
	return fmt.Sprintf("%s %02d:%02d", dayAbbrev[day], rest/60, rest%60)
}

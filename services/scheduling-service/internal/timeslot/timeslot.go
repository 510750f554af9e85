// Package timeslot holds the minute-of-day primitives shared by the
// scheduling core. All interval math runs on integer minutes since midnight
// so availability and conflict checks stay deterministic regardless of the
// host timezone; conversion to "HH:MM" strings happens only at the API
// boundary.
package timeslot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const MinutesPerDay = 24 * 60

// ParseClock converts a 24-hour "HH:MM" string to minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM". 24:00 is accepted
// as the exclusive end of a full-day range.
func FormatClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes > MinutesPerDay {
		minutes = MinutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Range is a half-open [Start, End) interval in minutes since midnight.
type Range struct {
	Start int
	End   int
}

func (r Range) Valid() bool {
	return r.Start < r.End && r.Start >= 0 && r.End <= MinutesPerDay
}

func (r Range) Duration() int {
	return r.End - r.Start
}

// Overlaps reports whether two half-open ranges intersect:
// r.Start < other.End && other.Start < r.End.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Contains reports whether minute falls inside the half-open range.
func (r Range) Contains(minute int) bool {
	return minute >= r.Start && minute < r.End
}

// Covers reports whether other lies entirely within r.
func (r Range) Covers(other Range) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Merge sorts ranges by start and coalesces overlapping or touching ones.
// Invalid (empty or inverted) ranges are dropped. The input is not modified.
func Merge(ranges []Range) []Range {
	valid := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Start < r.End {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })

	merged := []Range{valid[0]}
	for _, r := range valid[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

package model

import (
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// ClockUnset marks an absent optional clock field (e.g. no break that day).
const ClockUnset = -1

// Override is an explicit sub-range carved out of (or added back into) a
// day's working hours. An override covering a point in time wins over the
// working-hours/break defaults.
type Override struct {
	Range     timeslot.Range
	Available bool
	Reason    string
}

// AvailabilityWindow is the per-(resource, date) availability record. The
// store enforces at most one window per (business, resource, date).
type AvailabilityWindow struct {
	BusinessID string
	ResourceID string
	Date       string

	IsDayOff   bool
	WorkStart  int
	WorkEnd    int
	BreakStart int // ClockUnset when the day has no break
	BreakEnd   int

	Overrides     []Override
	MaxConcurrent int
}

// HasBreak reports whether the window carries a valid break range.
func (w AvailabilityWindow) HasBreak() bool {
	return w.BreakStart != ClockUnset && w.BreakEnd != ClockUnset && w.BreakStart < w.BreakEnd
}

// WorkRange returns the working-hours interval.
func (w AvailabilityWindow) WorkRange() timeslot.Range {
	return timeslot.Range{Start: w.WorkStart, End: w.WorkEnd}
}

// BreakRange returns the break interval; only meaningful when HasBreak.
func (w AvailabilityWindow) BreakRange() timeslot.Range {
	return timeslot.Range{Start: w.BreakStart, End: w.BreakEnd}
}

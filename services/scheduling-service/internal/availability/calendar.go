// Package availability computes open time slots and point-in-time
// availability from a per-(resource, date) window and the day's booked
// intervals. Everything here is a pure function over minute intervals; the
// caller fetches the window and bookings.
package availability

import (
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

const DefaultStepMinutes = 30

// FreeSlots returns candidate booking slots of durationMinutes within the
// window's working hours, with starts aligned to work-hours start at
// stepMinutes granularity. Occupied time is the union of the break, the
// supplied busy intervals, and unavailable overrides.
func FreeSlots(win model.AvailabilityWindow, durationMinutes, stepMinutes int, busy []timeslot.Range) []timeslot.Range {
	if win.IsDayOff || durationMinutes <= 0 {
		return nil
	}
	if stepMinutes <= 0 {
		stepMinutes = DefaultStepMinutes
	}
	work := win.WorkRange()
	if !work.Valid() {
		return nil
	}

	occupied := make([]timeslot.Range, 0, len(busy)+len(win.Overrides)+1)
	if win.HasBreak() {
		occupied = append(occupied, win.BreakRange())
	}
	occupied = append(occupied, busy...)
	for _, o := range win.Overrides {
		if !o.Available {
			occupied = append(occupied, o.Range)
		}
	}
	occupied = timeslot.Merge(occupied)

	var slots []timeslot.Range
	for start := work.Start; start+durationMinutes <= work.End; start += stepMinutes {
		candidate := timeslot.Range{Start: start, End: start + durationMinutes}
		if overlapsAny(candidate, occupied) {
			continue
		}
		slots = append(slots, candidate)
	}
	return slots
}

// AvailableAt reports whether the resource is bookable at the given minute.
// Priority: day off, then a covering override (its flag wins either way),
// then working hours minus break.
func AvailableAt(win model.AvailabilityWindow, minute int) bool {
	if win.IsDayOff {
		return false
	}
	for _, o := range win.Overrides {
		if o.Range.Contains(minute) {
			return o.Available
		}
	}
	if !win.WorkRange().Contains(minute) {
		return false
	}
	if win.HasBreak() && win.BreakRange().Contains(minute) {
		return false
	}
	return true
}

// AvailableFor reports whether every minute of the half-open range is
// bookable, and if not, a short reason. Unavailable overrides win over
// everything; available overrides win over the break and may extend beyond
// working hours.
func AvailableFor(win model.AvailabilityWindow, r timeslot.Range) (bool, string) {
	if win.IsDayOff {
		return false, "day off"
	}
	for _, o := range win.Overrides {
		if !o.Available && o.Range.Overlaps(r) {
			if o.Reason != "" {
				return false, o.Reason
			}
			return false, "blocked"
		}
	}
	if coveredByOpenRanges(win, r) {
		return true, ""
	}
	if win.HasBreak() && win.BreakRange().Overlaps(r) {
		return false, "break"
	}
	return false, "outside working hours"
}

// coveredByOpenRanges merges working hours (minus break) with available
// overrides and checks containment.
func coveredByOpenRanges(win model.AvailabilityWindow, r timeslot.Range) bool {
	var open []timeslot.Range
	work := win.WorkRange()
	if work.Valid() {
		if win.HasBreak() {
			br := win.BreakRange()
			if br.Start > work.Start {
				open = append(open, timeslot.Range{Start: work.Start, End: min(br.Start, work.End)})
			}
			if br.End < work.End {
				open = append(open, timeslot.Range{Start: max(br.End, work.Start), End: work.End})
			}
		} else {
			open = append(open, work)
		}
	}
	for _, o := range win.Overrides {
		if o.Available {
			open = append(open, o.Range)
		}
	}
	for _, merged := range timeslot.Merge(open) {
		if merged.Covers(r) {
			return true
		}
	}
	return false
}

func overlapsAny(r timeslot.Range, occupied []timeslot.Range) bool {
	for _, o := range occupied {
		if r.Overlaps(o) {
			return true
		}
	}
	return false
}

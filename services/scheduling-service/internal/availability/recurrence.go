package availability

import (
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
)

// Template describes a resource's recurring weekly availability. Expand
// materializes it into concrete per-date windows up front so conflict and
// slot checks never unfold a recurrence rule at query time.
type Template struct {
	BusinessID string
	ResourceID string

	WorkStart  int
	WorkEnd    int
	BreakStart int // model.ClockUnset when no break
	BreakEnd   int

	// DaysOff holds weekdays with no availability (e.g. time.Sunday).
	DaysOff       map[time.Weekday]bool
	MaxConcurrent int
}

// Expand materializes one AvailabilityWindow per date in [from, to]
// inclusive, skipping dates present in skip ("YYYY-MM-DD"). Weekdays in
// DaysOff produce an explicit day-off window rather than no record, so the
// missing-window policy never applies to templated dates.
func Expand(tpl Template, from, to time.Time, skip map[string]bool) []model.AvailabilityWindow {
	if to.Before(from) {
		return nil
	}
	var windows []model.AvailabilityWindow
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		date := day.Format("2006-01-02")
		if skip[date] {
			continue
		}
		win := model.AvailabilityWindow{
			BusinessID:    tpl.BusinessID,
			ResourceID:    tpl.ResourceID,
			Date:          date,
			WorkStart:     tpl.WorkStart,
			WorkEnd:       tpl.WorkEnd,
			BreakStart:    tpl.BreakStart,
			BreakEnd:      tpl.BreakEnd,
			MaxConcurrent: tpl.MaxConcurrent,
		}
		if tpl.DaysOff[day.Weekday()] {
			win.IsDayOff = true
		}
		windows = append(windows, win)
	}
	return windows
}

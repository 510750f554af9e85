package model

import (
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// Addon is an extra booked on top of a service line.
type Addon struct {
	Name            string
	Price           float64
	DurationMinutes int
}

// ServiceLine is one booked unit of work within an appointment. The resource
// delivering it may differ per line (multi-staff appointments).
type ServiceLine struct {
	ServiceID       string
	ResourceID      string
	Name            string
	Price           float64
	DurationMinutes int
	Addons          []Addon
	Consumable      bool
}

// Reschedule is one audit entry appended when an appointment is moved.
type Reschedule struct {
	FromDate string
	FromTime string
	ToDate   string
	ToTime   string
	Reason   string
	Actor    string
	At       time.Time
}

// Appointment is the aggregate owned by the scheduling core. Times are
// minutes since midnight on Date ("YYYY-MM-DD", tenant-local).
type Appointment struct {
	ID           string
	BusinessID   string
	CustomerID   string
	Date         string
	StartMinutes int
	EndMinutes   int
	Status       Status

	Lines []ServiceLine

	Subtotal             float64
	DiscountAmount       float64
	Tax                  float64
	Total                float64
	TotalDurationMinutes int

	RescheduleHistory []Reschedule

	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// Range returns the appointment's occupied interval.
func (a *Appointment) Range() timeslot.Range {
	return timeslot.Range{Start: a.StartMinutes, End: a.EndMinutes}
}

// Resources returns the distinct resource ids touched by the appointment's
// service lines, in first-seen order.
func (a *Appointment) Resources() []string {
	seen := make(map[string]struct{}, len(a.Lines))
	var out []string
	for _, l := range a.Lines {
		if l.ResourceID == "" {
			continue
		}
		if _, ok := seen[l.ResourceID]; ok {
			continue
		}
		seen[l.ResourceID] = struct{}{}
		out = append(out, l.ResourceID)
	}
	return out
}

// StartsAt combines Date and StartMinutes into a wall-clock instant in the
// tenant's location, for policy window math.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", a.Date, loc)
	if err != nil {
		return time.Time{}, err
	}
	return day.Add(time.Duration(a.StartMinutes) * time.Minute), nil
}

// Package policy validates booking, cancellation, and reschedule requests
// against the tenant's advance-window and cutoff rules. Every predicate
// takes the caller's clock so the rules stay deterministic under test.
package policy

import (
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
)

// Rules holds the booking-policy windows. Zero MaxAdvance disables the
// upper bound.
type Rules struct {
	MinAdvance       time.Duration
	MaxAdvance       time.Duration
	CancelCutoff     time.Duration
	RescheduleCutoff time.Duration
}

// DefaultRules mirrors the configuration defaults: book between 2 hours and
// 90 days out, cancel up to 2 hours before, reschedule up to 4 hours before.
func DefaultRules() Rules {
	return Rules{
		MinAdvance:       2 * time.Hour,
		MaxAdvance:       90 * 24 * time.Hour,
		CancelCutoff:     2 * time.Hour,
		RescheduleCutoff: 4 * time.Hour,
	}
}

// ValidateNewBooking checks that requested falls inside the allowed booking
// window relative to now.
func (r Rules) ValidateNewBooking(requested, now time.Time) error {
	lead := requested.Sub(now)
	if lead < r.MinAdvance {
		return apperr.Policy("bookings require at least %s advance notice", r.MinAdvance)
	}
	if r.MaxAdvance > 0 && lead > r.MaxAdvance {
		return apperr.Policy("bookings may be made at most %s in advance", r.MaxAdvance)
	}
	return nil
}

// CanCancel reports whether the appointment may still be cancelled at now.
// Only scheduled and confirmed appointments are cancellable.
func (r Rules) CanCancel(appt *model.Appointment, now time.Time, loc *time.Location) bool {
	return r.withinCutoff(appt, now, loc, r.CancelCutoff)
}

// CanReschedule is the same predicate with the (typically stricter)
// reschedule cutoff.
func (r Rules) CanReschedule(appt *model.Appointment, now time.Time, loc *time.Location) bool {
	return r.withinCutoff(appt, now, loc, r.RescheduleCutoff)
}

func (r Rules) withinCutoff(appt *model.Appointment, now time.Time, loc *time.Location, cutoff time.Duration) bool {
	switch appt.Status {
	case model.StatusScheduled, model.StatusConfirmed:
	default:
		return false
	}
	startsAt, err := appt.StartsAt(loc)
	if err != nil {
		return false
	}
	return startsAt.Sub(now) >= cutoff
}

// Package conflict finds active appointments overlapping a requested time
// range for a resource. An empty result guarantees no active overlap exists
// for that resource on that date.
package conflict

import (
	"context"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// Store lists appointments that touch a resource on a date. Implementations
// may pre-filter by status; the detector filters again so an over-broad
// store stays correct.
type Store interface {
	ListByResourceAndDate(ctx context.Context, businessID, resourceID, date string) ([]model.Appointment, error)
}

type Detector struct {
	store Store
}

func NewDetector(store Store) *Detector {
	return &Detector{store: store}
}

// FindConflicts returns the active appointments overlapping [start, end) for
// the resource on the date. excludeID skips one appointment (the one being
// rescheduled). Overlap is half-open: existing.Start < end && existing.End > start.
func (d *Detector) FindConflicts(ctx context.Context, businessID, resourceID, date string, requested timeslot.Range, excludeID string) ([]model.Appointment, error) {
	appts, err := d.store.ListByResourceAndDate(ctx, businessID, resourceID, date)
	if err != nil {
		return nil, err
	}

	var conflicts []model.Appointment
	for _, appt := range appts {
		if appt.ID == excludeID {
			continue
		}
		if !appt.Status.IsActive() {
			continue
		}
		if !touchesResource(&appt, resourceID) {
			continue
		}
		if appt.Range().Overlaps(requested) {
			conflicts = append(conflicts, appt)
		}
	}
	return conflicts, nil
}

// FindConflictsForResources runs the check once per distinct resource and
// returns the union, deduplicated by appointment id.
func (d *Detector) FindConflictsForResources(ctx context.Context, businessID string, resourceIDs []string, date string, requested timeslot.Range, excludeID string) ([]model.Appointment, error) {
	seen := make(map[string]struct{})
	var all []model.Appointment
	for _, resourceID := range resourceIDs {
		conflicts, err := d.FindConflicts(ctx, businessID, resourceID, date, requested, excludeID)
		if err != nil {
			return nil, err
		}
		for _, c := range conflicts {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			all = append(all, c)
		}
	}
	return all, nil
}

// IDs extracts appointment ids from a conflict set.
func IDs(appts []model.Appointment) []string {
	out := make([]string, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.ID)
	}
	return out
}

func touchesResource(appt *model.Appointment, resourceID string) bool {
	for _, r := range appt.Resources() {
		if r == resourceID {
			return true
		}
	}
	return false
}

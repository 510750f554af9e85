package storage

import (
	"context"
	"encoding/json"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// AvailabilityRepository persists per-(resource, date) availability
// windows. A unique index on (business_id, resource_id, date) enforces the
// one-window-per-day invariant.
type AvailabilityRepository struct {
	pool *db.Pool
}

func NewAvailabilityRepository(pool *db.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{pool: pool}
}

type storedOverride struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (r *AvailabilityRepository) GetWindow(ctx context.Context, businessID, resourceID, date string) (model.AvailabilityWindow, error) {
	var win model.AvailabilityWindow
	var overrides []byte
	err := r.pool.QueryRow(ctx, `
		SELECT business_id, resource_id, date::text, is_day_off,
			work_start, work_end, break_start, break_end, max_concurrent, overrides
		FROM availability_windows
		WHERE business_id = $1 AND resource_id = $2 AND date = $3
	`, businessID, resourceID, date).Scan(
		&win.BusinessID, &win.ResourceID, &win.Date, &win.IsDayOff,
		&win.WorkStart, &win.WorkEnd, &win.BreakStart, &win.BreakEnd, &win.MaxConcurrent, &overrides,
	)
	if err != nil {
		if IsNotFound(err) {
			return model.AvailabilityWindow{}, apperr.NotFound("no availability window for resource %s on %s", resourceID, date)
		}
		return model.AvailabilityWindow{}, err
	}
	if len(overrides) > 0 {
		var stored []storedOverride
		if err := json.Unmarshal(overrides, &stored); err != nil {
			return model.AvailabilityWindow{}, err
		}
		win.Overrides = overridesFromStored(stored)
	}
	return win, nil
}

// UpsertWindow writes the window for its (resource, date), replacing any
// existing record.
func (r *AvailabilityRepository) UpsertWindow(ctx context.Context, win model.AvailabilityWindow) error {
	overrides, err := json.Marshal(overridesToStored(win.Overrides))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO availability_windows
			(business_id, resource_id, date, is_day_off, work_start, work_end,
			 break_start, break_end, max_concurrent, overrides)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (business_id, resource_id, date)
		DO UPDATE SET is_day_off = EXCLUDED.is_day_off,
		              work_start = EXCLUDED.work_start,
		              work_end = EXCLUDED.work_end,
		              break_start = EXCLUDED.break_start,
		              break_end = EXCLUDED.break_end,
		              max_concurrent = EXCLUDED.max_concurrent,
		              overrides = EXCLUDED.overrides,
		              updated_at = now()
	`, win.BusinessID, win.ResourceID, win.Date, win.IsDayOff, win.WorkStart, win.WorkEnd,
		win.BreakStart, win.BreakEnd, win.MaxConcurrent, overrides)
	return err
}

// UpsertWindows writes a materialized recurrence expansion in one
// transaction so a partially applied template never exists.
func (r *AvailabilityRepository) UpsertWindows(ctx context.Context, windows []model.AvailabilityWindow) error {
	if len(windows) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, win := range windows {
		overrides, err := json.Marshal(overridesToStored(win.Overrides))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO availability_windows
				(business_id, resource_id, date, is_day_off, work_start, work_end,
				 break_start, break_end, max_concurrent, overrides)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (business_id, resource_id, date)
			DO UPDATE SET is_day_off = EXCLUDED.is_day_off,
			              work_start = EXCLUDED.work_start,
			              work_end = EXCLUDED.work_end,
			              break_start = EXCLUDED.break_start,
			              break_end = EXCLUDED.break_end,
			              max_concurrent = EXCLUDED.max_concurrent,
			              overrides = EXCLUDED.overrides,
			              updated_at = now()
		`, win.BusinessID, win.ResourceID, win.Date, win.IsDayOff, win.WorkStart, win.WorkEnd,
			win.BreakStart, win.BreakEnd, win.MaxConcurrent, overrides)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func overridesToStored(overrides []model.Override) []storedOverride {
	out := make([]storedOverride, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, storedOverride{
			Start:     o.Range.Start,
			End:       o.Range.End,
			Available: o.Available,
			Reason:    o.Reason,
		})
	}
	return out
}

func overridesFromStored(stored []storedOverride) []model.Override {
	out := make([]model.Override, 0, len(stored))
	for _, s := range stored {
		out = append(out, model.Override{
			Range:     timeslot.Range{Start: s.Start, End: s.End},
			Available: s.Available,
			Reason:    s.Reason,
		})
	}
	return out
}

package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
)

// SchedulingRepository persists appointments, their service lines, and the
// per-resource occupancy rows backing the overlap exclusion constraint.
// Occupancy rows exist only while the appointment is active, so the
// constraint never blocks on completed/cancelled/no_show appointments.
type SchedulingRepository struct {
	pool       *db.Pool
	outboxRepo *outbox.Repository
}

func NewSchedulingRepository(pool *db.Pool, outboxRepo *outbox.Repository) *SchedulingRepository {
	return &SchedulingRepository{pool: pool, outboxRepo: outboxRepo}
}

// CreateAppointment inserts the appointment, its lines, one occupancy row
// per distinct resource, and any outbox events, in one transaction. A write
// rejected by the overlap constraint surfaces as a concurrency conflict for
// the lifecycle to re-check.
func (r *SchedulingRepository) CreateAppointment(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, business_id, customer_id, date, start_minutes, end_minutes, status,
			 subtotal, discount_amount, tax, total, total_duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at, version
	`, appt.ID, appt.BusinessID, appt.CustomerID, appt.Date, appt.StartMinutes, appt.EndMinutes,
		string(appt.Status), appt.Subtotal, appt.DiscountAmount, appt.Tax, appt.Total,
		appt.TotalDurationMinutes).Scan(&appt.CreatedAt, &appt.UpdatedAt, &appt.Version)
	if err != nil {
		return mapWriteError(err)
	}

	if err := r.insertLines(ctx, tx, appt); err != nil {
		return mapWriteError(err)
	}
	if err := r.insertOccupancy(ctx, tx, appt); err != nil {
		return mapWriteError(err)
	}
	for _, evt := range events {
		if err := r.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RescheduleAppointment moves the appointment to its new date/time, appends
// the history entry, and rebuilds the occupancy rows, guarded by the
// version column.
func (r *SchedulingRepository) RescheduleAppointment(ctx context.Context, appt *model.Appointment, entry model.Reschedule, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET date = $3,
			start_minutes = $4,
			end_minutes = $5,
			status = $6,
			updated_at = now(),
			version = version + 1
		WHERE id = $1 AND business_id = $2 AND version = $7
	`, appt.ID, appt.BusinessID, appt.Date, appt.StartMinutes, appt.EndMinutes,
		string(appt.Status), appt.Version)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Concurrency("appointment was modified concurrently", nil)
	}
	appt.Version++

	_, err = tx.Exec(ctx, `
		INSERT INTO reschedule_history
			(appointment_id, from_date, from_time, to_date, to_time, reason, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, appt.ID, entry.FromDate, entry.FromTime, entry.ToDate, entry.ToTime, entry.Reason, entry.Actor)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM appointment_resources WHERE appointment_id = $1`, appt.ID); err != nil {
		return err
	}
	if err := r.insertOccupancy(ctx, tx, appt); err != nil {
		return mapWriteError(err)
	}
	for _, evt := range events {
		if err := r.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateAppointmentStatus persists a status change (and cancellation
// fields). Occupancy rows are dropped when the appointment leaves the
// active set so it stops blocking the resource.
func (r *SchedulingRepository) UpdateAppointmentStatus(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3,
			cancelled_at = $4,
			cancellation_reason = $5,
			updated_at = now(),
			version = version + 1
		WHERE id = $1 AND business_id = $2 AND version = $6
	`, appt.ID, appt.BusinessID, string(appt.Status), appt.CancelledAt, appt.CancelReason, appt.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Concurrency("appointment was modified concurrently", nil)
	}
	appt.Version++

	if !appt.Status.IsActive() {
		if _, err := tx.Exec(ctx, `DELETE FROM appointment_resources WHERE appointment_id = $1`, appt.ID); err != nil {
			return err
		}
	}
	for _, evt := range events {
		if err := r.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *SchedulingRepository) GetAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	appt, err := r.scanAppointment(ctx, r.pool, businessID, appointmentID)
	if err != nil {
		if IsNotFound(err) {
			return model.Appointment{}, apperr.NotFound("appointment %s not found", appointmentID)
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

// ListByResourceAndDate returns appointments whose occupancy rows touch the
// resource on the date, lines included. Only active appointments hold
// occupancy rows, which matches the conflict detector's active-only filter.
func (r *SchedulingRepository) ListByResourceAndDate(ctx context.Context, businessID, resourceID, date string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT a.id, a.business_id, a.customer_id, a.date::text, a.start_minutes, a.end_minutes,
			a.status, a.subtotal, a.discount_amount, a.tax, a.total, a.total_duration_minutes,
			a.cancelled_at, COALESCE(a.cancellation_reason, ''), a.created_at, a.updated_at, a.version
		FROM appointments a
		JOIN appointment_resources ar ON ar.appointment_id = a.id
		WHERE a.business_id = $1
			AND ar.resource_id = $2
			AND ar.date = $3
		ORDER BY a.start_minutes ASC
	`, businessID, resourceID, date)
	if err != nil {
		return nil, err
	}
	appts, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, appts); err != nil {
		return nil, err
	}
	return appts, nil
}

func (r *SchedulingRepository) ListByBusiness(ctx context.Context, businessID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.business_id, a.customer_id, a.date::text, a.start_minutes, a.end_minutes,
			a.status, a.subtotal, a.discount_amount, a.tax, a.total, a.total_duration_minutes,
			a.cancelled_at, COALESCE(a.cancellation_reason, ''), a.created_at, a.updated_at, a.version
		FROM appointments a
		WHERE a.business_id = $1
		ORDER BY a.date DESC, a.start_minutes DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	appts, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, appts); err != nil {
		return nil, err
	}
	return appts, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		var status string
		if err := rows.Scan(
			&appt.ID, &appt.BusinessID, &appt.CustomerID, &appt.Date, &appt.StartMinutes, &appt.EndMinutes,
			&status, &appt.Subtotal, &appt.DiscountAmount, &appt.Tax, &appt.Total, &appt.TotalDurationMinutes,
			&appt.CancelledAt, &appt.CancelReason, &appt.CreatedAt, &appt.UpdatedAt, &appt.Version,
		); err != nil {
			return nil, err
		}
		appt.Status = model.Status(status)
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *SchedulingRepository) scanAppointment(ctx context.Context, q queryRower, businessID, appointmentID string) (model.Appointment, error) {
	var appt model.Appointment
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, business_id, customer_id, date::text, start_minutes, end_minutes,
			status, subtotal, discount_amount, tax, total, total_duration_minutes,
			cancelled_at, COALESCE(cancellation_reason, ''), created_at, updated_at, version
		FROM appointments
		WHERE id = $1 AND business_id = $2
	`, appointmentID, businessID).Scan(
		&appt.ID, &appt.BusinessID, &appt.CustomerID, &appt.Date, &appt.StartMinutes, &appt.EndMinutes,
		&status, &appt.Subtotal, &appt.DiscountAmount, &appt.Tax, &appt.Total, &appt.TotalDurationMinutes,
		&appt.CancelledAt, &appt.CancelReason, &appt.CreatedAt, &appt.UpdatedAt, &appt.Version,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)

	appts := []model.Appointment{appt}
	if err := r.loadLines(ctx, appts); err != nil {
		return model.Appointment{}, err
	}
	appt = appts[0]

	rows, err := q.Query(ctx, `
		SELECT from_date::text, from_time, to_date::text, to_time, reason, actor, created_at
		FROM reschedule_history
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry model.Reschedule
		if err := rows.Scan(&entry.FromDate, &entry.FromTime, &entry.ToDate, &entry.ToTime, &entry.Reason, &entry.Actor, &entry.At); err != nil {
			return model.Appointment{}, err
		}
		appt.RescheduleHistory = append(appt.RescheduleHistory, entry)
	}
	if rows.Err() != nil {
		return model.Appointment{}, rows.Err()
	}
	return appt, nil
}

func (r *SchedulingRepository) insertLines(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error {
	for i, line := range appt.Lines {
		addons, err := json.Marshal(line.Addons)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO appointment_lines
				(appointment_id, position, service_id, resource_id, name, price, duration_minutes, consumable, addons)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, appt.ID, i, line.ServiceID, line.ResourceID, line.Name, line.Price, line.DurationMinutes, line.Consumable, addons)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *SchedulingRepository) insertOccupancy(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error {
	for _, resourceID := range appt.Resources() {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_resources
				(appointment_id, business_id, resource_id, date, start_minutes, end_minutes)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, appt.ID, appt.BusinessID, resourceID, appt.Date, appt.StartMinutes, appt.EndMinutes)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *SchedulingRepository) loadLines(ctx context.Context, appts []model.Appointment) error {
	if len(appts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(appts))
	index := make(map[string]*model.Appointment, len(appts))
	for i := range appts {
		ids = append(ids, appts[i].ID)
		index[appts[i].ID] = &appts[i]
	}

	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, service_id, resource_id, name, price, duration_minutes, consumable, addons
		FROM appointment_lines
		WHERE appointment_id = ANY($1)
		ORDER BY appointment_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var apptID string
		var line model.ServiceLine
		var addons []byte
		if err := rows.Scan(&apptID, &line.ServiceID, &line.ResourceID, &line.Name, &line.Price, &line.DurationMinutes, &line.Consumable, &addons); err != nil {
			return err
		}
		if len(addons) > 0 {
			if err := json.Unmarshal(addons, &line.Addons); err != nil {
				return err
			}
		}
		if appt, ok := index[apptID]; ok {
			appt.Lines = append(appt.Lines, line)
		}
	}
	return rows.Err()
}

func mapWriteError(err error) error {
	if IsConflict(err) {
		return apperr.Concurrency("overlapping booking rejected by the store", err)
	}
	return err
}

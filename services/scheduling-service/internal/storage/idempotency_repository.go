package storage

import (
	"context"
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
)

// pendingKeyTTL bounds how long a reserved key may sit without a stored
// response. A booking that crashed between Reserve and Finalize leaves its
// key pending; past the TTL the next request re-claims it instead of
// seeing "in progress" forever.
const pendingKeyTTL = 5 * time.Minute

// IdempotencyRepository replays responses for repeated booking requests
// carrying the same Idempotency-Key.
type IdempotencyRepository struct {
	pool *db.Pool
}

type IdempotencyRecord struct {
	BusinessID      string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

func NewIdempotencyRepository(pool *db.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

// Reserve claims the key. inserted=false means another request already
// holds it; the returned record carries the stored response when that
// request has finished. A pending claim older than pendingKeyTTL is
// treated as abandoned and re-claimed.
func (r *IdempotencyRepository) Reserve(ctx context.Context, businessID, key string) (IdempotencyRecord, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (business_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (business_id, idempotency_key) DO UPDATE
		SET created_at = now(), updated_at = now()
		WHERE booking_idempotency_keys.status_code IS NULL
			AND booking_idempotency_keys.created_at < now() - make_interval(secs => $3)
	`, businessID, key, pendingKeyTTL.Seconds())
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyRecord{BusinessID: businessID, IdempotencyKey: key}, true, nil
	}

	var rec IdempotencyRecord
	var responseText string
	err = r.pool.QueryRow(ctx, `
		SELECT business_id, idempotency_key,
			COALESCE(appointment_id, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE business_id = $1 AND idempotency_key = $2
	`, businessID, key).Scan(&rec.BusinessID, &rec.IdempotencyKey, &rec.AppointmentID, &rec.StatusCode, &responseText)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, false, nil
}

func (r *IdempotencyRepository) Finalize(ctx context.Context, businessID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE business_id = $1 AND idempotency_key = $2
	`, businessID, key, appointmentID, statusCode, response)
	return err
}

// Release frees a reserved key after a failed attempt so the client can
// retry with the same key.
func (r *IdempotencyRepository) Release(ctx context.Context, businessID, key string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM booking_idempotency_keys
		WHERE business_id = $1 AND idempotency_key = $2 AND status_code IS NULL
	`, businessID, key)
	return err
}

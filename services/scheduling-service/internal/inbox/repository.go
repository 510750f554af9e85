package inbox

import (
	"context"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/storage"
)

// Repository deduplicates consumed events on event_id so catalog and staff
// cache updates stay idempotent under redelivery.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	if storage.IsUnique(err) {
		return false, nil
	}
	return false, err
}

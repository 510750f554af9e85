package storage

import (
	"context"
	"encoding/json"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/catalog"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/directory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
)

// CacheRepository holds the local copies of the service catalog and staff
// directory, kept current by the business-service event consumer. It
// implements catalog.Provider and directory.Provider.
type CacheRepository struct {
	pool *db.Pool
}

func NewCacheRepository(pool *db.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

func (r *CacheRepository) UpsertService(ctx context.Context, businessID string, svc catalog.Service) error {
	addons, err := json.Marshal(svc.Addons)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO service_catalog_cache
			(business_id, service_id, name, price, duration_minutes, consumable, addons)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (business_id, service_id)
		DO UPDATE SET name = EXCLUDED.name,
		              price = EXCLUDED.price,
		              duration_minutes = EXCLUDED.duration_minutes,
		              consumable = EXCLUDED.consumable,
		              addons = EXCLUDED.addons,
		              updated_at = now()
	`, businessID, svc.ServiceID, svc.Name, svc.Price, svc.DurationMinutes, svc.Consumable, addons)
	return err
}

func (r *CacheRepository) Service(ctx context.Context, businessID, serviceID string) (catalog.Service, error) {
	var svc catalog.Service
	var addons []byte
	err := r.pool.QueryRow(ctx, `
		SELECT service_id, name, price, duration_minutes, consumable, addons
		FROM service_catalog_cache
		WHERE business_id = $1 AND service_id = $2
	`, businessID, serviceID).Scan(&svc.ServiceID, &svc.Name, &svc.Price, &svc.DurationMinutes, &svc.Consumable, &addons)
	if err != nil {
		if IsNotFound(err) {
			return catalog.Service{}, apperr.NotFound("service %s not found", serviceID)
		}
		return catalog.Service{}, err
	}
	if len(addons) > 0 {
		var parsed []model.Addon
		if err := json.Unmarshal(addons, &parsed); err != nil {
			return catalog.Service{}, err
		}
		svc.Addons = parsed
	}
	return svc, nil
}

func (r *CacheRepository) UpsertStaff(ctx context.Context, businessID string, staff directory.Staff) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO staff_directory_cache (business_id, staff_id, name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id, staff_id)
		DO UPDATE SET name = EXCLUDED.name,
		              active = EXCLUDED.active,
		              updated_at = now()
	`, businessID, staff.StaffID, staff.Name, staff.Active)
	return err
}

func (r *CacheRepository) Staff(ctx context.Context, businessID, staffID string) (directory.Staff, error) {
	var staff directory.Staff
	err := r.pool.QueryRow(ctx, `
		SELECT staff_id, name, active
		FROM staff_directory_cache
		WHERE business_id = $1 AND staff_id = $2
	`, businessID, staffID).Scan(&staff.StaffID, &staff.Name, &staff.Active)
	if err != nil {
		if IsNotFound(err) {
			return directory.Staff{}, apperr.NotFound("staff %s not found", staffID)
		}
		return directory.Staff{}, err
	}
	return staff, nil
}

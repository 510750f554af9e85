// Package catalog resolves service definitions (price, duration, addons)
// for booking requests. The production provider reads the local cache kept
// in sync by the business-service event consumer; the static provider
// serves dev and tests.
package catalog

import (
	"context"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
)

type Service struct {
	ServiceID       string
	Name            string
	Price           float64
	DurationMinutes int
	Addons          []model.Addon
	Consumable      bool
}

type Provider interface {
	Service(ctx context.Context, businessID, serviceID string) (Service, error)
}

type staticProvider struct {
	services map[string]Service
}

// NewStaticProvider serves a fixed service set keyed by service id.
func NewStaticProvider(services []Service) Provider {
	m := make(map[string]Service, len(services))
	for _, s := range services {
		m[s.ServiceID] = s
	}
	return &staticProvider{services: m}
}

func (p *staticProvider) Service(_ context.Context, _ string, serviceID string) (Service, error) {
	s, ok := p.services[serviceID]
	if !ok {
		return Service{}, apperr.NotFound("service %s not found", serviceID)
	}
	return s, nil
}

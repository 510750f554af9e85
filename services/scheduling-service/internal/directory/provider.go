// Package directory resolves staff identities for scheduling. Same split as
// the service catalog: a cache-backed provider in production, a static one
// for dev and tests.
package directory

import (
	"context"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
)

type Staff struct {
	StaffID string
	Name    string
	Active  bool
}

type Provider interface {
	Staff(ctx context.Context, businessID, staffID string) (Staff, error)
}

type staticProvider struct {
	staff map[string]Staff
}

func NewStaticProvider(staff []Staff) Provider {
	m := make(map[string]Staff, len(staff))
	for _, s := range staff {
		m[s.StaffID] = s
	}
	return &staticProvider{staff: m}
}

func (p *staticProvider) Staff(_ context.Context, _ string, staffID string) (Staff, error) {
	s, ok := p.staff[staffID]
	if !ok {
		return Staff{}, apperr.NotFound("staff %s not found", staffID)
	}
	return s, nil
}

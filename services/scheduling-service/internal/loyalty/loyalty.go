// Package loyalty awards points when an appointment completes. Best-effort,
// same contract as inventory consumption.
package loyalty

import (
	"context"
	"encoding/json"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
)

type Awarder interface {
	Award(ctx context.Context, businessID, customerID string, amount float64) error
}

type eventAwarder struct {
	outboxRepo *outbox.Repository
}

func NewEventAwarder(outboxRepo *outbox.Repository) Awarder {
	return &eventAwarder{outboxRepo: outboxRepo}
}

func (a *eventAwarder) Award(ctx context.Context, businessID, customerID string, amount float64) error {
	payload, err := json.Marshal(map[string]any{
		"business_id": businessID,
		"customer_id": customerID,
		"amount":      amount,
	})
	if err != nil {
		return err
	}
	return a.outboxRepo.InsertOne(ctx, outbox.Event{
		AggregateType: "customer",
		AggregateID:   customerID,
		EventType:     outbox.EventLoyaltyAward,
		Payload:       payload,
	})
}

type noop struct{}

func NewNoop() Awarder { return noop{} }

func (noop) Award(context.Context, string, string, float64) error { return nil }

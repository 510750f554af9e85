// Package inventory triggers stock consumption for consumable service lines
// when an appointment completes. The inventory subsystem lives elsewhere in
// the ERP; this side is best-effort and must never block a completion.
package inventory

import (
	"context"
	"encoding/json"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
)

type Consumer interface {
	Consume(ctx context.Context, appointmentID, businessID string, line model.ServiceLine) error
}

type eventConsumer struct {
	outboxRepo *outbox.Repository
}

// NewEventConsumer emits one consume event per line through the outbox; the
// inventory service picks it up from Kafka.
func NewEventConsumer(outboxRepo *outbox.Repository) Consumer {
	return &eventConsumer{outboxRepo: outboxRepo}
}

func (c *eventConsumer) Consume(ctx context.Context, appointmentID, businessID string, line model.ServiceLine) error {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appointmentID,
		"business_id":    businessID,
		"service_id":     line.ServiceID,
		"resource_id":    line.ResourceID,
	})
	if err != nil {
		return err
	}
	return c.outboxRepo.InsertOne(ctx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     outbox.EventInventoryConsume,
		Payload:       payload,
	})
}

type noop struct{}

// NewNoop is used when Kafka is not configured.
func NewNoop() Consumer { return noop{} }

func (noop) Consume(context.Context, string, string, model.ServiceLine) error { return nil }

package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the scheduling core.
const (
	EventAppointmentBooked      = "scheduling.appointment.booked.v1"
	EventAppointmentRescheduled = "scheduling.appointment.rescheduled.v1"
	EventAppointmentCancelled   = "scheduling.appointment.cancelled.v1"
	EventAppointmentCompleted   = "scheduling.appointment.completed.v1"
	EventAppointmentNoShow      = "scheduling.appointment.no_show.v1"
	EventInventoryConsume       = "scheduling.inventory.consume.v1"
	EventLoyaltyAward           = "scheduling.loyalty.award.v1"
)

// Package lifecycle orchestrates appointment creation, rescheduling,
// cancellation, and status transitions. It is the only writer of
// appointment status and reschedule history.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/availability"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/catalog"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/conflict"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/directory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/inventory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/loyalty"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/policy"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/pricing"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// Store is the booking store consumed by the lifecycle. Each write is
// atomic: appointment state, occupancy, and the supplied outbox events
// commit together. A write racing another booking for the same resource and
// range fails with a concurrency-conflict error.
type Store interface {
	CreateAppointment(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error
	RescheduleAppointment(ctx context.Context, appt *model.Appointment, entry model.Reschedule, events ...outbox.Event) error
	UpdateAppointmentStatus(ctx context.Context, appt *model.Appointment, events ...outbox.Event) error
	GetAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error)
	ListByResourceAndDate(ctx context.Context, businessID, resourceID, date string) ([]model.Appointment, error)
}

// WindowStore reads availability windows. NotFound is meaningful here: the
// missing-window policy below decides what it means.
type WindowStore interface {
	GetWindow(ctx context.Context, businessID, resourceID, date string) (model.AvailabilityWindow, error)
}

// MissingWindowPolicy resolves the ambiguity of a (resource, date) with no
// availability record. The choice is explicit configuration, never a silent
// default at a call site.
type MissingWindowPolicy string

const (
	// MissingClosed treats a missing window as "not bookable that day".
	MissingClosed MissingWindowPolicy = "closed"
	// MissingDefaultHours substitutes the configured default working hours.
	MissingDefaultHours MissingWindowPolicy = "default_hours"
)

type Config struct {
	SlotStepMinutes  int
	TaxRatePercent   float64
	MissingWindow    MissingWindowPolicy
	DefaultWorkStart int
	DefaultWorkEnd   int
	Location         *time.Location
}

// conflictWriteAttempts bounds the re-check loop after a write is rejected
// by the store's overlap constraint.
const conflictWriteAttempts = 2

type Service struct {
	store     Store
	windows   WindowStore
	detector  *conflict.Detector
	rules     policy.Rules
	catalog   catalog.Provider
	staff     directory.Provider
	inventory inventory.Consumer
	loyalty   loyalty.Awarder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func New(store Store, windows WindowStore, detector *conflict.Detector, rules policy.Rules,
	catalogProvider catalog.Provider, staffProvider directory.Provider,
	inventoryConsumer inventory.Consumer, loyaltyAwarder loyalty.Awarder,
	logger *slog.Logger, cfg Config) *Service {
	if cfg.SlotStepMinutes <= 0 {
		cfg.SlotStepMinutes = availability.DefaultStepMinutes
	}
	if cfg.MissingWindow == "" {
		cfg.MissingWindow = MissingClosed
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:     store,
		windows:   windows,
		detector:  detector,
		rules:     rules,
		catalog:   catalogProvider,
		staff:     staffProvider,
		inventory: inventoryConsumer,
		loyalty:   loyaltyAwarder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// LineRequest names a service and the staff member delivering it. Addons
// are selected by name from the catalog definition.
type LineRequest struct {
	ServiceID  string
	ResourceID string
	Addons     []string
}

type CreateRequest struct {
	BusinessID string
	CustomerID string
	Date       string
	StartTime  string
	Lines      []LineRequest
	Discount   pricing.DiscountSpec
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Appointment, error) {
	if req.BusinessID == "" || req.CustomerID == "" {
		return nil, apperr.Validation("business_id and customer_id are required")
	}
	if len(req.Lines) == 0 {
		return nil, apperr.Validation("at least one service line is required")
	}
	if err := validateDate(req.Date); err != nil {
		return nil, err
	}
	start, err := timeslot.ParseClock(req.StartTime)
	if err != nil {
		return nil, apperr.Validation("invalid start time: %v", err)
	}

	lines, err := s.resolveLines(ctx, req.BusinessID, req.Lines)
	if err != nil {
		return nil, err
	}

	quote, err := pricing.Calculate(lines, req.Discount, s.cfg.TaxRatePercent)
	if err != nil {
		return nil, err
	}
	if quote.TotalDurationMinutes <= 0 {
		return nil, apperr.Validation("appointment duration must be positive")
	}
	end := start + quote.TotalDurationMinutes
	if end > timeslot.MinutesPerDay {
		return nil, apperr.Validation("appointment does not fit within the day")
	}

	appt := &model.Appointment{
		ID:                   uuid.NewString(),
		BusinessID:           req.BusinessID,
		CustomerID:           req.CustomerID,
		Date:                 req.Date,
		StartMinutes:         start,
		EndMinutes:           end,
		Status:               model.StatusScheduled,
		Lines:                lines,
		Subtotal:             quote.Subtotal,
		DiscountAmount:       quote.DiscountAmount,
		Tax:                  quote.Tax,
		Total:                quote.Total,
		TotalDurationMinutes: quote.TotalDurationMinutes,
	}

	startsAt, err := appt.StartsAt(s.cfg.Location)
	if err != nil {
		return nil, apperr.Validation("invalid date: %v", err)
	}
	if err := s.rules.ValidateNewBooking(startsAt, s.now()); err != nil {
		return nil, err
	}

	if err := s.checkWindows(ctx, appt); err != nil {
		return nil, err
	}
	if err := s.checkConflicts(ctx, appt, ""); err != nil {
		return nil, err
	}

	evt, err := s.appointmentEvent(outbox.EventAppointmentBooked, appt, nil)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err := s.store.CreateAppointment(ctx, appt, evt)
		if err == nil {
			return appt, nil
		}
		if !apperr.IsKind(err, apperr.KindConcurrencyConflict) {
			return nil, err
		}
		// Lost a race on the overlap constraint: name the winner if the
		// re-read shows it, otherwise retry the write a bounded number of
		// times.
		if checkErr := s.checkConflicts(ctx, appt, ""); checkErr != nil {
			return nil, checkErr
		}
		if attempt >= conflictWriteAttempts {
			return nil, err
		}
	}
}

func (s *Service) Reschedule(ctx context.Context, businessID, appointmentID, newDate, newTime, reason, actor string) (*model.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(appt.Status, model.StatusRescheduled) {
		return nil, apperr.Transition(string(appt.Status), string(model.StatusRescheduled))
	}
	if !s.rules.CanReschedule(&appt, s.now(), s.cfg.Location) {
		return nil, apperr.Policy("reschedule window of %s before the appointment has passed", s.rules.RescheduleCutoff)
	}
	if err := validateDate(newDate); err != nil {
		return nil, err
	}
	start, err := timeslot.ParseClock(newTime)
	if err != nil {
		return nil, apperr.Validation("invalid start time: %v", err)
	}
	end := start + appt.TotalDurationMinutes
	if end > timeslot.MinutesPerDay {
		return nil, apperr.Validation("appointment does not fit within the day")
	}

	entry := model.Reschedule{
		FromDate: appt.Date,
		FromTime: timeslot.FormatClock(appt.StartMinutes),
		ToDate:   newDate,
		ToTime:   timeslot.FormatClock(start),
		Reason:   reason,
		Actor:    actor,
		At:       s.now(),
	}

	appt.Date = newDate
	appt.StartMinutes = start
	appt.EndMinutes = end
	// The slot is vacated and re-entered as a fresh scheduled booking at
	// the new time; confirmation does not carry over.
	appt.Status = model.StatusScheduled

	if err := s.checkWindows(ctx, &appt); err != nil {
		return nil, err
	}
	if err := s.checkConflicts(ctx, &appt, appt.ID); err != nil {
		return nil, err
	}

	evt, err := s.appointmentEvent(outbox.EventAppointmentRescheduled, &appt, map[string]any{
		"from_date": entry.FromDate,
		"from_time": entry.FromTime,
		"reason":    reason,
		"actor":     actor,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err := s.store.RescheduleAppointment(ctx, &appt, entry, evt)
		if err == nil {
			appt.RescheduleHistory = append(appt.RescheduleHistory, entry)
			return &appt, nil
		}
		if !apperr.IsKind(err, apperr.KindConcurrencyConflict) {
			return nil, err
		}
		if checkErr := s.checkConflicts(ctx, &appt, appt.ID); checkErr != nil {
			return nil, checkErr
		}
		if attempt >= conflictWriteAttempts {
			return nil, err
		}
		// Another writer advanced the row; resubmitting the stale version
		// can never succeed. Refresh it and re-check the status gate.
		current, getErr := s.store.GetAppointment(ctx, businessID, appointmentID)
		if getErr != nil {
			return nil, getErr
		}
		if !model.CanTransition(current.Status, model.StatusRescheduled) {
			return nil, apperr.Transition(string(current.Status), string(model.StatusRescheduled))
		}
		appt.Version = current.Version
	}
}

func (s *Service) Cancel(ctx context.Context, businessID, appointmentID, reason string) (*model.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status == model.StatusCancelled {
		// Repeated cancellation is idempotent.
		return &appt, nil
	}
	if !model.CanTransition(appt.Status, model.StatusCancelled) {
		return nil, apperr.Transition(string(appt.Status), string(model.StatusCancelled))
	}
	if !s.rules.CanCancel(&appt, s.now(), s.cfg.Location) {
		return nil, apperr.Policy("cancellation window of %s before the appointment has passed", s.rules.CancelCutoff)
	}

	now := s.now()
	appt.Status = model.StatusCancelled
	appt.CancelledAt = &now
	appt.CancelReason = reason

	evt, err := s.appointmentEvent(outbox.EventAppointmentCancelled, &appt, map[string]any{
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateAppointmentStatus(ctx, &appt, evt); err != nil {
		return nil, err
	}
	return &appt, nil
}

// Transition moves the appointment along the confirm/check-in/progress/
// complete/no-show path. Cancellation and rescheduling have their own
// operations with policy checks and are rejected here.
func (s *Service) Transition(ctx context.Context, businessID, appointmentID string, target model.Status) (*model.Appointment, error) {
	if _, ok := model.ParseStatus(string(target)); !ok {
		return nil, apperr.Validation("unknown status %q", target)
	}
	switch target {
	case model.StatusCancelled:
		return nil, apperr.Validation("use the cancel operation to cancel an appointment")
	case model.StatusRescheduled, model.StatusScheduled:
		return nil, apperr.Validation("use the reschedule operation to move an appointment")
	}

	appt, err := s.store.GetAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(appt.Status, target) {
		return nil, apperr.Transition(string(appt.Status), string(target))
	}
	appt.Status = target

	var events []outbox.Event
	switch target {
	case model.StatusCompleted:
		evt, err := s.appointmentEvent(outbox.EventAppointmentCompleted, &appt, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	case model.StatusNoShow:
		evt, err := s.appointmentEvent(outbox.EventAppointmentNoShow, &appt, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	if err := s.store.UpdateAppointmentStatus(ctx, &appt, events...); err != nil {
		return nil, err
	}

	if target == model.StatusCompleted {
		s.runCompletionEffects(ctx, &appt)
	}
	return &appt, nil
}

// runCompletionEffects fires the best-effort collaborators on entry to
// completed. Failures are reported, never propagated: the transition has
// already committed.
func (s *Service) runCompletionEffects(ctx context.Context, appt *model.Appointment) {
	for _, line := range appt.Lines {
		if !line.Consumable {
			continue
		}
		if err := s.inventory.Consume(ctx, appt.ID, appt.BusinessID, line); err != nil {
			s.logger.Error("inventory consume failed", "appointment_id", appt.ID, "service_id", line.ServiceID, "err", err)
		}
	}
	if err := s.loyalty.Award(ctx, appt.BusinessID, appt.CustomerID, appt.Total); err != nil {
		s.logger.Error("loyalty award failed", "appointment_id", appt.ID, "customer_id", appt.CustomerID, "err", err)
	}
}

// AvailableSlots computes the open slots for a resource on a date. A
// missing window resolves through the configured policy.
func (s *Service) AvailableSlots(ctx context.Context, businessID, resourceID, date string, durationMinutes int) ([]timeslot.Range, error) {
	if durationMinutes <= 0 {
		return nil, apperr.Validation("duration must be positive")
	}
	if err := validateDate(date); err != nil {
		return nil, err
	}
	win, open, err := s.resolveWindow(ctx, businessID, resourceID, date)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, nil
	}

	busy, err := s.busyRanges(ctx, businessID, resourceID, date)
	if err != nil {
		return nil, err
	}
	return availability.FreeSlots(win, durationMinutes, s.cfg.SlotStepMinutes, busy), nil
}

type AvailabilityResult struct {
	Available bool
	Reason    string
}

// CheckAvailability answers whether [start, end) is bookable for the
// resource: inside the availability window and clear of active bookings.
func (s *Service) CheckAvailability(ctx context.Context, businessID, resourceID, date, startTime, endTime string) (AvailabilityResult, error) {
	if err := validateDate(date); err != nil {
		return AvailabilityResult{}, err
	}
	start, err := timeslot.ParseClock(startTime)
	if err != nil {
		return AvailabilityResult{}, apperr.Validation("invalid start time: %v", err)
	}
	end, err := timeslot.ParseClock(endTime)
	if err != nil {
		return AvailabilityResult{}, apperr.Validation("invalid end time: %v", err)
	}
	if start >= end {
		return AvailabilityResult{}, apperr.Validation("start time must be before end time")
	}
	requested := timeslot.Range{Start: start, End: end}

	win, open, err := s.resolveWindow(ctx, businessID, resourceID, date)
	if err != nil {
		return AvailabilityResult{}, err
	}
	if !open {
		return AvailabilityResult{Reason: "no availability configured"}, nil
	}
	if ok, reason := availability.AvailableFor(win, requested); !ok {
		return AvailabilityResult{Reason: reason}, nil
	}

	conflicts, err := s.detector.FindConflicts(ctx, businessID, resourceID, date, requested, "")
	if err != nil {
		return AvailabilityResult{}, err
	}
	if len(conflicts) > 0 {
		return AvailabilityResult{Reason: "conflicts with an existing appointment"}, nil
	}
	return AvailabilityResult{Available: true}, nil
}

func (s *Service) Get(ctx context.Context, businessID, appointmentID string) (*model.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

func (s *Service) resolveLines(ctx context.Context, businessID string, reqs []LineRequest) ([]model.ServiceLine, error) {
	lines := make([]model.ServiceLine, 0, len(reqs))
	for _, req := range reqs {
		if req.ServiceID == "" || req.ResourceID == "" {
			return nil, apperr.Validation("service_id and resource_id are required on every line")
		}
		staff, err := s.staff.Staff(ctx, businessID, req.ResourceID)
		if err != nil {
			return nil, err
		}
		if !staff.Active {
			return nil, apperr.Validation("staff %s is not active", req.ResourceID)
		}
		svc, err := s.catalog.Service(ctx, businessID, req.ServiceID)
		if err != nil {
			return nil, err
		}

		line := model.ServiceLine{
			ServiceID:       svc.ServiceID,
			ResourceID:      req.ResourceID,
			Name:            svc.Name,
			Price:           svc.Price,
			DurationMinutes: svc.DurationMinutes,
			Consumable:      svc.Consumable,
		}
		for _, name := range req.Addons {
			addon, ok := findAddon(svc.Addons, name)
			if !ok {
				return nil, apperr.Validation("service %s has no addon %q", svc.ServiceID, name)
			}
			line.Addons = append(line.Addons, addon)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// checkWindows verifies each touched resource is available for the
// appointment's full range.
func (s *Service) checkWindows(ctx context.Context, appt *model.Appointment) error {
	requested := appt.Range()
	for _, resourceID := range appt.Resources() {
		win, open, err := s.resolveWindow(ctx, appt.BusinessID, resourceID, appt.Date)
		if err != nil {
			return err
		}
		if !open {
			return apperr.Validation("resource %s has no availability on %s", resourceID, appt.Date)
		}
		if ok, reason := availability.AvailableFor(win, requested); !ok {
			return apperr.Validation("resource %s is not available: %s", resourceID, reason)
		}
	}
	return nil
}

func (s *Service) checkConflicts(ctx context.Context, appt *model.Appointment, excludeID string) error {
	conflicts, err := s.detector.FindConflictsForResources(ctx, appt.BusinessID, appt.Resources(), appt.Date, appt.Range(), excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return apperr.Conflict("requested time overlaps an existing appointment", conflict.IDs(conflicts))
	}
	return nil
}

func (s *Service) resolveWindow(ctx context.Context, businessID, resourceID, date string) (model.AvailabilityWindow, bool, error) {
	win, err := s.windows.GetWindow(ctx, businessID, resourceID, date)
	if err == nil {
		return win, true, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return model.AvailabilityWindow{}, false, err
	}
	switch s.cfg.MissingWindow {
	case MissingDefaultHours:
		return model.AvailabilityWindow{
			BusinessID: businessID,
			ResourceID: resourceID,
			Date:       date,
			WorkStart:  s.cfg.DefaultWorkStart,
			WorkEnd:    s.cfg.DefaultWorkEnd,
			BreakStart: model.ClockUnset,
			BreakEnd:   model.ClockUnset,
		}, true, nil
	default:
		return model.AvailabilityWindow{}, false, nil
	}
}

func (s *Service) busyRanges(ctx context.Context, businessID, resourceID, date string) ([]timeslot.Range, error) {
	appts, err := s.store.ListByResourceAndDate(ctx, businessID, resourceID, date)
	if err != nil {
		return nil, err
	}
	var busy []timeslot.Range
	for _, a := range appts {
		if a.Status.IsActive() {
			busy = append(busy, a.Range())
		}
	}
	return busy, nil
}

func (s *Service) appointmentEvent(eventType string, appt *model.Appointment, extra map[string]any) (outbox.Event, error) {
	payload := map[string]any{
		"appointment_id": appt.ID,
		"business_id":    appt.BusinessID,
		"customer_id":    appt.CustomerID,
		"date":           appt.Date,
		"start_time":     timeslot.FormatClock(appt.StartMinutes),
		"end_time":       timeslot.FormatClock(appt.EndMinutes),
		"status":         string(appt.Status),
		"total":          appt.Total,
		"resources":      appt.Resources(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}

func findAddon(addons []model.Addon, name string) (model.Addon, bool) {
	for _, a := range addons {
		if a.Name == name {
			return a, true
		}
	}
	return model.Addon{}, false
}

func validateDate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return apperr.Validation("invalid date %q (want YYYY-MM-DD)", date)
	}
	return nil
}

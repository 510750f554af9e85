package lifecycle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/catalog"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/conflict"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/directory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/inventory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/loyalty"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/policy"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// fakeStore keeps appointments and windows in memory and records every
// outbox event handed to a write.
type fakeStore struct {
	appointments map[string]model.Appointment
	windows      map[string]model.AvailabilityWindow
	events       []outbox.Event

	failCreates    int
	rescheduleHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments: make(map[string]model.Appointment),
		windows:      make(map[string]model.AvailabilityWindow),
	}
}

func windowKey(businessID, resourceID, date string) string {
	return businessID + "|" + resourceID + "|" + date
}

func (f *fakeStore) CreateAppointment(_ context.Context, appt *model.Appointment, events ...outbox.Event) error {
	if f.failCreates > 0 {
		f.failCreates--
		return apperr.Concurrency("booking overlaps a concurrent write", nil)
	}
	appt.Version = 1
	f.appointments[appt.ID] = *appt
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) RescheduleAppointment(_ context.Context, appt *model.Appointment, entry model.Reschedule, events ...outbox.Event) error {
	if f.rescheduleHook != nil {
		f.rescheduleHook()
	}
	if existing, ok := f.appointments[appt.ID]; ok && existing.Version != appt.Version {
		return apperr.Concurrency("appointment was modified concurrently", nil)
	}
	stored := *appt
	stored.RescheduleHistory = append(stored.RescheduleHistory, entry)
	stored.Version++
	f.appointments[appt.ID] = stored
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) UpdateAppointmentStatus(_ context.Context, appt *model.Appointment, events ...outbox.Event) error {
	appt.Version++
	f.appointments[appt.ID] = *appt
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) GetAppointment(_ context.Context, businessID, appointmentID string) (model.Appointment, error) {
	appt, ok := f.appointments[appointmentID]
	if !ok || appt.BusinessID != businessID {
		return model.Appointment{}, apperr.NotFound("appointment %s not found", appointmentID)
	}
	return appt, nil
}

func (f *fakeStore) ListByResourceAndDate(_ context.Context, businessID, resourceID, date string) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range f.appointments {
		if appt.BusinessID != businessID || appt.Date != date {
			continue
		}
		for _, r := range appt.Resources() {
			if r == resourceID {
				out = append(out, appt)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetWindow(_ context.Context, businessID, resourceID, date string) (model.AvailabilityWindow, error) {
	win, ok := f.windows[windowKey(businessID, resourceID, date)]
	if !ok {
		return model.AvailabilityWindow{}, apperr.NotFound("no availability for %s on %s", resourceID, date)
	}
	return win, nil
}

func (f *fakeStore) eventTypes() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

func testService(t *testing.T, store *fakeStore) *Service {
	t.Helper()
	cat := catalog.NewStaticProvider([]catalog.Service{
		{ServiceID: "svc-cut", Name: "Haircut", Price: 40, DurationMinutes: 60},
		{ServiceID: "svc-color", Name: "Color", Price: 120, DurationMinutes: 90, Consumable: true,
			Addons: []model.Addon{{Name: "gloss", Price: 25, DurationMinutes: 15}}},
	})
	dir := directory.NewStaticProvider([]directory.Staff{
		{StaffID: "staff-1", Name: "Asha", Active: true},
		{StaffID: "staff-2", Name: "Mel", Active: true},
		{StaffID: "staff-gone", Name: "Former", Active: false},
	})
	svc := New(store, store, conflict.NewDetector(store), policy.DefaultRules(),
		cat, dir, inventory.NewNoop(), loyalty.NewNoop(),
		slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Config{SlotStepMinutes: 30, TaxRatePercent: 10})
	return svc.WithClock(func() time.Time {
		return time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func addWindow(store *fakeStore, resourceID, date string) {
	store.windows[windowKey("biz-1", resourceID, date)] = model.AvailabilityWindow{
		BusinessID: "biz-1",
		ResourceID: resourceID,
		Date:       date,
		WorkStart:  9 * 60,
		WorkEnd:    18 * 60,
		BreakStart: 13 * 60,
		BreakEnd:   14 * 60,
	}
}

func createRequest() CreateRequest {
	return CreateRequest{
		BusinessID: "biz-1",
		CustomerID: "cust-1",
		Date:       "2026-03-10",
		StartTime:  "10:00",
		Lines:      []LineRequest{{ServiceID: "svc-cut", ResourceID: "staff-1"}},
	}
}

func TestCreateBooksAndEmitsEvent(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if appt.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", appt.Status)
	}
	if appt.StartMinutes != 10*60 || appt.EndMinutes != 11*60 {
		t.Fatalf("range = [%d, %d), want [600, 660)", appt.StartMinutes, appt.EndMinutes)
	}
	// 40 subtotal, 10% tax.
	if appt.Total != 44 {
		t.Fatalf("total = %v, want 44", appt.Total)
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != outbox.EventAppointmentBooked {
		t.Fatalf("events = %v, want [%s]", got, outbox.EventAppointmentBooked)
	}
}

func TestCreateAddonExtendsDurationAndPrice(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-2", "2026-03-10")
	svc := testService(t, store)

	req := createRequest()
	req.StartTime = "14:00"
	req.Lines = []LineRequest{{ServiceID: "svc-color", ResourceID: "staff-2", Addons: []string{"gloss"}}}

	appt, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if appt.TotalDurationMinutes != 105 {
		t.Fatalf("duration = %d, want 105", appt.TotalDurationMinutes)
	}
	if appt.Subtotal != 145 {
		t.Fatalf("subtotal = %v, want 145", appt.Subtotal)
	}
}

func TestCreateRejectsUnknownAddon(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	req := createRequest()
	req.Lines[0].Addons = []string{"sparkles"}
	if _, err := svc.Create(context.Background(), req); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateRejectsInactiveStaff(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-gone", "2026-03-10")
	svc := testService(t, store)

	req := createRequest()
	req.Lines[0].ResourceID = "staff-gone"
	if _, err := svc.Create(context.Background(), req); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateRejectsOverlap(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	req := createRequest()
	req.StartTime = "10:30"
	_, err := svc.Create(context.Background(), req)
	appErr := apperr.From(err)
	if appErr == nil || appErr.Kind != apperr.KindSchedulingConflict {
		t.Fatalf("err = %v, want scheduling conflict", err)
	}
	if len(appErr.ConflictIDs) != 1 {
		t.Fatalf("conflict ids = %v, want one id", appErr.ConflictIDs)
	}
}

func TestCreateAllowsBackToBack(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	req := createRequest()
	req.StartTime = "11:00"
	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("back-to-back Create: %v", err)
	}
}

func TestCreateSameTimeDifferentStaff(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	addWindow(store, "staff-2", "2026-03-10")
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	req := createRequest()
	req.Lines[0].ResourceID = "staff-2"
	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("parallel Create on other staff: %v", err)
	}
}

func TestCreateOutsideWorkingHours(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	req := createRequest()
	req.StartTime = "17:30" // runs past 18:00 close
	if _, err := svc.Create(context.Background(), req); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateDuringBreak(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	req := createRequest()
	req.StartTime = "13:30"
	if _, err := svc.Create(context.Background(), req); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateMissingWindowClosed(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateMissingWindowDefaultHours(t *testing.T) {
	store := newFakeStore()
	cat := catalog.NewStaticProvider([]catalog.Service{
		{ServiceID: "svc-cut", Name: "Haircut", Price: 40, DurationMinutes: 60},
	})
	dir := directory.NewStaticProvider([]directory.Staff{
		{StaffID: "staff-1", Name: "Asha", Active: true},
	})
	svc := New(store, store, conflict.NewDetector(store), policy.DefaultRules(),
		cat, dir, inventory.NewNoop(), loyalty.NewNoop(), slog.Default(),
		Config{MissingWindow: MissingDefaultHours, DefaultWorkStart: 9 * 60, DefaultWorkEnd: 18 * 60}).
		WithClock(func() time.Time { return time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC) })

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("Create with default hours: %v", err)
	}
}

func TestCreatePolicyAdvanceWindows(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-09")
	svc := testService(t, store)

	// Less than 2 hours of notice.
	req := createRequest()
	req.Date = "2026-03-09"
	req.StartTime = "10:00"
	if _, err := svc.Create(context.Background(), req); !apperr.IsKind(err, apperr.KindPolicyViolation) {
		t.Fatalf("short notice err = %v, want policy violation", err)
	}

	// Beyond 90 days.
	far := createRequest()
	far.Date = "2026-08-01"
	if _, err := svc.Create(context.Background(), far); !apperr.IsKind(err, apperr.KindPolicyViolation) {
		t.Fatalf("far-out err = %v, want policy violation", err)
	}
}

func TestCreateRetriesAfterConcurrentWrite(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	store.failCreates = 1
	svc := testService(t, store)

	// First write loses the constraint race but the re-read finds nothing,
	// so the retry lands.
	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("Create after one concurrency failure: %v", err)
	}
}

func TestRescheduleMovesInPlace(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	addWindow(store, "staff-1", "2026-03-12")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	moved, err := svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-12", "15:00", "customer request", "cust-1")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.ID != appt.ID {
		t.Fatalf("identity changed: %s -> %s", appt.ID, moved.ID)
	}
	if moved.Date != "2026-03-12" || moved.StartMinutes != 15*60 || moved.EndMinutes != 16*60 {
		t.Fatalf("moved to %s [%d, %d)", moved.Date, moved.StartMinutes, moved.EndMinutes)
	}
	if moved.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", moved.Status)
	}
	if len(moved.RescheduleHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(moved.RescheduleHistory))
	}
	entry := moved.RescheduleHistory[0]
	if entry.FromDate != "2026-03-10" || entry.FromTime != "10:00" || entry.ToTime != "15:00" {
		t.Fatalf("history entry = %+v", entry)
	}

	// The old slot is free again.
	again := createRequest()
	if _, err := svc.Create(context.Background(), again); err != nil {
		t.Fatalf("rebooking the vacated slot: %v", err)
	}
}

func TestRescheduleRejectsConflictAtTarget(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	first, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second := createRequest()
	second.StartTime = "14:00"
	other, err := svc.Create(context.Background(), second)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	_, err = svc.Reschedule(context.Background(), "biz-1", first.ID, "2026-03-10", "14:30", "", "cust-1")
	appErr := apperr.From(err)
	if appErr == nil || appErr.Kind != apperr.KindSchedulingConflict {
		t.Fatalf("err = %v, want scheduling conflict", err)
	}
	if len(appErr.ConflictIDs) != 1 || appErr.ConflictIDs[0] != other.ID {
		t.Fatalf("conflict ids = %v, want [%s]", appErr.ConflictIDs, other.ID)
	}
}

func TestRescheduleOntoOwnSlot(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Shifting within its own occupied range must not conflict with itself.
	if _, err := svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-10", "10:30", "", "cust-1"); err != nil {
		t.Fatalf("Reschedule over own slot: %v", err)
	}
}

func TestRescheduleCutoff(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-09")
	addWindow(store, "staff-1", "2026-03-12")
	svc := testService(t, store)

	// Appointment at 12:00 today; clock is 09:00, cutoff is 4h.
	appt := model.Appointment{
		ID: "appt-soon", BusinessID: "biz-1", CustomerID: "cust-1",
		Date: "2026-03-09", StartMinutes: 12 * 60, EndMinutes: 13 * 60,
		Status: model.StatusScheduled,
		Lines:  []model.ServiceLine{{ServiceID: "svc-cut", ResourceID: "staff-1", DurationMinutes: 60}},
		TotalDurationMinutes: 60,
	}
	store.appointments[appt.ID] = appt

	if _, err := svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-12", "10:00", "", "cust-1"); !apperr.IsKind(err, apperr.KindPolicyViolation) {
		t.Fatalf("err = %v, want policy violation", err)
	}
}

func TestRescheduleTerminalState(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store)

	appt := model.Appointment{
		ID: "appt-done", BusinessID: "biz-1", Date: "2026-03-10",
		StartMinutes: 10 * 60, EndMinutes: 11 * 60,
		Status:               model.StatusCompleted,
		TotalDurationMinutes: 60,
	}
	store.appointments[appt.ID] = appt

	if _, err := svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-12", "10:00", "", "cust-1"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestCancelReleasesSlotAndIsIdempotent(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), "biz-1", appt.ID, "plans changed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	// Second cancel is a no-op, not an error.
	again, err := svc.Cancel(context.Background(), "biz-1", appt.ID, "duplicate click")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.CancelReason != "plans changed" {
		t.Fatalf("reason overwritten: %q", again.CancelReason)
	}

	// The slot is bookable again.
	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("rebooking cancelled slot: %v", err)
	}

	types := store.eventTypes()
	want := []string{outbox.EventAppointmentBooked, outbox.EventAppointmentCancelled, outbox.EventAppointmentBooked}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestCancelCutoff(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store)

	appt := model.Appointment{
		ID: "appt-soon", BusinessID: "biz-1", Date: "2026-03-09",
		StartMinutes: 10 * 60, EndMinutes: 11 * 60,
		Status: model.StatusScheduled, TotalDurationMinutes: 60,
	}
	store.appointments[appt.ID] = appt

	// Clock 09:00, start 10:00, cutoff 2h.
	if _, err := svc.Cancel(context.Background(), "biz-1", appt.ID, ""); !apperr.IsKind(err, apperr.KindPolicyViolation) {
		t.Fatalf("err = %v, want policy violation", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx := context.Background()
	for _, target := range []model.Status{
		model.StatusConfirmed, model.StatusCheckedIn, model.StatusInProgress, model.StatusCompleted,
	} {
		if _, err := svc.Transition(ctx, "biz-1", appt.ID, target); err != nil {
			t.Fatalf("Transition to %s: %v", target, err)
		}
	}

	final, err := svc.Get(ctx, "biz-1", appt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}

	types := store.eventTypes()
	if types[len(types)-1] != outbox.EventAppointmentCompleted {
		t.Fatalf("last event = %s, want %s", types[len(types)-1], outbox.EventAppointmentCompleted)
	}
}

func TestTransitionRejectsSkips(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// scheduled -> completed skips the whole path.
	if _, err := svc.Transition(context.Background(), "biz-1", appt.ID, model.StatusCompleted); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	// Cancellation must go through the cancel operation.
	if _, err := svc.Transition(context.Background(), "biz-1", appt.ID, model.StatusCancelled); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if _, err := svc.Transition(context.Background(), "biz-1", appt.ID, "teleported"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestTransitionNoShowEmitsEvent(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Transition(context.Background(), "biz-1", appt.ID, model.StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Transition(context.Background(), "biz-1", appt.ID, model.StatusNoShow); err != nil {
		t.Fatalf("no-show: %v", err)
	}
	types := store.eventTypes()
	if types[len(types)-1] != outbox.EventAppointmentNoShow {
		t.Fatalf("last event = %s, want %s", types[len(types)-1], outbox.EventAppointmentNoShow)
	}
}

func TestAvailableSlotsExcludesBookings(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	slots, err := svc.AvailableSlots(context.Background(), "biz-1", "staff-1", "2026-03-10", 60)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	for _, s := range slots {
		if s.Overlaps(timeslot.Range{Start: 10 * 60, End: 11 * 60}) {
			t.Fatalf("slot %s-%s overlaps the booking",
				timeslot.FormatClock(s.Start), timeslot.FormatClock(s.End))
		}
		if s.Overlaps(timeslot.Range{Start: 13 * 60, End: 14 * 60}) {
			t.Fatalf("slot %s-%s overlaps the break",
				timeslot.FormatClock(s.Start), timeslot.FormatClock(s.End))
		}
	}
}

func TestAvailableSlotsMissingWindow(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store)

	slots, err := svc.AvailableSlots(context.Background(), "biz-1", "staff-1", "2026-03-10", 60)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots = %v, want none", slots)
	}
}

func TestCheckAvailability(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	svc := testService(t, store)

	if _, err := svc.Create(context.Background(), createRequest()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name       string
		start, end string
		available  bool
	}{
		{"open slot", "11:00", "12:00", true},
		{"booked slot", "10:00", "11:00", false},
		{"partial overlap", "10:30", "11:30", false},
		{"break", "13:00", "13:30", false},
		{"before opening", "08:00", "09:00", false},
	}
	for _, tc := range cases {
		res, err := svc.CheckAvailability(context.Background(), "biz-1", "staff-1", "2026-03-10", tc.start, tc.end)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Available != tc.available {
			t.Fatalf("%s: available = %v (%s), want %v", tc.name, res.Available, res.Reason, tc.available)
		}
	}
}

func TestGetUnknownAppointment(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store)

	if _, err := svc.Get(context.Background(), "biz-1", "nope"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRescheduleRetriesWithFreshVersion(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	addWindow(store, "staff-1", "2026-03-12")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A concurrent confirmation lands between the reschedule's read and its
	// write, advancing the version so the first write attempt is rejected.
	store.rescheduleHook = func() {
		store.rescheduleHook = nil
		stored := store.appointments[appt.ID]
		stored.Status = model.StatusConfirmed
		stored.Version++
		store.appointments[appt.ID] = stored
	}

	moved, err := svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-12", "15:00", "customer request", "cust-1")
	if err != nil {
		t.Fatalf("Reschedule after version conflict: %v", err)
	}
	if moved.Date != "2026-03-12" || moved.StartMinutes != 15*60 {
		t.Fatalf("moved to %s at %d", moved.Date, moved.StartMinutes)
	}
	stored := store.appointments[appt.ID]
	if stored.Version != 3 {
		t.Fatalf("stored version = %d, want 3", stored.Version)
	}
}

func TestRescheduleStopsWhenConcurrentWriterCancels(t *testing.T) {
	store := newFakeStore()
	addWindow(store, "staff-1", "2026-03-10")
	addWindow(store, "staff-1", "2026-03-12")
	svc := testService(t, store)

	appt, err := svc.Create(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.rescheduleHook = func() {
		store.rescheduleHook = nil
		stored := store.appointments[appt.ID]
		stored.Status = model.StatusCancelled
		stored.Version++
		store.appointments[appt.ID] = stored
	}

	_, err = svc.Reschedule(context.Background(), "biz-1", appt.ID, "2026-03-12", "15:00", "customer request", "cust-1")
	if !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Fatalf("expected invalid transition after concurrent cancel, got %v", err)
	}
}

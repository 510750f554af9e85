package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/catalog"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/conflict"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/directory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/inventory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/lifecycle"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/loyalty"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/policy"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/storage"
)

type memStore struct {
	appointments map[string]model.Appointment
	windows      map[string]model.AvailabilityWindow
}

func newMemStore() *memStore {
	return &memStore{
		appointments: make(map[string]model.Appointment),
		windows:      make(map[string]model.AvailabilityWindow),
	}
}

func (m *memStore) CreateAppointment(_ context.Context, appt *model.Appointment, _ ...outbox.Event) error {
	appt.Version = 1
	m.appointments[appt.ID] = *appt
	return nil
}

func (m *memStore) RescheduleAppointment(_ context.Context, appt *model.Appointment, entry model.Reschedule, _ ...outbox.Event) error {
	stored := *appt
	stored.RescheduleHistory = append(stored.RescheduleHistory, entry)
	m.appointments[appt.ID] = stored
	return nil
}

func (m *memStore) UpdateAppointmentStatus(_ context.Context, appt *model.Appointment, _ ...outbox.Event) error {
	m.appointments[appt.ID] = *appt
	return nil
}

func (m *memStore) GetAppointment(_ context.Context, businessID, appointmentID string) (model.Appointment, error) {
	appt, ok := m.appointments[appointmentID]
	if !ok || appt.BusinessID != businessID {
		return model.Appointment{}, apperr.NotFound("appointment %s not found", appointmentID)
	}
	return appt, nil
}

func (m *memStore) ListByResourceAndDate(_ context.Context, businessID, resourceID, date string) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range m.appointments {
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

func (m *memStore) ListByBusiness(_ context.Context, businessID string, limit int) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range m.appointments {
		if appt.BusinessID == businessID && len(out) < limit {
			out = append(out, appt)
		}
	}
	return out, nil
}

func (m *memStore) GetWindow(_ context.Context, businessID, resourceID, date string) (model.AvailabilityWindow, error) {
	win, ok := m.windows[businessID+"|"+resourceID+"|"+date]
	if !ok {
		return model.AvailabilityWindow{}, apperr.NotFound("no availability for %s on %s", resourceID, date)
	}
	return win, nil
}

func (m *memStore) addWindow(resourceID, date string) {
	m.windows["biz-1|"+resourceID+"|"+date] = model.AvailabilityWindow{
		BusinessID: "biz-1",
		ResourceID: resourceID,
		Date:       date,
		WorkStart:  9 * 60,
		WorkEnd:    18 * 60,
		BreakStart: model.ClockUnset,
		BreakEnd:   model.ClockUnset,
	}
}

type memIdempotency struct {
	records  map[string]storage.IdempotencyRecord
	reserved map[string]time.Time
	now      func() time.Time
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{
		records:  make(map[string]storage.IdempotencyRecord),
		reserved: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Pending claims expire after five minutes, matching the repository.
func (m *memIdempotency) Reserve(_ context.Context, businessID, key string) (storage.IdempotencyRecord, bool, error) {
	id := businessID + "|" + key
	rec, ok := m.records[id]
	if ok {
		if rec.StatusCode == 0 && m.now().Sub(m.reserved[id]) > 5*time.Minute {
			m.reserved[id] = m.now()
			return storage.IdempotencyRecord{BusinessID: businessID, IdempotencyKey: key}, true, nil
		}
		return rec, false, nil
	}
	rec = storage.IdempotencyRecord{BusinessID: businessID, IdempotencyKey: key}
	m.records[id] = rec
	m.reserved[id] = m.now()
	return rec, true, nil
}

func (m *memIdempotency) Finalize(_ context.Context, businessID, key, appointmentID string, statusCode int, response []byte) error {
	m.records[businessID+"|"+key] = storage.IdempotencyRecord{
		BusinessID:      businessID,
		IdempotencyKey:  key,
		AppointmentID:   appointmentID,
		StatusCode:      statusCode,
		ResponsePayload: response,
	}
	return nil
}

func (m *memIdempotency) Release(_ context.Context, businessID, key string) error {
	delete(m.records, businessID+"|"+key)
	return nil
}

func newTestHandler(t *testing.T, store *memStore) *SchedulingHandler {
	t.Helper()
	cat := catalog.NewStaticProvider([]catalog.Service{
		{ServiceID: "svc-cut", Name: "Haircut", Price: 39.995, DurationMinutes: 60},
	})
	dir := directory.NewStaticProvider([]directory.Staff{
		{StaffID: "staff-1", Name: "Asha", Active: true},
	})
	lc := lifecycle.New(store, store, conflict.NewDetector(store), policy.DefaultRules(),
		cat, dir, inventory.NewNoop(), loyalty.NewNoop(), slog.Default(),
		lifecycle.Config{SlotStepMinutes: 30, TaxRatePercent: 10}).
		WithClock(func() time.Time { return time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC) })
	return NewSchedulingHandler(lc, store, newMemIdempotency(), slog.Default())
}

const bookBody = `{
	"business_id": "biz-1",
	"customer_id": "cust-1",
	"date": "2026-03-10",
	"start_time": "10:00",
	"lines": [{"service_id": "svc-cut", "resource_id": "staff-1"}]
}`

func TestBookCreatesAppointment(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Book(rec, httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AppointmentID == "" || resp.Status != "scheduled" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.StartTime != "10:00" || resp.EndTime != "11:00" {
		t.Fatalf("times = %s-%s", resp.StartTime, resp.EndTime)
	}
	// 39.995 subtotal rounds to 40.00 only in the response.
	if resp.Subtotal != 40.0 {
		t.Fatalf("subtotal = %v, want 40", resp.Subtotal)
	}
}

func TestBookIdempotencyReplay(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-1")
	h.Book(first, req)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-1")
	h.Book(second, req)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if len(store.appointments) != 1 {
		t.Fatalf("appointments = %d, want 1", len(store.appointments))
	}
}

func TestBookIdempotencyReleasedOnFailure(t *testing.T) {
	store := newMemStore()
	// No window: booking fails with 400, the key must be reusable.
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-1")
	h.Book(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	store.addWindow("staff-1", "2026-03-10")
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-1")
	h.Book(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestBookErrorMapping(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	store.addWindow("staff-1", "2026-03-09")
	h := newTestHandler(t, store)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Book(rec, httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body)))
		return rec
	}

	// First booking occupies 10:00-11:00.
	if rec := post(bookBody); rec.Code != http.StatusCreated {
		t.Fatalf("setup booking status = %d", rec.Code)
	}

	// Overlap -> 409 with conflict ids.
	rec := post(strings.Replace(bookBody, `"10:00"`, `"10:30"`, 1))
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap status = %d, want 409", rec.Code)
	}
	var errResp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != "scheduling_conflict" || len(errResp.ConflictIDs) != 1 {
		t.Fatalf("error response = %+v", errResp)
	}

	// Same-day short-notice booking -> 422.
	rec = post(strings.Replace(bookBody, "2026-03-10", "2026-03-09", 1))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("policy status = %d, want 422", rec.Code)
	}

	// Unknown service -> 404.
	rec = post(strings.Replace(bookBody, "svc-cut", "svc-nope", 1))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service status = %d, want 404", rec.Code)
	}

	// Malformed time -> 400.
	rec = post(strings.Replace(bookBody, `"10:00"`, `"25:99"`, 1))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad time status = %d, want 400", rec.Code)
	}
}

func TestSlotsEndpoint(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Slots(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/public/slots?business_id=biz-1&resource_id=staff-1&date=2026-03-10&duration_minutes=60", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var slots []slotItem
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	if len(slots) == 0 {
		t.Fatal("expected slots for an open day")
	}
	if slots[0].StartTime != "09:00" || slots[0].EndTime != "10:00" {
		t.Fatalf("first slot = %+v", slots[0])
	}
}

func TestSlotsRequiresDuration(t *testing.T) {
	h := newTestHandler(t, newMemStore())
	rec := httptest.NewRecorder()
	h.Slots(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/public/slots?business_id=biz-1&resource_id=staff-1&date=2026-03-10", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCheckAvailabilityEndpoint(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.CheckAvailability(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/public/availability?business_id=biz-1&resource_id=staff-1&date=2026-03-10&start=08:00&end=09:00", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp availabilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available || resp.Reason == "" {
		t.Fatalf("response = %+v, want unavailable with reason", resp)
	}
}

func TestCancelEndpointMapsPolicyViolation(t *testing.T) {
	store := newMemStore()
	store.appointments["appt-soon"] = model.Appointment{
		ID: "appt-soon", BusinessID: "biz-1", Date: "2026-03-09",
		StartMinutes: 10 * 60, EndMinutes: 11 * 60,
		Status: model.StatusScheduled, TotalDurationMinutes: 60,
	}
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Cancel(rec, httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel",
		strings.NewReader(`{"business_id":"biz-1","appointment_id":"appt-soon"}`)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestTransitionEndpointMapsInvalidTransition(t *testing.T) {
	store := newMemStore()
	store.appointments["appt-1"] = model.Appointment{
		ID: "appt-1", BusinessID: "biz-1", Date: "2026-03-10",
		StartMinutes: 10 * 60, EndMinutes: 11 * 60,
		Status: model.StatusScheduled, TotalDurationMinutes: 60,
	}
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Transition(rec, httptest.NewRequest(http.MethodPost, "/api/v1/appointments/transition",
		strings.NewReader(`{"business_id":"biz-1","appointment_id":"appt-1","status":"completed"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestRescheduleEndpoint(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	store.addWindow("staff-1", "2026-03-12")
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Book(rec, httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d", rec.Code)
	}
	var created appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	h.Reschedule(rec, httptest.NewRequest(http.MethodPost, "/api/v1/appointments/reschedule",
		strings.NewReader(`{"business_id":"biz-1","appointment_id":"`+created.AppointmentID+
			`","date":"2026-03-12","start_time":"15:00","reason":"customer request"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d: %s", rec.Code, rec.Body.String())
	}
	var moved appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if moved.AppointmentID != created.AppointmentID {
		t.Fatalf("identity changed: %s -> %s", created.AppointmentID, moved.AppointmentID)
	}
	if moved.Date != "2026-03-12" || moved.StartTime != "15:00" {
		t.Fatalf("moved = %+v", moved)
	}
	if len(moved.RescheduleHistory) != 1 || moved.RescheduleHistory[0].FromDate != "2026-03-10" {
		t.Fatalf("history = %+v", moved.RescheduleHistory)
	}
}

func TestListEndpoint(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.Book(rec, httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments?business_id=biz-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var items []appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
}

func TestMethodGuards(t *testing.T) {
	h := newTestHandler(t, newMemStore())
	cases := []struct {
		name    string
		handler http.HandlerFunc
		method  string
	}{
		{"book", h.Book, http.MethodGet},
		{"slots", h.Slots, http.MethodPost},
		{"cancel", h.Cancel, http.MethodGet},
		{"list", h.List, http.MethodDelete},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.handler(rec, httptest.NewRequest(tc.method, "/", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status = %d, want 405", tc.name, rec.Code)
		}
	}
}

func TestRound2HalfCentBoundary(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		// 39.995's nearest float64 is just under the half cent; decimal
		// rounding still expects 40.00.
		{39.995, 40.00},
		{39.994, 39.99},
		{39.996, 40.00},
		{0.005, 0.01},
		{-39.995, -40.00},
		{120.0, 120.00},
	}
	for _, tc := range cases {
		if got := round2(tc.in); got != tc.want {
			t.Fatalf("round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBookReclaimsAbandonedKey(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)
	idem := newMemIdempotency()
	h.idempotency = idem

	// A booking that crashed after Reserve leaves the key pending with no
	// stored response.
	idem.records["biz-1|key-stale"] = storage.IdempotencyRecord{BusinessID: "biz-1", IdempotencyKey: "key-stale"}
	idem.reserved["biz-1|key-stale"] = time.Now().Add(-10 * time.Minute)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-stale")
	h.Book(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("stale pending key: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestBookPendingKeyStillInFlight(t *testing.T) {
	store := newMemStore()
	store.addWindow("staff-1", "2026-03-10")
	h := newTestHandler(t, store)
	idem := newMemIdempotency()
	h.idempotency = idem

	idem.records["biz-1|key-live"] = storage.IdempotencyRecord{BusinessID: "biz-1", IdempotencyKey: "key-live"}
	idem.reserved["biz-1|key-live"] = time.Now()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(bookBody))
	req.Header.Set("Idempotency-Key", "key-live")
	h.Book(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("fresh pending key: status = %d, want 409", rec.Code)
	}
}

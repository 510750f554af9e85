package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/lifecycle"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/pricing"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/storage"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// IdempotencyStore replays responses for repeated booking requests. A nil
// store disables the Idempotency-Key header.
type IdempotencyStore interface {
	Reserve(ctx context.Context, businessID, key string) (storage.IdempotencyRecord, bool, error)
	Finalize(ctx context.Context, businessID, key, appointmentID string, statusCode int, response []byte) error
	Release(ctx context.Context, businessID, key string) error
}

// AppointmentLister lists a business's appointments, newest first.
type AppointmentLister interface {
	ListByBusiness(ctx context.Context, businessID string, limit int) ([]model.Appointment, error)
}

type SchedulingHandler struct {
	lifecycle   *lifecycle.Service
	lister      AppointmentLister
	idempotency IdempotencyStore
	logger      *slog.Logger
}

func NewSchedulingHandler(lc *lifecycle.Service, lister AppointmentLister, idempotency IdempotencyStore, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{
		lifecycle:   lc,
		lister:      lister,
		idempotency: idempotency,
		logger:      logger,
	}
}

type lineRequest struct {
	ServiceID  string   `json:"service_id"`
	ResourceID string   `json:"resource_id"`
	Addons     []string `json:"addons,omitempty"`
}

type bookRequest struct {
	BusinessID         string        `json:"business_id"`
	CustomerID         string        `json:"customer_id"`
	Date               string        `json:"date"`
	StartTime          string        `json:"start_time"`
	Lines              []lineRequest `json:"lines"`
	DiscountPercentage float64       `json:"discount_percentage,omitempty"`
	DiscountFlat       float64       `json:"discount_flat,omitempty"`
}

type rescheduleRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	Reason        string `json:"reason"`
	Actor         string `json:"actor"`
}

type cancelRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type transitionRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

type lineItem struct {
	ServiceID       string      `json:"service_id"`
	ResourceID      string      `json:"resource_id"`
	Name            string      `json:"name"`
	Price           float64     `json:"price"`
	DurationMinutes int         `json:"duration_minutes"`
	Addons          []addonItem `json:"addons,omitempty"`
}

type addonItem struct {
	Name            string  `json:"name"`
	Price           float64 `json:"price"`
	DurationMinutes int     `json:"duration_minutes"`
}

type rescheduleItem struct {
	FromDate string `json:"from_date"`
	FromTime string `json:"from_time"`
	ToDate   string `json:"to_date"`
	ToTime   string `json:"to_time"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

type appointmentResponse struct {
	AppointmentID        string           `json:"appointment_id"`
	BusinessID           string           `json:"business_id"`
	CustomerID           string           `json:"customer_id"`
	Date                 string           `json:"date"`
	StartTime            string           `json:"start_time"`
	EndTime              string           `json:"end_time"`
	Status               string           `json:"status"`
	Lines                []lineItem       `json:"lines"`
	Subtotal             float64          `json:"subtotal"`
	DiscountAmount       float64          `json:"discount_amount"`
	Tax                  float64          `json:"tax"`
	Total                float64          `json:"total"`
	TotalDurationMinutes int              `json:"total_duration_minutes"`
	RescheduleHistory    []rescheduleItem `json:"reschedule_history,omitempty"`
	CancelReason         string           `json:"cancel_reason,omitempty"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type availabilityResponse struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	ConflictIDs []string `json:"conflict_ids,omitempty"`
}

func (h *SchedulingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	businessID := strings.TrimSpace(q.Get("business_id"))
	resourceID := strings.TrimSpace(q.Get("resource_id"))
	date := strings.TrimSpace(q.Get("date"))
	if businessID == "" || resourceID == "" || date == "" {
		http.Error(w, "business_id, resource_id, and date are required", http.StatusBadRequest)
		return
	}
	duration, err := strconv.Atoi(strings.TrimSpace(q.Get("duration_minutes")))
	if err != nil {
		http.Error(w, "duration_minutes must be an integer", http.StatusBadRequest)
		return
	}

	slots, err := h.lifecycle.AvailableSlots(r.Context(), businessID, resourceID, date, duration)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: timeslot.FormatClock(s.Start),
			EndTime:   timeslot.FormatClock(s.End),
		})
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *SchedulingHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	businessID := strings.TrimSpace(q.Get("business_id"))
	resourceID := strings.TrimSpace(q.Get("resource_id"))
	date := strings.TrimSpace(q.Get("date"))
	start := strings.TrimSpace(q.Get("start"))
	end := strings.TrimSpace(q.Get("end"))
	if businessID == "" || resourceID == "" || date == "" || start == "" || end == "" {
		http.Error(w, "business_id, resource_id, date, start, and end are required", http.StatusBadRequest)
		return
	}

	res, err := h.lifecycle.CheckAvailability(r.Context(), businessID, resourceID, date, start, end)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, availabilityResponse{Available: res.Available, Reason: res.Reason})
}

func (h *SchedulingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.BusinessID == "" || req.CustomerID == "" {
		http.Error(w, "business_id and customer_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if h.idempotency != nil && idempotencyKey != "" {
		rec, inserted, err := h.idempotency.Reserve(ctx, req.BusinessID, idempotencyKey)
		if err != nil {
			http.Error(w, "failed to reserve idempotency key", http.StatusInternalServerError)
			return
		}
		if !inserted {
			if rec.StatusCode > 0 && len(rec.ResponsePayload) > 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.ResponsePayload)
				return
			}
			// The original request is still in flight.
			http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
			return
		}
	}

	lines := make([]lifecycle.LineRequest, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, lifecycle.LineRequest{
			ServiceID:  strings.TrimSpace(l.ServiceID),
			ResourceID: strings.TrimSpace(l.ResourceID),
			Addons:     l.Addons,
		})
	}

	appt, err := h.lifecycle.Create(ctx, lifecycle.CreateRequest{
		BusinessID: req.BusinessID,
		CustomerID: req.CustomerID,
		Date:       strings.TrimSpace(req.Date),
		StartTime:  strings.TrimSpace(req.StartTime),
		Lines:      lines,
		Discount: pricing.DiscountSpec{
			Percentage: req.DiscountPercentage,
			FlatAmount: req.DiscountFlat,
		},
	})
	if err != nil {
		if h.idempotency != nil && idempotencyKey != "" {
			if relErr := h.idempotency.Release(ctx, req.BusinessID, idempotencyKey); relErr != nil {
				h.logger.Error("idempotency release failed", "key", idempotencyKey, "err", relErr)
			}
		}
		h.writeError(w, err)
		return
	}

	body, err := json.Marshal(toAppointmentResponse(appt))
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if h.idempotency != nil && idempotencyKey != "" {
		if err := h.idempotency.Finalize(ctx, req.BusinessID, idempotencyKey, appt.ID, http.StatusCreated, body); err != nil {
			h.logger.Error("idempotency finalize failed", "key", idempotencyKey, "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *SchedulingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.BusinessID == "" || req.AppointmentID == "" {
		http.Error(w, "business_id and appointment_id are required", http.StatusBadRequest)
		return
	}

	appt, err := h.lifecycle.Reschedule(r.Context(), req.BusinessID, req.AppointmentID,
		strings.TrimSpace(req.Date), strings.TrimSpace(req.StartTime),
		strings.TrimSpace(req.Reason), strings.TrimSpace(req.Actor))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.BusinessID == "" || req.AppointmentID == "" {
		http.Error(w, "business_id and appointment_id are required", http.StatusBadRequest)
		return
	}

	appt, err := h.lifecycle.Cancel(r.Context(), req.BusinessID, req.AppointmentID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Status = strings.TrimSpace(req.Status)
	if req.BusinessID == "" || req.AppointmentID == "" || req.Status == "" {
		http.Error(w, "business_id, appointment_id, and status are required", http.StatusBadRequest)
		return
	}

	appt, err := h.lifecycle.Transition(r.Context(), req.BusinessID, req.AppointmentID, model.Status(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	businessID := strings.TrimSpace(q.Get("business_id"))
	appointmentID := strings.TrimSpace(q.Get("appointment_id"))
	if businessID == "" || appointmentID == "" {
		http.Error(w, "business_id and appointment_id are required", http.StatusBadRequest)
		return
	}

	appt, err := h.lifecycle.Get(r.Context(), businessID, appointmentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if businessID == "" {
		businessID = strings.TrimSpace(r.URL.Query().Get("business_id"))
	}
	if businessID == "" {
		http.Error(w, "business_id required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	appts, err := h.lister.ListByBusiness(r.Context(), businessID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for i := range appts {
		items = append(items, toAppointmentResponse(&appts[i]))
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *SchedulingHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *SchedulingHandler) writeError(w http.ResponseWriter, err error) {
	appErr := apperr.From(err)
	if appErr == nil {
		h.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindPolicyViolation:
		status = http.StatusUnprocessableEntity
	case apperr.KindSchedulingConflict, apperr.KindInvalidTransition, apperr.KindConcurrencyConflict:
		status = http.StatusConflict
	}
	h.writeJSON(w, status, errorResponse{
		Error:       appErr.Msg,
		Code:        appErr.Kind.String(),
		ConflictIDs: appErr.ConflictIDs,
	})
}

func toAppointmentResponse(appt *model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID:        appt.ID,
		BusinessID:           appt.BusinessID,
		CustomerID:           appt.CustomerID,
		Date:                 appt.Date,
		StartTime:            timeslot.FormatClock(appt.StartMinutes),
		EndTime:              timeslot.FormatClock(appt.EndMinutes),
		Status:               string(appt.Status),
		Subtotal:             round2(appt.Subtotal),
		DiscountAmount:       round2(appt.DiscountAmount),
		Tax:                  round2(appt.Tax),
		Total:                round2(appt.Total),
		TotalDurationMinutes: appt.TotalDurationMinutes,
		CancelReason:         appt.CancelReason,
	}
	for _, l := range appt.Lines {
		item := lineItem{
			ServiceID:       l.ServiceID,
			ResourceID:      l.ResourceID,
			Name:            l.Name,
			Price:           round2(l.Price),
			DurationMinutes: l.DurationMinutes,
		}
		for _, a := range l.Addons {
			item.Addons = append(item.Addons, addonItem{
				Name:            a.Name,
				Price:           round2(a.Price),
				DurationMinutes: a.DurationMinutes,
			})
		}
		resp.Lines = append(resp.Lines, item)
	}
	for _, e := range appt.RescheduleHistory {
		resp.RescheduleHistory = append(resp.RescheduleHistory, rescheduleItem{
			FromDate: e.FromDate,
			FromTime: e.FromTime,
			ToDate:   e.ToDate,
			ToTime:   e.ToTime,
			Reason:   e.Reason,
			Actor:    e.Actor,
		})
	}
	return resp
}

// round2 rounds to cents at the response boundary; stored amounts keep full
// precision. The nudge keeps values like 39.995, whose nearest float64 sits
// just under the half-cent, rounding up as the decimal arithmetic intends.
func round2(v float64) float64 {
	return math.Round(v*100+math.Copysign(1e-9, v)) / 100
}

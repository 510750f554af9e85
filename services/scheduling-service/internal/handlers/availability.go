package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/availability"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/timeslot"
)

// WindowWriter persists availability windows.
type WindowWriter interface {
	UpsertWindow(ctx context.Context, win model.AvailabilityWindow) error
	UpsertWindows(ctx context.Context, windows []model.AvailabilityWindow) error
}

// AvailabilityHandler owns the admin surface for working hours: single-day
// window upserts and weekly-template expansion over a date range.
type AvailabilityHandler struct {
	windows WindowWriter
	logger  *slog.Logger

	// maxTemplateDays caps one template expansion request.
	maxTemplateDays int
}

func NewAvailabilityHandler(windows WindowWriter, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{windows: windows, logger: logger, maxTemplateDays: 366}
}

type overrideRequest struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type upsertWindowRequest struct {
	BusinessID    string            `json:"business_id"`
	ResourceID    string            `json:"resource_id"`
	Date          string            `json:"date"`
	IsDayOff      bool              `json:"is_day_off"`
	WorkStart     string            `json:"work_start"`
	WorkEnd       string            `json:"work_end"`
	BreakStart    string            `json:"break_start,omitempty"`
	BreakEnd      string            `json:"break_end,omitempty"`
	Overrides     []overrideRequest `json:"overrides,omitempty"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
}

type applyTemplateRequest struct {
	BusinessID    string   `json:"business_id"`
	ResourceID    string   `json:"resource_id"`
	FromDate      string   `json:"from_date"`
	ToDate        string   `json:"to_date"`
	WorkStart     string   `json:"work_start"`
	WorkEnd       string   `json:"work_end"`
	BreakStart    string   `json:"break_start,omitempty"`
	BreakEnd      string   `json:"break_end,omitempty"`
	DaysOff       []string `json:"days_off,omitempty"`
	SkipDates     []string `json:"skip_dates,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

type applyTemplateResponse struct {
	WindowsWritten int `json:"windows_written"`
}

func (h *AvailabilityHandler) UpsertWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req upsertWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	req.Date = strings.TrimSpace(req.Date)
	if req.BusinessID == "" || req.ResourceID == "" || req.Date == "" {
		http.Error(w, "business_id, resource_id, and date are required", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	win := model.AvailabilityWindow{
		BusinessID:    req.BusinessID,
		ResourceID:    req.ResourceID,
		Date:          req.Date,
		IsDayOff:      req.IsDayOff,
		BreakStart:    model.ClockUnset,
		BreakEnd:      model.ClockUnset,
		MaxConcurrent: req.MaxConcurrent,
	}

	if !req.IsDayOff {
		var ok bool
		win.WorkStart, win.WorkEnd, ok = parseClockPair(req.WorkStart, req.WorkEnd)
		if !ok {
			http.Error(w, "work_start and work_end must be HH:MM with start before end", http.StatusBadRequest)
			return
		}
		if req.BreakStart != "" || req.BreakEnd != "" {
			win.BreakStart, win.BreakEnd, ok = parseClockPair(req.BreakStart, req.BreakEnd)
			if !ok {
				http.Error(w, "break_start and break_end must be HH:MM with start before end", http.StatusBadRequest)
				return
			}
		}
	}

	for _, o := range req.Overrides {
		start, end, ok := parseClockPair(o.Start, o.End)
		if !ok {
			http.Error(w, "override start and end must be HH:MM with start before end", http.StatusBadRequest)
			return
		}
		win.Overrides = append(win.Overrides, model.Override{
			Range:     timeslot.Range{Start: start, End: end},
			Available: o.Available,
			Reason:    strings.TrimSpace(o.Reason),
		})
	}

	if err := h.windows.UpsertWindow(r.Context(), win); err != nil {
		h.logger.Error("window upsert failed", "resource_id", req.ResourceID, "date", req.Date, "err", err)
		http.Error(w, "failed to save availability window", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AvailabilityHandler) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req applyTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if req.BusinessID == "" || req.ResourceID == "" {
		http.Error(w, "business_id and resource_id are required", http.StatusBadRequest)
		return
	}

	from, err := time.Parse("2006-01-02", strings.TrimSpace(req.FromDate))
	if err != nil {
		http.Error(w, "invalid from_date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", strings.TrimSpace(req.ToDate))
	if err != nil {
		http.Error(w, "invalid to_date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		http.Error(w, "to_date must not precede from_date", http.StatusBadRequest)
		return
	}
	if int(to.Sub(from).Hours()/24)+1 > h.maxTemplateDays {
		http.Error(w, "date range too large", http.StatusBadRequest)
		return
	}

	tpl := availability.Template{
		BusinessID:    req.BusinessID,
		ResourceID:    req.ResourceID,
		BreakStart:    model.ClockUnset,
		BreakEnd:      model.ClockUnset,
		MaxConcurrent: req.MaxConcurrent,
	}
	var ok bool
	tpl.WorkStart, tpl.WorkEnd, ok = parseClockPair(req.WorkStart, req.WorkEnd)
	if !ok {
		http.Error(w, "work_start and work_end must be HH:MM with start before end", http.StatusBadRequest)
		return
	}
	if req.BreakStart != "" || req.BreakEnd != "" {
		tpl.BreakStart, tpl.BreakEnd, ok = parseClockPair(req.BreakStart, req.BreakEnd)
		if !ok {
			http.Error(w, "break_start and break_end must be HH:MM with start before end", http.StatusBadRequest)
			return
		}
	}
	if len(req.DaysOff) > 0 {
		tpl.DaysOff = make(map[time.Weekday]bool, len(req.DaysOff))
		for _, name := range req.DaysOff {
			day, ok := parseWeekday(name)
			if !ok {
				http.Error(w, "unknown weekday in days_off", http.StatusBadRequest)
				return
			}
			tpl.DaysOff[day] = true
		}
	}

	var skip map[string]bool
	if len(req.SkipDates) > 0 {
		skip = make(map[string]bool, len(req.SkipDates))
		for _, d := range req.SkipDates {
			skip[strings.TrimSpace(d)] = true
		}
	}

	windows := availability.Expand(tpl, from, to, skip)
	if err := h.windows.UpsertWindows(r.Context(), windows); err != nil {
		h.logger.Error("template expansion write failed", "resource_id", req.ResourceID, "err", err)
		http.Error(w, "failed to save availability windows", http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(applyTemplateResponse{WindowsWritten: len(windows)})
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseClockPair(start, end string) (int, int, bool) {
	s, err := timeslot.ParseClock(strings.TrimSpace(start))
	if err != nil {
		return 0, 0, false
	}
	e, err := timeslot.ParseClock(strings.TrimSpace(end))
	if err != nil {
		return 0, 0, false
	}
	if s >= e {
		return 0, 0, false
	}
	return s, e, true
}

func parseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	default:
		return 0, false
	}
}

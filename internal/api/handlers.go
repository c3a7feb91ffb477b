package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"staysync/internal/domain"
	"staysync/internal/ics"
	"staysync/internal/models"
	"staysync/internal/service"
)

// defaultCalendarDays is the display window when from/to are omitted.
const defaultCalendarDays = 90

type createReservationRequest struct {
	UnitID         string `json:"unit_id"`
	CheckIn        string `json:"check_in"`
	CheckOut       string `json:"check_out"`
	Guests         int    `json:"guests"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (b createReservationRequest) toModel() (models.ReservationRequest, error) {
	req := models.ReservationRequest{
		UnitID:         strings.TrimSpace(b.UnitID),
		GuestCount:     b.Guests,
		IdempotencyKey: strings.TrimSpace(b.IdempotencyKey),
	}
	var err error
	if req.CheckIn, err = parseDateField("check_in", b.CheckIn); err != nil {
		return req, err
	}
	if req.CheckOut, err = parseDateField("check_out", b.CheckOut); err != nil {
		return req, err
	}
	return req, nil
}

type reservationResponse struct {
	Status             models.ReservationState `json:"status"`
	ReservationID      string                  `json:"reservation_id,omitempty"`
	HoldDeadline       *time.Time              `json:"hold_deadline,omitempty"`
	Reason             string                  `json:"reason,omitempty"`
	Code               string                  `json:"code,omitempty"`
	ConflictingSources []models.Source         `json:"conflicting_sources,omitempty"`
	Reservation        *models.Reservation     `json:"reservation,omitempty"`
}

func parseDateField(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, domain.NewValidationError(field, "is required")
	}
	t, err := models.ParseDate(raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "invalid date format; expected YYYY-MM-DD")
	}
	return t, nil
}

func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var body createReservationRequest
	if err := decodeBody(r, &body, false); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	req, err := body.toModel()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	res, err := s.svc.Reservations.Request(r.Context(), req)
	if err != nil {
		statusCode, code := errorStatus(err)
		if statusCode == http.StatusInternalServerError {
			s.writeDomainError(w, r, err)
			return
		}
		resp := reservationResponse{
			Status: models.StateRejected,
			Reason: err.Error(),
			Code:   code,
		}
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			resp.ConflictingSources = conflict.Sources()
		}
		if res != nil {
			resp.ReservationID = res.ID
			resp.Reservation = res
		}
		writeJSON(w, statusCode, resp)
		return
	}

	writeJSON(w, http.StatusCreated, reservationResponse{
		Status:        res.State,
		ReservationID: res.ID,
		HoldDeadline:  res.HoldDeadline,
		Reservation:   res,
	})
}

func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reservations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "cancelled by client"
	}

	res, err := s.svc.Reservations.Release(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handlePaymentResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome models.PaymentOutcome `json:"outcome"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	res, err := s.svc.Reservations.PaymentResult(r.Context(), r.PathValue("id"), body.Outcome)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"units": s.svc.Catalog.Units(r.Context())})
}

// displayRange reads from/to query parameters. Missing bounds default to
// today and today plus defaultCalendarDays.
func (s *HTTPServer) displayRange(r *http.Request) (models.DateRange, error) {
	q := r.URL.Query()
	from := models.TruncateDate(s.svc.Now())
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := parseDateField("from", raw)
		if err != nil {
			return models.DateRange{}, err
		}
		from = t
	}
	to := from.AddDate(0, 0, defaultCalendarDays)
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := parseDateField("to", raw)
		if err != nil {
			return models.DateRange{}, err
		}
		to = t
	}
	rng := models.NewDateRange(from, to)
	if !rng.Valid() {
		return rng, domain.NewValidationError("to", "must be after from")
	}
	return rng, nil
}

func (s *HTTPServer) unitView(r *http.Request) (*models.Unit, *service.CalendarView, error) {
	unit, err := s.svc.Catalog.Unit(r.Context(), r.PathValue("unit"))
	if err != nil {
		return nil, nil, err
	}
	rng, err := s.displayRange(r)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.svc.Projector.Project(r.Context(), unit.ID, rng)
	if err != nil {
		return nil, nil, err
	}
	return unit, view, nil
}

func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request) {
	_, view, err := s.unitView(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCalendarXLSX(w http.ResponseWriter, r *http.Request) {
	unit, view, err := s.unitView(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q",
		fmt.Sprintf("calendar_%s_%s_to_%s.xlsx", unit.ID, view.From, view.To)))
	if err := service.WriteCalendarXLSX(w, []*service.CalendarView{view}); err != nil {
		s.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to write calendar workbook")
	}
}

// handleCalendarICS publishes our active intervals so channels can import
// them. The window starts today and covers the sync horizon.
func (s *HTTPServer) handleCalendarICS(w http.ResponseWriter, r *http.Request) {
	unit, err := s.svc.Catalog.Unit(r.Context(), r.PathValue("unit"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	now := s.svc.Now()
	from := models.TruncateDate(now)
	window := models.NewDateRange(from, from.Add(models.DefaultSyncHorizon))

	intervals, err := s.svc.Store.ListIntervals(r.Context(), unit.ID, window, models.ActiveStatuses...)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	body := ics.Export(unit.ID, intervals, ics.ExportOptions{Name: unit.Name, Now: now})

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", unit.ID+".ics"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

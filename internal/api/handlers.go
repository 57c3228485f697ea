package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

type handlers struct {
	svc      *queue.Service
	loc      *time.Location
	validate *requestValidator
	log      zerolog.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	appt, err := h.svc.ScheduleAppointment(r.Context(), queue.NewAppointment{
		ProviderID:  req.ProviderID,
		ServiceDate: appointment.ServiceDate(req.ServiceDate),
		ScheduledAt: req.ScheduledAt,
		Patient: appointment.PatientSummary{
			Name:    req.Patient.Name,
			Age:     req.Patient.Age,
			Gender:  req.Patient.Gender,
			Contact: req.Patient.Contact,
		},
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, appt)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) callPatient(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CallPatient)
}

func (h *handlers) completeConsultation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CompleteConsultation)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	appt, err := op(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	date, ok := h.serviceDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	view, err := h.svc.GetQueue(r.Context(), chi.URLParam(r, "providerID"), date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	date, ok := h.serviceDate(w, req.ServiceDate)
	if !ok {
		return
	}

	id, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
		return
	}

	appt, err := h.svc.IssueToken(r.Context(), chi.URLParam(r, "providerID"), date, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) callNext(w http.ResponseWriter, r *http.Request) {
	var req CallNextRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	if req.ServiceDate == "" {
		req.ServiceDate = r.URL.Query().Get("date")
	}

	date, ok := h.serviceDate(w, req.ServiceDate)
	if !ok {
		return
	}

	appt, err := h.svc.CallNextPatient(r.Context(), chi.URLParam(r, "providerID"), date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation_failed",
			Fields: h.validate.fieldErrors(err),
		})
		return false
	}
	return true
}

// serviceDate defaults to today in the clinic's time zone.
func (h *handlers) serviceDate(w http.ResponseWriter, raw string) (appointment.ServiceDate, bool) {
	if raw == "" {
		return appointment.Today(h.loc), true
	}
	d, err := appointment.ParseServiceDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be in YYYY-MM-DD form")
		return "", false
	}
	return d, true
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointment.ErrConsultationInProgress):
		writeError(w, http.StatusConflict, "consultation_in_progress", err.Error())
	case errors.Is(err, appointment.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, appointment.ErrConcurrentTransition):
		writeError(w, http.StatusConflict, "concurrent_transition", err.Error())
	case errors.Is(err, appointment.ErrQueueEmpty):
		writeError(w, http.StatusNotFound, "queue_empty", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPartitionMismatch):
		writeError(w, http.StatusBadRequest, "partition_mismatch", err.Error())
	case errors.Is(err, appointment.ErrMalformedRecord):
		writeError(w, http.StatusBadRequest, "malformed_appointment", err.Error())
	case errors.Is(err, appointment.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "appointment store is unavailable, please retry")
	default:
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("unhandled queue error")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

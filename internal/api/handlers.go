package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
)

func availabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}
		excludeID, ok := queryUUID(w, r, "exclude_id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		slots, err := svc.AvailableSlots(r.Context(), doctorID, date, excludeID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, AvailabilityResponse{DoctorID: doctorID, Date: date, Slots: slots})
	}
}

func checkSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}
		excludeID, ok := queryUUID(w, r, "exclude_id")
		if !ok {
			return
		}

		q := r.URL.Query()
		date, clock := q.Get("date"), q.Get("time")
		free, err := svc.CheckSlot(r.Context(), doctorID, date, clock, excludeID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotCheckResponse{DoctorID: doctorID, Date: date, Time: clock, Available: free})
	}
}

func bookedPatientsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		ids, err := svc.BookedPatients(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, BookedPatientsResponse{DoctorID: doctorID, Date: date, PatientIDs: ids})
	}
}

func patientScheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := pathUUID(w, r, "patientID", "invalid_patient_id")
		if !ok {
			return
		}
		excludeID, ok := queryUUID(w, r, "exclude_id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		times, err := svc.PatientSchedule(r.Context(), patientID, date, excludeID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, PatientScheduleResponse{PatientID: patientID, Date: date, Times: times})
	}
}

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeBookRequest(w, r)
		if !ok {
			return
		}

		appt, err := svc.BookAppointment(actorContext(r), req)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(svc.Grid(), appt))
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		req, ok := decodeBookRequest(w, r)
		if !ok {
			return
		}

		appt, err := svc.RescheduleAppointment(actorContext(r), id, req)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(svc.Grid(), appt))
	}
}

func updateStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.UpdateStatus(actorContext(r), id, appointment.AppointmentStatus(req.Status))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(svc.Grid(), appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toDetailResponse(svc.Grid(), detail))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var f appointment.ListFilter
		if !optionalUUID(w, q.Get("doctor_id"), "invalid_doctor_id", &f.DoctorID) {
			return
		}
		if !optionalUUID(w, q.Get("patient_id"), "invalid_patient_id", &f.PatientID) {
			return
		}
		if s := strings.TrimSpace(q.Get("status")); s != "" {
			status := appointment.AppointmentStatus(s)
			f.Status = &status
		}

		var ok bool
		if f.Limit, ok = queryInt(w, r, "limit"); !ok {
			return
		}
		if f.Offset, ok = queryInt(w, r, "offset"); !ok {
			return
		}
		f.Limit, f.Offset = appointment.NormalizePage(f.Limit, f.Offset)

		items, total, err := svc.ListUpcoming(r.Context(), f)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ListAppointmentsResponse{
			Items:  toDetailResponses(svc.Grid(), items),
			Total:  total,
			Limit:  f.Limit,
			Offset: f.Offset,
		})
	}
}

func statsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, StatsResponse{
			Today:          st.Today,
			ThisWeek:       st.ThisWeek,
			ConfirmedToday: st.ConfirmedToday,
			CompletedToday: st.CompletedToday,
		})
	}
}

func agendaHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var doctorID *uuid.UUID
		if !optionalUUID(w, q.Get("doctor_id"), "invalid_doctor_id", &doctorID) {
			return
		}

		var statuses []appointment.AppointmentStatus
		for _, s := range strings.Split(q.Get("status"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, appointment.AppointmentStatus(s))
			}
		}

		date := q.Get("date")
		if date == "" {
			date = svc.Grid().DayKey(svc.Now())
		}
		items, err := svc.DailyAgenda(r.Context(), date, doctorID, statuses)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, AgendaResponse{Date: date, Items: toDetailResponses(svc.Grid(), items)})
	}
}

func listStatusesHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := svc.ListStatuses(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := make([]StatusResponse, 0, len(statuses))
		for _, s := range statuses {
			resp = append(resp, StatusResponse{Code: string(s.Code), Label: s.Label, Position: s.Position})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeBookRequest(w http.ResponseWriter, r *http.Request) (appointment.BookRequest, bool) {
	var body BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return appointment.BookRequest{}, false
	}

	doctorID, err := uuid.Parse(body.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return appointment.BookRequest{}, false
	}

	patientID, err := uuid.Parse(body.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return appointment.BookRequest{}, false
	}

	return appointment.BookRequest{
		DoctorID:    doctorID,
		PatientID:   patientID,
		Date:        body.Date,
		Time:        body.Time,
		Observation: body.Observation,
	}, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID reads an optional UUID query parameter; absent means uuid.Nil.
func queryUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(w http.ResponseWriter, raw, code string, dst **uuid.UUID) bool {
	if raw == "" {
		return true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "must be a valid UUID")
		return false
	}
	*dst = &id
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be an integer")
		return 0, false
	}
	return n, true
}

// actorContext tags the request context with the authenticated subject so
// emitted events name who made the change.
func actorContext(r *http.Request) context.Context {
	return appointment.WithActor(r.Context(), GetSubject(r.Context()))
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorSlotTaken):
		writeError(w, http.StatusConflict, "doctor_slot_taken", err.Error())
	case errors.Is(err, appointment.ErrPatientSlotTaken):
		writeError(w, http.StatusConflict, "patient_slot_taken", err.Error())
	case errors.Is(err, appointment.ErrPatientAlreadyBookedThisDay):
		writeError(w, http.StatusConflict, "patient_already_booked_this_day", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", err.Error())
	default:
		// store failures keep their cause in the log only
		zerolog.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

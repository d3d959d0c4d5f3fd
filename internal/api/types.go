package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
)

// BookAppointmentRequest is the body of both POST /appointments and
// PUT /appointments/{id}.
type BookAppointmentRequest struct {
	DoctorID    string  `json:"doctor_id"`
	PatientID   string  `json:"patient_id"`
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	Observation *string `json:"observation,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	StartsAt    time.Time `json:"starts_at"`
	Status      string    `json:"status"`
	Observation *string   `json:"observation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DoctorResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
}

type PatientResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email *string   `json:"email,omitempty"`
	Phone *string   `json:"phone,omitempty"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Doctor  *DoctorResponse  `json:"doctor,omitempty"`
	Patient *PatientResponse `json:"patient,omitempty"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
}

type SlotCheckResponse struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Available bool      `json:"available"`
}

type PatientScheduleResponse struct {
	PatientID uuid.UUID `json:"patient_id"`
	Date      string    `json:"date"`
	Times     []string  `json:"times"`
}

type BookedPatientsResponse struct {
	DoctorID   uuid.UUID   `json:"doctor_id"`
	Date       string      `json:"date"`
	PatientIDs []uuid.UUID `json:"patient_ids"`
}

type ListAppointmentsResponse struct {
	Items  []AppointmentDetailResponse `json:"items"`
	Total  int                         `json:"total"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

type AgendaResponse struct {
	Date  string                      `json:"date"`
	Items []AppointmentDetailResponse `json:"items"`
}

type StatsResponse struct {
	Today          int `json:"today"`
	ThisWeek       int `json:"this_week"`
	ConfirmedToday int `json:"confirmed_today"`
	CompletedToday int `json:"completed_today"`
}

type StatusResponse struct {
	Code     string `json:"code"`
	Label    string `json:"label"`
	Position int    `json:"position"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(g appointment.Grid, a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		DoctorID:    a.DoctorID,
		PatientID:   a.PatientID,
		Date:        g.DayKey(a.StartsAt),
		Time:        g.Label(a.StartsAt),
		StartsAt:    a.StartsAt,
		Status:      string(a.Status),
		Observation: a.Observation,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toDetailResponse(g appointment.Grid, d *appointment.AppointmentDetail) AppointmentDetailResponse {
	resp := AppointmentDetailResponse{AppointmentResponse: toAppointmentResponse(g, &d.Appointment)}
	if d.Doctor != nil {
		resp.Doctor = &DoctorResponse{ID: d.Doctor.ID, Name: d.Doctor.Name, Specialty: d.Doctor.Specialty}
	}
	if d.Patient != nil {
		resp.Patient = &PatientResponse{ID: d.Patient.ID, Name: d.Patient.Name, Email: d.Patient.Email, Phone: d.Patient.Phone}
	}
	return resp
}

func toDetailResponses(g appointment.Grid, items []appointment.AppointmentDetail) []AppointmentDetailResponse {
	out := make([]AppointmentDetailResponse, 0, len(items))
	for i := range items {
		out = append(out, toDetailResponse(g, &items[i]))
	}
	return out
}

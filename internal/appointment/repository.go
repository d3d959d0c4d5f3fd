package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrUnknownStatus       = errors.New("unknown appointment status")
)

// Repository contains all DB interactions needed by the service.
// Every day range is half-open: [dayStart, dayEnd). A zero excludeID
// disables self-exclusion.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// For conflict checks. They return ErrAppointmentNotFound when nothing matches.
	FindByDoctorAndTime(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID uuid.UUID) (*Appointment, error)
	FindByPatientAndTime(ctx context.Context, patientID uuid.UUID, at time.Time, excludeID uuid.UUID) (*Appointment, error)
	FindByDoctorPatientAndDayRange(ctx context.Context, doctorID, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) (*Appointment, error)

	// For availability and day views
	ListByDoctorAndDayRange(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]Appointment, error)
	ListByPatientAndDayRange(ctx context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]Appointment, error)

	// Creation and updates. Writes that would break a slot invariant fail with
	// the matching conflict error.
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, id uuid.UUID, upd AppointmentUpdate) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)

	// Listings
	ListStatuses(ctx context.Context) ([]Status, error)
	ListAgenda(ctx context.Context, f AgendaFilter) ([]AppointmentDetail, error)
	ListUpcoming(ctx context.Context, f ListFilter) ([]AppointmentDetail, int, error)
	CountStats(ctx context.Context, w StatsWindow) (Stats, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

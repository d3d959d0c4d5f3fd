package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// DefaultStatus is assigned to every newly booked appointment.
const DefaultStatus = StatusScheduled

// Status is one row of the appointment_statuses catalogue.
type Status struct {
	Code     AppointmentStatus
	Label    string
	Position int
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	StartsAt    time.Time
	SlotDay     time.Time // clinic-local calendar date, midnight UTC
	Status      AppointmentStatus
	Observation *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AppointmentUpdate carries the fields a reschedule may change. Status is
// deliberately absent: rescheduling keeps whatever status the appointment had.
type AppointmentUpdate struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	StartsAt    time.Time
	SlotDay     time.Time
	Observation *string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Doctor  *Doctor
	Patient *Patient
}

// AgendaFilter selects the appointments of one clinic day.
type AgendaFilter struct {
	DayStart time.Time
	DayEnd   time.Time
	DoctorID *uuid.UUID
	Statuses []AppointmentStatus
}

// ListFilter selects upcoming appointments.
type ListFilter struct {
	From      time.Time
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *AppointmentStatus
	Limit     int
	Offset    int
}

// StatsWindow holds the half-open ranges used for dashboard counters.
type StatsWindow struct {
	DayStart  time.Time
	DayEnd    time.Time
	WeekStart time.Time
	WeekEnd   time.Time
}

type Stats struct {
	Today          int
	ThisWeek       int
	ConfirmedToday int
	CompletedToday int
}

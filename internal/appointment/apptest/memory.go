// Package apptest provides in-memory doubles for the appointment service.
package apptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
)

// MemoryRepository keeps everything in maps and enforces the same unique and
// foreign-key rules as the Postgres schema.
type MemoryRepository struct {
	mu           sync.Mutex
	doctors      map[uuid.UUID]appointment.Doctor
	patients     map[uuid.UUID]appointment.Patient
	appointments map[uuid.UUID]appointment.Appointment
	statuses     []appointment.Status
	events       []appointment.EventLog
	failWith     error
	now          func() time.Time
}

var _ appointment.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[uuid.UUID]appointment.Doctor),
		patients:     make(map[uuid.UUID]appointment.Patient),
		appointments: make(map[uuid.UUID]appointment.Appointment),
		statuses: []appointment.Status{
			{Code: appointment.StatusScheduled, Label: "Scheduled", Position: 1},
			{Code: appointment.StatusConfirmed, Label: "Confirmed", Position: 2},
			{Code: appointment.StatusCompleted, Label: "Completed", Position: 3},
			{Code: appointment.StatusCancelled, Label: "Cancelled", Position: 4},
		},
		now: time.Now,
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (r *MemoryRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

func (r *MemoryRepository) AddDoctor(name string) appointment.Doctor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	d := appointment.Doctor{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	r.doctors[d.ID] = d
	return d
}

func (r *MemoryRepository) AddPatient(name string) appointment.Patient {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := appointment.Patient{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	r.patients[p.ID] = p
	return p
}

// Put stores a without any rule checks, for arranging test state.
func (r *MemoryRepository) Put(a appointment.Appointment) appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = appointment.DefaultStatus
	}
	r.appointments[a.ID] = a
	return a
}

func (r *MemoryRepository) Appointments() []appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]appointment.Appointment, 0, len(r.appointments))
	for _, a := range r.appointments {
		out = append(out, a)
	}
	sortAppointments(out)
	return out
}

func (r *MemoryRepository) Events() []appointment.EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appointment.EventLog(nil), r.events...)
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	p, ok := r.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*appointment.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	d, ok := r.doctors[id]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	a, ok := r.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	a, ok := r.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	det := r.detail(a)
	return &det, nil
}

func (r *MemoryRepository) FindByDoctorAndTime(_ context.Context, doctorID uuid.UUID, at time.Time, excludeID uuid.UUID) (*appointment.Appointment, error) {
	return r.find(func(a appointment.Appointment) bool {
		return a.ID != excludeID && a.DoctorID == doctorID && a.StartsAt.Equal(at)
	})
}

func (r *MemoryRepository) FindByPatientAndTime(_ context.Context, patientID uuid.UUID, at time.Time, excludeID uuid.UUID) (*appointment.Appointment, error) {
	return r.find(func(a appointment.Appointment) bool {
		return a.ID != excludeID && a.PatientID == patientID && a.StartsAt.Equal(at)
	})
}

func (r *MemoryRepository) FindByDoctorPatientAndDayRange(_ context.Context, doctorID, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) (*appointment.Appointment, error) {
	return r.find(func(a appointment.Appointment) bool {
		return a.ID != excludeID && a.DoctorID == doctorID && a.PatientID == patientID && within(a.StartsAt, dayStart, dayEnd)
	})
}

func (r *MemoryRepository) ListByDoctorAndDayRange(_ context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]appointment.Appointment, error) {
	return r.list(func(a appointment.Appointment) bool {
		return a.ID != excludeID && a.DoctorID == doctorID && within(a.StartsAt, dayStart, dayEnd)
	})
}

func (r *MemoryRepository) ListByPatientAndDayRange(_ context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]appointment.Appointment, error) {
	return r.list(func(a appointment.Appointment) bool {
		return a.ID != excludeID && a.PatientID == patientID && within(a.StartsAt, dayStart, dayEnd)
	})
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = appointment.DefaultStatus
	}
	if err := r.checkWrite(a); err != nil {
		return nil, err
	}

	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, id uuid.UUID, upd appointment.AppointmentUpdate) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	a, ok := r.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.DoctorID = upd.DoctorID
	a.PatientID = upd.PatientID
	a.StartsAt = upd.StartsAt
	a.SlotDay = upd.SlotDay
	a.Observation = upd.Observation
	if err := r.checkWrite(a); err != nil {
		return nil, err
	}

	a.UpdatedAt = r.now()
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, status appointment.AppointmentStatus) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	a, ok := r.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	if !r.knownStatus(status) {
		return nil, appointment.ErrUnknownStatus
	}

	a.Status = status
	a.UpdatedAt = r.now()
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) ListStatuses(_ context.Context) ([]appointment.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	return append([]appointment.Status(nil), r.statuses...), nil
}

func (r *MemoryRepository) ListAgenda(_ context.Context, f appointment.AgendaFilter) ([]appointment.AppointmentDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	var out []appointment.AppointmentDetail
	for _, a := range r.appointments {
		if !within(a.StartsAt, f.DayStart, f.DayEnd) {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, r.detail(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].Doctor.Name < out[j].Doctor.Name
	})
	return out, nil
}

func (r *MemoryRepository) ListUpcoming(_ context.Context, f appointment.ListFilter) ([]appointment.AppointmentDetail, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, 0, r.failWith
	}

	var matched []appointment.Appointment
	for _, a := range r.appointments {
		if a.StartsAt.Before(f.From) {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		matched = append(matched, a)
	}
	sortAppointments(matched)

	total := len(matched)
	start := min(f.Offset, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	out := make([]appointment.AppointmentDetail, 0, end-start)
	for _, a := range matched[start:end] {
		out = append(out, r.detail(a))
	}
	return out, total, nil
}

func (r *MemoryRepository) CountStats(_ context.Context, w appointment.StatsWindow) (appointment.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return appointment.Stats{}, r.failWith
	}

	var st appointment.Stats
	for _, a := range r.appointments {
		if within(a.StartsAt, w.WeekStart, w.WeekEnd) {
			st.ThisWeek++
		}
		if !within(a.StartsAt, w.DayStart, w.DayEnd) {
			continue
		}
		st.Today++
		switch a.Status {
		case appointment.StatusConfirmed:
			st.ConfirmedToday++
		case appointment.StatusCompleted:
			st.CompletedToday++
		}
	}
	return st, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}

	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

// checkWrite mirrors the schema constraints. Caller holds mu.
func (r *MemoryRepository) checkWrite(a appointment.Appointment) error {
	if _, ok := r.doctors[a.DoctorID]; !ok {
		return appointment.ErrDoctorNotFound
	}
	if _, ok := r.patients[a.PatientID]; !ok {
		return appointment.ErrPatientNotFound
	}
	if !r.knownStatus(a.Status) {
		return appointment.ErrUnknownStatus
	}

	for _, other := range r.appointments {
		if other.ID == a.ID {
			continue
		}
		switch {
		case other.DoctorID == a.DoctorID && other.StartsAt.Equal(a.StartsAt):
			return appointment.ErrDoctorSlotTaken
		case other.PatientID == a.PatientID && other.StartsAt.Equal(a.StartsAt):
			return appointment.ErrPatientSlotTaken
		case other.DoctorID == a.DoctorID && other.PatientID == a.PatientID && other.SlotDay.Equal(a.SlotDay):
			return appointment.ErrPatientAlreadyBookedThisDay
		}
	}
	return nil
}

func (r *MemoryRepository) knownStatus(s appointment.AppointmentStatus) bool {
	for _, st := range r.statuses {
		if st.Code == s {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) detail(a appointment.Appointment) appointment.AppointmentDetail {
	det := appointment.AppointmentDetail{Appointment: a}
	if d, ok := r.doctors[a.DoctorID]; ok {
		det.Doctor = &d
	}
	if p, ok := r.patients[a.PatientID]; ok {
		det.Patient = &p
	}
	return det
}

func (r *MemoryRepository) find(match func(appointment.Appointment) bool) (*appointment.Appointment, error) {
	list, err := r.list(match)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &list[0], nil
}

func (r *MemoryRepository) list(match func(appointment.Appointment) bool) ([]appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}

	var out []appointment.Appointment
	for _, a := range r.appointments {
		if match(a) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func containsStatus(list []appointment.AppointmentStatus, s appointment.AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortAppointments(list []appointment.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartsAt.Equal(list[j].StartsAt) {
			return list[i].StartsAt.Before(list[j].StartsAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}

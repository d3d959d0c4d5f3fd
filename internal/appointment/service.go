package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-appointment-scheduling/internal/config"
	"github.com/hackgods/clinic-appointment-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-appointment-scheduling/internal/redis"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	ErrInvalidRequest              = errors.New("invalid request")
	ErrDoctorSlotTaken             = errors.New("the doctor already has an appointment at this time")
	ErrPatientSlotTaken            = errors.New("the patient already has an appointment at this time")
	ErrPatientAlreadyBookedThisDay = errors.New("the patient already has an appointment with this doctor on this day")
	ErrSlotBeingBooked             = errors.New("slot is currently being booked, please retry")
	ErrStoreFailure                = errors.New("store failure")
)

// Clock supplies "now" for day-boundary computations.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type actorKey struct{}

// WithActor records who is performing an operation. The actor is carried on
// the events the operation emits.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Candidate is a prospective appointment position. ExcludeID is the
// appointment being edited, or uuid.Nil when booking.
type Candidate struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	StartsAt  time.Time
	ExcludeID uuid.UUID
}

// BookRequest is the validated input of both booking and rescheduling.
type BookRequest struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	Date        string // YYYY-MM-DD, clinic local
	Time        string // HH:MM, clinic local
	Observation *string
}

type Service struct {
	repo        Repository
	locker      redisclient.Locker
	grid        Grid
	enforceGrid bool
	clock       Clock
	publisher   events.Publisher
	log         zerolog.Logger
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// GridFromConfig builds the scheduling grid described by cfg.
func GridFromConfig(cfg config.Config) Grid {
	return Grid{
		OpenAt:   cfg.OpenAt,
		CloseAt:  cfg.CloseAt,
		Step:     cfg.SlotStep,
		Location: cfg.Location,
	}
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		locker:      locker,
		grid:        GridFromConfig(cfg),
		enforceGrid: cfg.EnforceGrid,
		clock:       SystemClock{},
		publisher:   events.NopPublisher{},
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Grid() Grid {
	return s.grid
}

func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// AvailableSlots lists the grid labels of the given day that the doctor has
// not booked, ascending. excludeID frees the slot held by an appointment
// being rescheduled.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date string, excludeID uuid.UUID) ([]string, error) {
	if doctorID == uuid.Nil {
		return nil, invalid("doctor_id is required")
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}

	dayStart, dayEnd := s.grid.DayRange(day)
	booked, err := s.repo.ListByDoctorAndDayRange(ctx, doctorID, dayStart, dayEnd, excludeID)
	if err != nil {
		return nil, storeErr("list doctor appointments", err)
	}

	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		taken[s.grid.Label(a.StartsAt)] = struct{}{}
	}

	slots := s.grid.Slots(day)
	available := make([]string, 0, len(slots))
	for _, slot := range slots {
		label := s.grid.Label(slot)
		if _, ok := taken[label]; !ok {
			available = append(available, label)
		}
	}
	return available, nil
}

// CheckSlot reports whether the doctor is free at date+time.
func (s *Service) CheckSlot(ctx context.Context, doctorID uuid.UUID, date, clock string, excludeID uuid.UUID) (bool, error) {
	if doctorID == uuid.Nil {
		return false, invalid("doctor_id is required")
	}
	at, err := s.parseSlot(date, clock)
	if err != nil {
		return false, err
	}

	taken, err := exists(s.repo.FindByDoctorAndTime(ctx, doctorID, at, excludeID))
	if err != nil {
		return false, storeErr("check doctor slot", err)
	}
	return !taken, nil
}

// PatientSchedule lists the HH:MM labels the patient already holds that day.
func (s *Service) PatientSchedule(ctx context.Context, patientID uuid.UUID, date string, excludeID uuid.UUID) ([]string, error) {
	if patientID == uuid.Nil {
		return nil, invalid("patient_id is required")
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}

	dayStart, dayEnd := s.grid.DayRange(day)
	appts, err := s.repo.ListByPatientAndDayRange(ctx, patientID, dayStart, dayEnd, excludeID)
	if err != nil {
		return nil, storeErr("list patient appointments", err)
	}

	labels := make([]string, 0, len(appts))
	for _, a := range appts {
		labels = append(labels, s.grid.Label(a.StartsAt))
	}
	return labels, nil
}

// BookedPatients lists the patients that already have an appointment with
// the doctor on that day.
func (s *Service) BookedPatients(ctx context.Context, doctorID uuid.UUID, date string) ([]uuid.UUID, error) {
	if doctorID == uuid.Nil {
		return nil, invalid("doctor_id is required")
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}

	dayStart, dayEnd := s.grid.DayRange(day)
	appts, err := s.repo.ListByDoctorAndDayRange(ctx, doctorID, dayStart, dayEnd, uuid.Nil)
	if err != nil {
		return nil, storeErr("list doctor appointments", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(appts))
	ids := make([]uuid.UUID, 0, len(appts))
	for _, a := range appts {
		if _, ok := seen[a.PatientID]; ok {
			continue
		}
		seen[a.PatientID] = struct{}{}
		ids = append(ids, a.PatientID)
	}
	return ids, nil
}

// ValidateSlot runs the three conflict checks concurrently and reports the
// first failing one in priority order: doctor slot, patient slot, patient
// already booked with the doctor that day.
func (s *Service) ValidateSlot(ctx context.Context, c Candidate) error {
	if c.DoctorID == uuid.Nil || c.PatientID == uuid.Nil {
		return invalid("doctor_id and patient_id are required")
	}
	if c.StartsAt.IsZero() {
		return invalid("appointment time is required")
	}
	at := c.StartsAt.Truncate(time.Minute)
	dayStart, dayEnd := s.grid.DayRange(at)

	var doctorTaken, patientTaken, dayTaken bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		doctorTaken, err = exists(s.repo.FindByDoctorAndTime(gctx, c.DoctorID, at, c.ExcludeID))
		return err
	})
	g.Go(func() error {
		var err error
		patientTaken, err = exists(s.repo.FindByPatientAndTime(gctx, c.PatientID, at, c.ExcludeID))
		return err
	})
	g.Go(func() error {
		var err error
		dayTaken, err = exists(s.repo.FindByDoctorPatientAndDayRange(gctx, c.DoctorID, c.PatientID, dayStart, dayEnd, c.ExcludeID))
		return err
	})
	if err := g.Wait(); err != nil {
		return storeErr("check conflicts", err)
	}

	switch {
	case doctorTaken:
		return ErrDoctorSlotTaken
	case patientTaken:
		return ErrPatientSlotTaken
	case dayTaken:
		return ErrPatientAlreadyBookedThisDay
	}
	return nil
}

// BookAppointment validates the request and creates a scheduled appointment.
// The conflict checks and the insert run under a lock on the doctor's and the
// patient's day; the store's unique indexes arbitrate anything that slips by.
func (s *Service) BookAppointment(ctx context.Context, req BookRequest) (*Appointment, error) {
	c, err := s.candidate(req, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if err := s.ensureParticipants(ctx, c.DoctorID, c.PatientID); err != nil {
		return nil, err
	}

	var created *Appointment

	err = s.locker.WithLock(ctx, s.lockKeys(c), func(lockCtx context.Context) error {
		if err := s.ValidateSlot(lockCtx, c); err != nil {
			return err
		}

		appt, err := s.repo.CreateAppointment(lockCtx, Appointment{
			DoctorID:    c.DoctorID,
			PatientID:   c.PatientID,
			StartsAt:    c.StartsAt,
			SlotDay:     s.grid.CalendarDay(c.StartsAt),
			Status:      DefaultStatus,
			Observation: req.Observation,
		})
		if err != nil {
			return writeErr("create appointment", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, s.bookingErr(c, err)
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", c.DoctorID.String()).
		Str("patient_id", c.PatientID.String()).
		Time("starts_at", c.StartsAt).
		Msg("appointment booked")

	s.emit(ctx, events.TypeAppointmentCreated, created)
	return created, nil
}

// RescheduleAppointment moves an existing appointment, re-validating every
// slot invariant with the appointment itself excluded. Status is kept.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, req BookRequest) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, invalid("appointment id is required")
	}
	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, readErr("load appointment", err)
	}

	c, err := s.candidate(req, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureParticipants(ctx, c.DoctorID, c.PatientID); err != nil {
		return nil, err
	}

	var updated *Appointment

	err = s.locker.WithLock(ctx, s.lockKeys(c), func(lockCtx context.Context) error {
		if err := s.ValidateSlot(lockCtx, c); err != nil {
			return err
		}

		appt, err := s.repo.UpdateAppointment(lockCtx, id, AppointmentUpdate{
			DoctorID:    c.DoctorID,
			PatientID:   c.PatientID,
			StartsAt:    c.StartsAt,
			SlotDay:     s.grid.CalendarDay(c.StartsAt),
			Observation: req.Observation,
		})
		if err != nil {
			return writeErr("update appointment", err)
		}

		updated = appt
		return nil
	})
	if err != nil {
		return nil, s.bookingErr(c, err)
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Time("from", existing.StartsAt).
		Time("to", updated.StartsAt).
		Msg("appointment rescheduled")

	s.emit(ctx, events.TypeAppointmentRescheduled, updated)
	return updated, nil
}

// UpdateStatus changes only the status of an appointment. Slots are not
// re-validated.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, invalid("appointment id is required")
	}
	status = AppointmentStatus(strings.TrimSpace(string(status)))
	if status == "" {
		return nil, invalid("status is required")
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, ErrUnknownStatus) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, writeErr("update appointment status", err)
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("status", string(status)).
		Msg("appointment status changed")

	s.emit(ctx, events.TypeAppointmentStatusChanged, updated)
	return updated, nil
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	if id == uuid.Nil {
		return nil, invalid("appointment id is required")
	}
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, readErr("get appointment", err)
	}
	return detail, nil
}

// ListUpcoming returns appointments from the start of today onward.
func (s *Service) ListUpcoming(ctx context.Context, f ListFilter) ([]AppointmentDetail, int, error) {
	f.Limit, f.Offset = NormalizePage(f.Limit, f.Offset)
	f.From, _ = s.grid.DayRange(s.clock.Now())

	items, total, err := s.repo.ListUpcoming(ctx, f)
	if err != nil {
		return nil, 0, storeErr("list upcoming appointments", err)
	}
	return items, total, nil
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// DailyAgenda lists one day's appointments. An empty date means today; no
// statuses means confirmed and completed only.
func (s *Service) DailyAgenda(ctx context.Context, date string, doctorID *uuid.UUID, statuses []AppointmentStatus) ([]AppointmentDetail, error) {
	day := s.clock.Now()
	if date != "" {
		var err error
		if day, err = s.parseDay(date); err != nil {
			return nil, err
		}
	}
	if len(statuses) == 0 {
		statuses = []AppointmentStatus{StatusConfirmed, StatusCompleted}
	}

	dayStart, dayEnd := s.grid.DayRange(day)
	items, err := s.repo.ListAgenda(ctx, AgendaFilter{
		DayStart: dayStart,
		DayEnd:   dayEnd,
		DoctorID: doctorID,
		Statuses: statuses,
	})
	if err != nil {
		return nil, storeErr("list agenda", err)
	}
	return items, nil
}

// Stats counts appointments for today and for the current Monday-based week.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.clock.Now()
	dayStart, dayEnd := s.grid.DayRange(now)
	sinceMonday := (int(dayStart.Weekday()) + 6) % 7
	weekStart := dayStart.AddDate(0, 0, -sinceMonday)

	st, err := s.repo.CountStats(ctx, StatsWindow{
		DayStart:  dayStart,
		DayEnd:    dayEnd,
		WeekStart: weekStart,
		WeekEnd:   weekStart.AddDate(0, 0, 7),
	})
	if err != nil {
		return Stats{}, storeErr("count stats", err)
	}
	return st, nil
}

func (s *Service) ListStatuses(ctx context.Context) ([]Status, error) {
	statuses, err := s.repo.ListStatuses(ctx)
	if err != nil {
		return nil, storeErr("list statuses", err)
	}
	return statuses, nil
}

// PublishDailyAgenda emits a reminder for every scheduled or confirmed
// appointment of the day containing day. It returns how many were sent.
func (s *Service) PublishDailyAgenda(ctx context.Context, day time.Time) (int, error) {
	dayStart, dayEnd := s.grid.DayRange(day)
	items, err := s.repo.ListAgenda(ctx, AgendaFilter{
		DayStart: dayStart,
		DayEnd:   dayEnd,
		Statuses: []AppointmentStatus{StatusScheduled, StatusConfirmed},
	})
	if err != nil {
		return 0, storeErr("list agenda", err)
	}

	sent := 0
	for i := range items {
		ev := s.event(ctx, events.TypeAppointmentReminder, &items[i].Appointment)
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).
				Str("appointment_id", items[i].ID.String()).
				Msg("failed to publish reminder")
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Service) candidate(req BookRequest, excludeID uuid.UUID) (Candidate, error) {
	if req.DoctorID == uuid.Nil {
		return Candidate{}, invalid("doctor_id is required")
	}
	if req.PatientID == uuid.Nil {
		return Candidate{}, invalid("patient_id is required")
	}
	at, err := s.parseSlot(req.Date, req.Time)
	if err != nil {
		return Candidate{}, err
	}
	if s.enforceGrid && !s.grid.OnGrid(at) {
		return Candidate{}, invalid("%s is not a bookable slot", s.grid.Label(at))
	}
	return Candidate{
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		StartsAt:  at,
		ExcludeID: excludeID,
	}, nil
}

func (s *Service) ensureParticipants(ctx context.Context, doctorID, patientID uuid.UUID) error {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return readErr("load doctor", err)
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return readErr("load patient", err)
	}
	return nil
}

func (s *Service) lockKeys(c Candidate) []string {
	day := s.grid.DayKey(c.StartsAt)
	return []string{
		fmt.Sprintf("lock:doctor:%s:%s", c.DoctorID, day),
		fmt.Sprintf("lock:patient:%s:%s", c.PatientID, day),
	}
}

func (s *Service) bookingErr(c Candidate, err error) error {
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrSlotBeingBooked
	case isConflict(err):
		s.log.Debug().
			Str("doctor_id", c.DoctorID.String()).
			Str("patient_id", c.PatientID.String()).
			Time("starts_at", c.StartsAt).
			Str("reason", err.Error()).
			Msg("booking rejected")
		return err
	case isDomain(err):
		return err
	default:
		return storeErr("booking", err)
	}
}

func (s *Service) parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		return time.Time{}, invalid("date is required")
	}
	day, err := s.grid.ParseDay(date)
	if err != nil {
		return time.Time{}, invalid("%v", err)
	}
	return day, nil
}

func (s *Service) parseSlot(date, clock string) (time.Time, error) {
	if strings.TrimSpace(date) == "" || strings.TrimSpace(clock) == "" {
		return time.Time{}, invalid("date and time are required")
	}
	at, err := s.grid.ParseSlot(date, clock)
	if err != nil {
		return time.Time{}, invalid("%v", err)
	}
	return at, nil
}

func (s *Service) event(ctx context.Context, eventType string, a *Appointment) events.Event {
	return events.Event{
		Type:          eventType,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		StartsAt:      a.StartsAt,
		Status:        string(a.Status),
		Actor:         actorFrom(ctx),
		OccurredAt:    s.clock.Now(),
	}
}

// emit records the event in the event log and publishes it. Neither failure
// affects the operation that produced the event.
func (s *Service) emit(ctx context.Context, eventType string, a *Appointment) {
	ev := s.event(ctx, eventType, a)

	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := a.ID
	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     ev.OccurredAt,
	}); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", a.ID.String()).
			Msg("failed to insert event log")
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", a.ID.String()).
			Msg("failed to publish event")
	}
}

func exists(a *Appointment, err error) (bool, error) {
	if errors.Is(err, ErrAppointmentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func storeErr(op string, err error) error {
	if errors.Is(err, ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// readErr passes not-found errors through and marks everything else as a
// store failure.
func readErr(op string, err error) error {
	if isNotFound(err) {
		return err
	}
	return storeErr(op, err)
}

// writeErr passes domain errors raised by the store through unchanged.
func writeErr(op string, err error) error {
	if isDomain(err) {
		return err
	}
	return storeErr(op, err)
}

func isConflict(err error) bool {
	return errors.Is(err, ErrDoctorSlotTaken) ||
		errors.Is(err, ErrPatientSlotTaken) ||
		errors.Is(err, ErrPatientAlreadyBookedThisDay)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrDoctorNotFound) ||
		errors.Is(err, ErrPatientNotFound)
}

func isDomain(err error) bool {
	return isConflict(err) || isNotFound(err) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownStatus) ||
		errors.Is(err, ErrSlotBeingBooked) ||
		errors.Is(err, ErrStoreFailure)
}

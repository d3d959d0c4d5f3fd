package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Constraint names from migrations/001_init.sql.
const (
	constraintDoctorSlot       = "appointments_doctor_slot_key"
	constraintPatientSlot      = "appointments_patient_slot_key"
	constraintDoctorPatientDay = "appointments_doctor_patient_day_key"
	constraintDoctorFK         = "appointments_doctor_id_fkey"
	constraintPatientFK        = "appointments_patient_id_fkey"
	constraintStatusFK         = "appointments_status_fkey"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const appointmentColumns = `a.id, a.doctor_id, a.patient_id, a.starts_at, a.slot_day, a.status, a.observation, a.created_at, a.updated_at`

const detailColumns = appointmentColumns + `,
	d.id, d.name, d.specialty, d.created_at, d.updated_at,
	p.id, p.name, p.email, p.phone, p.created_at, p.updated_at`

const detailFrom = `
	FROM appointments a
	JOIN doctors d ON d.id = a.doctor_id
	JOIN patients p ON p.id = a.patient_id`

type PgRepository struct {
	db Querier
}

func NewPgRepository(db Querier) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func appointmentDest(a *Appointment) []any {
	return []any{
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.StartsAt,
		&a.SlotDay,
		&a.Status,
		&a.Observation,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	if err := row.Scan(appointmentDest(&a)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanDetail(row pgx.Row, extra ...any) (*AppointmentDetail, error) {
	var (
		det AppointmentDetail
		d   Doctor
		p   Patient
	)

	dest := appointmentDest(&det.Appointment)
	dest = append(dest,
		&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt,
		&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt,
	)
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	det.Doctor = &d
	det.Patient = &p
	return &det, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// mapWriteError turns constraint violations into domain errors. The unique
// indexes are what finally decides a race between two bookings.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintDoctorSlot:
			return ErrDoctorSlotTaken
		case constraintPatientSlot:
			return ErrPatientSlotTaken
		case constraintDoctorPatientDay:
			return ErrPatientAlreadyBookedThisDay
		}
	case pgForeignKeyViolation:
		switch pgErr.ConstraintName {
		case constraintDoctorFK:
			return ErrDoctorNotFound
		case constraintPatientFK:
			return ErrPatientNotFound
		case constraintStatusFK:
			return ErrUnknownStatus
		}
	}
	return err
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+detailColumns+detailFrom+`
		WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) FindByDoctorAndTime(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.doctor_id = $1
		  AND a.starts_at = $2
		  AND a.id <> $3
		LIMIT 1
	`, doctorID, at, excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) FindByPatientAndTime(ctx context.Context, patientID uuid.UUID, at time.Time, excludeID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.patient_id = $1
		  AND a.starts_at = $2
		  AND a.id <> $3
		LIMIT 1
	`, patientID, at, excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) FindByDoctorPatientAndDayRange(ctx context.Context, doctorID, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.doctor_id = $1
		  AND a.patient_id = $2
		  AND a.starts_at >= $3
		  AND a.starts_at < $4
		  AND a.id <> $5
		LIMIT 1
	`, doctorID, patientID, dayStart, dayEnd, excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) ListByDoctorAndDayRange(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.doctor_id = $1
		  AND a.starts_at >= $2
		  AND a.starts_at < $3
		  AND a.id <> $4
		ORDER BY a.starts_at
	`, doctorID, dayStart, dayEnd, excludeID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByPatientAndDayRange(ctx context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time, excludeID uuid.UUID) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.patient_id = $1
		  AND a.starts_at >= $2
		  AND a.starts_at < $3
		  AND a.id <> $4
		ORDER BY a.starts_at
	`, patientID, dayStart, dayEnd, excludeID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	id := uuid.New()
	status := a.Status
	if status == "" {
		status = DefaultStatus
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments AS a (id, doctor_id, patient_id, starts_at, slot_day, status, observation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+appointmentColumns,
		id, a.DoctorID, a.PatientID, a.StartsAt, a.SlotDay, status, a.Observation)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, id uuid.UUID, upd AppointmentUpdate) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments AS a
		SET doctor_id = $2,
		    patient_id = $3,
		    starts_at = $4,
		    slot_day = $5,
		    observation = $6,
		    updated_at = now()
		WHERE a.id = $1
		RETURNING `+appointmentColumns,
		id, upd.DoctorID, upd.PatientID, upd.StartsAt, upd.SlotDay, upd.Observation)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments AS a
		SET status = $2,
		    updated_at = now()
		WHERE a.id = $1
		RETURNING `+appointmentColumns,
		id, status)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) ListStatuses(ctx context.Context) ([]Status, error) {
	rows, err := r.db.Query(ctx, `
		SELECT code, label, position
		FROM appointment_statuses
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Status
	for rows.Next() {
		var s Status
		if err := rows.Scan(&s.Code, &s.Label, &s.Position); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListAgenda(ctx context.Context, f AgendaFilter) ([]AppointmentDetail, error) {
	var w whereBuilder
	w.add("a.starts_at >= %s", f.DayStart)
	w.add("a.starts_at < %s", f.DayEnd)
	if f.DoctorID != nil {
		w.add("a.doctor_id = %s", *f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		codes := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			codes[i] = string(s)
		}
		w.add("a.status = ANY(%s)", codes)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+detailColumns+detailFrom+`
		`+w.sql()+`
		ORDER BY a.starts_at, d.name
	`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		det, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *det)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListUpcoming(ctx context.Context, f ListFilter) ([]AppointmentDetail, int, error) {
	var w whereBuilder
	w.add("a.starts_at >= %s", f.From)
	if f.DoctorID != nil {
		w.add("a.doctor_id = %s", *f.DoctorID)
	}
	if f.PatientID != nil {
		w.add("a.patient_id = %s", *f.PatientID)
	}
	if f.Status != nil {
		w.add("a.status = %s", string(*f.Status))
	}

	args := append(w.args, f.Limit, f.Offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT `+detailColumns+`, count(*) OVER () AS total`+detailFrom+`
		%s
		ORDER BY a.starts_at, a.id
		LIMIT $%d OFFSET $%d
	`, w.sql(), len(w.args)+1, len(w.args)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		result []AppointmentDetail
		total  int
	)
	for rows.Next() {
		det, err := scanDetail(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *det)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (r *PgRepository) CountStats(ctx context.Context, w StatsWindow) (Stats, error) {
	var st Stats
	err := r.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE starts_at >= $1 AND starts_at < $2),
			count(*) FILTER (WHERE starts_at >= $3 AND starts_at < $4),
			count(*) FILTER (WHERE starts_at >= $1 AND starts_at < $2 AND status = 'confirmed'),
			count(*) FILTER (WHERE starts_at >= $1 AND starts_at < $2 AND status = 'completed')
		FROM appointments
		WHERE starts_at >= LEAST($1::timestamptz, $3::timestamptz)
		  AND starts_at < GREATEST($2::timestamptz, $4::timestamptz)
	`, w.DayStart, w.DayEnd, w.WeekStart, w.WeekEnd).Scan(
		&st.Today,
		&st.ThisWeek,
		&st.ConfirmedToday,
		&st.CompletedToday,
	)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// whereBuilder numbers positional parameters as conditions are added.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

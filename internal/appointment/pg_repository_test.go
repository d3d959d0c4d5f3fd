package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appointmentCols = []string{"id", "doctor_id", "patient_id", "starts_at", "slot_day", "status", "observation", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func TestPgRepository_GetAppointmentByID(t *testing.T) {
	repo, mock := newMockRepo(t)

	id, doctorID, patientID := uuid.New(), uuid.New(), uuid.New()
	startsAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	note := "fasting"

	mock.ExpectQuery("FROM appointments a").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(
			id, doctorID, patientID, startsAt, startsAt.Truncate(24*time.Hour),
			StatusConfirmed, &note, startsAt, startsAt,
		))

	a, err := repo.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, doctorID, a.DoctorID)
	assert.Equal(t, StatusConfirmed, a.Status)
	require.NotNil(t, a.Observation)
	assert.Equal(t, note, *a.Observation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_NotFoundSentinels(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM doctors").WillReturnError(pgx.ErrNoRows)
	_, err := repo.GetDoctorByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	mock.ExpectQuery("FROM patients").WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetPatientByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPatientNotFound)

	mock.ExpectQuery("a.doctor_id = \\$1").WillReturnError(pgx.ErrNoRows)
	_, err = repo.FindByDoctorAndTime(ctx, uuid.New(), time.Now(), uuid.Nil)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	mock.ExpectQuery("UPDATE appointments").WillReturnError(pgx.ErrNoRows)
	_, err = repo.UpdateAppointmentStatus(ctx, uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_CreateAppointmentMapsConstraints(t *testing.T) {
	tests := []struct {
		code       string
		constraint string
		want       error
	}{
		{pgUniqueViolation, constraintDoctorSlot, ErrDoctorSlotTaken},
		{pgUniqueViolation, constraintPatientSlot, ErrPatientSlotTaken},
		{pgUniqueViolation, constraintDoctorPatientDay, ErrPatientAlreadyBookedThisDay},
		{pgForeignKeyViolation, constraintDoctorFK, ErrDoctorNotFound},
		{pgForeignKeyViolation, constraintPatientFK, ErrPatientNotFound},
		{pgForeignKeyViolation, constraintStatusFK, ErrUnknownStatus},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			repo, mock := newMockRepo(t)

			mock.ExpectQuery("INSERT INTO appointments").
				WillReturnError(&pgconn.PgError{Code: tt.code, ConstraintName: tt.constraint})

			_, err := repo.CreateAppointment(context.Background(), Appointment{
				DoctorID:  uuid.New(),
				PatientID: uuid.New(),
				StartsAt:  time.Now(),
			})
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMapWriteError_PassesOtherErrorsThrough(t *testing.T) {
	other := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "something_else"}
	assert.Same(t, error(other), mapWriteError(other))

	boom := errors.New("conn reset")
	assert.Equal(t, boom, mapWriteError(boom))
}

func TestPgRepository_ListByDoctorAndDayRange(t *testing.T) {
	repo, mock := newMockRepo(t)

	doctorID := uuid.New()
	dayStart := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)
	excludeID := uuid.New()

	rows := pgxmock.NewRows(appointmentCols)
	for _, h := range []int{9, 10} {
		ts := dayStart.Add(time.Duration(h) * time.Hour)
		rows.AddRow(uuid.New(), doctorID, uuid.New(), ts, dayStart, StatusScheduled, nil, ts, ts)
	}
	mock.ExpectQuery("ORDER BY a.starts_at").
		WithArgs(doctorID, dayStart, dayEnd, excludeID).
		WillReturnRows(rows)

	list, err := repo.ListByDoctorAndDayRange(context.Background(), doctorID, dayStart, dayEnd, excludeID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].Observation)
	assert.Equal(t, 10, list[1].StartsAt.Hour())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_ListUpcomingReadsTotal(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	doctorID := uuid.New()
	status := StatusConfirmed

	cols := append(append([]string{}, appointmentCols...),
		"d_id", "d_name", "d_specialty", "d_created_at", "d_updated_at",
		"p_id", "p_name", "p_email", "p_phone", "p_created_at", "p_updated_at",
		"total")

	apptID, patientID := uuid.New(), uuid.New()
	ts := from.Add(9 * time.Hour)
	mock.ExpectQuery("count\\(\\*\\) OVER \\(\\)").
		WithArgs(from, doctorID, string(status), 20, 40).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			apptID, doctorID, patientID, ts, from, StatusConfirmed, nil, ts, ts,
			doctorID, "Dr. Rivas", nil, ts, ts,
			patientID, "Ana", nil, nil, ts, ts,
			57,
		))

	items, total, err := repo.ListUpcoming(context.Background(), ListFilter{
		From:     from,
		DoctorID: &doctorID,
		Status:   &status,
		Limit:    20,
		Offset:   40,
	})
	require.NoError(t, err)
	assert.Equal(t, 57, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Dr. Rivas", items[0].Doctor.Name)
	assert.Equal(t, "Ana", items[0].Patient.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_CountStats(t *testing.T) {
	repo, mock := newMockRepo(t)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w := StatsWindow{
		DayStart:  day,
		DayEnd:    day.AddDate(0, 0, 1),
		WeekStart: day.AddDate(0, 0, -2),
		WeekEnd:   day.AddDate(0, 0, 5),
	}

	mock.ExpectQuery("FILTER").
		WithArgs(w.DayStart, w.DayEnd, w.WeekStart, w.WeekEnd).
		WillReturnRows(pgxmock.NewRows([]string{"today", "week", "confirmed", "completed"}).AddRow(3, 9, 1, 2))

	st, err := repo.CountStats(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, Stats{Today: 3, ThisWeek: 9, ConfirmedToday: 1, CompletedToday: 2}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_InsertEvent(t *testing.T) {
	repo, mock := newMockRepo(t)

	apptID := uuid.New()
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.InsertEvent(context.Background(), EventLog{
		EventType:     "appointment.created",
		AppointmentID: &apptID,
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO event_logs").WillReturnError(errors.New("disk full"))
	err = repo.InsertEvent(context.Background(), EventLog{EventType: "appointment.created"})
	assert.ErrorContains(t, err, "insert event log")

	assert.NoError(t, mock.ExpectationsWereMet())
}

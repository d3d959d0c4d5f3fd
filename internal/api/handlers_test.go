package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment/apptest"
	"github.com/hackgods/clinic-appointment-scheduling/internal/config"
	"github.com/hackgods/clinic-appointment-scheduling/internal/events"
)

const testDay = "2024-05-01"

type testServer struct {
	repo    *apptest.MemoryRepository
	handler http.Handler
	doctor  appointment.Doctor
	patient appointment.Patient
}

func newTestServer(t *testing.T, auth AuthConfig, postgres Pinger) *testServer {
	t.Helper()
	return newTestServerWithLogger(t, auth, postgres, zerolog.Nop())
}

func newTestServerWithLogger(t *testing.T, auth AuthConfig, postgres Pinger, logger zerolog.Logger) *testServer {
	t.Helper()

	repo := apptest.NewMemoryRepository()
	cfg := config.Config{
		Location:    time.UTC,
		OpenAt:      8 * time.Hour,
		CloseAt:     17 * time.Hour,
		SlotStep:    30 * time.Minute,
		EnforceGrid: true,
	}
	svc := appointment.NewService(repo, apptest.NewLocker(time.Second), cfg,
		appointment.WithClock(apptest.NewClock(time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC))),
	)

	return &testServer{
		repo: repo,
		handler: NewRouter(RouterConfig{
			Service:  svc,
			Postgres: postgres,
			Logger:   logger,
			Auth:     auth,
			Env:      "test",
			Version:  "v0",
		}),
		doctor:  repo.AddDoctor("Dr. Rivas"),
		patient: repo.AddPatient("Ana"),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) bookBody(clock string) BookAppointmentRequest {
	return BookAppointmentRequest{
		DoctorID:  s.doctor.ID.String(),
		PatientID: s.patient.ID.String(),
		Date:      testDay,
		Time:      clock,
	}
}

func TestAvailabilityEndpoint(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)

	rec := s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability?date="+testDay, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AvailabilityResponse](t, rec)
	assert.Len(t, resp.Slots, 18)

	rec = s.do(t, http.MethodGet, "/doctors/not-a-uuid/availability?date="+testDay, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_doctor_id", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability?date=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Error)
}

func TestCreateAppointmentEndpoint(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)

	rec := s.do(t, http.MethodPost, "/appointments", s.bookBody("09:00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "scheduled", created.Status)
	assert.Equal(t, testDay, created.Date)
	assert.Equal(t, "09:00", created.Time)

	// same patient, same doctor, same day
	rec = s.do(t, http.MethodPost, "/appointments", s.bookBody("10:00"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "patient_already_booked_this_day", decode[ErrorResponse](t, rec).Error)

	other := s.repo.AddPatient("Luis")
	body := s.bookBody("09:00")
	body.PatientID = other.ID.String()
	rec = s.do(t, http.MethodPost, "/appointments", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "doctor_slot_taken", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability/check?date="+testDay+"&time=09:00", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SlotCheckResponse](t, rec).Available)

	rec = s.do(t, http.MethodGet, "/patients/"+s.patient.ID.String()+"/schedule?date="+testDay, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"09:00"}, decode[PatientScheduleResponse](t, rec).Times)

	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/booked-patients?date="+testDay, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{s.patient.ID}, decode[BookedPatientsResponse](t, rec).PatientIDs)
}

func TestCreateAppointmentEndpoint_BadInput(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decode[ErrorResponse](t, rec).Error)

	body := s.bookBody("09:00")
	body.PatientID = "nope"
	rec = s.do(t, http.MethodPost, "/appointments", body)
	assert.Equal(t, "invalid_patient_id", decode[ErrorResponse](t, rec).Error)

	body = s.bookBody("09:00")
	body.DoctorID = uuid.NewString()
	rec = s.do(t, http.MethodPost, "/appointments", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "doctor_not_found", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/appointments", s.bookBody("09:10"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreFailureIsNotLeaked(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)
	s.repo.FailWith(errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	rec := s.do(t, http.MethodPost, "/appointments", s.bookBody("09:00"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal_error", resp.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestRescheduleAndStatusEndpoints(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)

	rec := s.do(t, http.MethodPost, "/appointments", s.bookBody("09:00"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = s.do(t, http.MethodPatch, "/appointments/"+id+"/status", UpdateStatusRequest{Status: "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPut, "/appointments/"+id, s.bookBody("15:30"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "15:30", moved.Time)
	assert.Equal(t, "confirmed", moved.Status)

	rec = s.do(t, http.MethodPatch, "/appointments/"+id+"/status", UpdateStatusRequest{Status: "lost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[AppointmentDetailResponse](t, rec)
	require.NotNil(t, detail.Doctor)
	assert.Equal(t, "Dr. Rivas", detail.Doctor.Name)

	rec = s.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestListingEndpoints(t *testing.T) {
	s := newTestServer(t, AuthConfig{}, nil)

	rec := s.do(t, http.MethodPost, "/appointments", s.bookBody("09:00"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = s.do(t, http.MethodGet, "/appointments?limit=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListAppointmentsResponse](t, rec)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 100, list.Limit)

	rec = s.do(t, http.MethodGet, "/appointments?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatsResponse{Today: 1, ThisWeek: 1}, decode[StatsResponse](t, rec))

	// default agenda shows confirmed and completed only
	rec = s.do(t, http.MethodGet, "/agenda", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agenda := decode[AgendaResponse](t, rec)
	assert.Equal(t, testDay, agenda.Date)
	assert.Empty(t, agenda.Items)

	s.do(t, http.MethodPatch, "/appointments/"+id+"/status", UpdateStatusRequest{Status: "confirmed"})
	rec = s.do(t, http.MethodGet, "/agenda?date="+testDay+"&doctor_id="+s.doctor.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[AgendaResponse](t, rec).Items, 1)

	rec = s.do(t, http.MethodGet, "/appointment-statuses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]StatusResponse](t, rec), 4)
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret")
	s := newTestServer(t, AuthConfig{Secret: secret, Issuer: "clinic"}, nil)
	path := "/appointment-statuses"

	sign := func(claims jwt.RegisteredClaims, key []byte) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return "Bearer " + tok
	}
	valid := jwt.RegisteredClaims{
		Subject:   "reception-1",
		Issuer:    "clinic",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	rec := s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, path, nil, "Authorization", sign(valid, secret))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, path, nil, "Authorization", sign(valid, []byte("other")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	rec = s.do(t, http.MethodGet, path, nil, "Authorization", sign(wrongIssuer, secret))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	rec = s.do(t, http.MethodGet, path, nil, "Authorization", sign(expired, secret))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays open
	rec = s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth_SubjectInAccessLogAndEvents(t *testing.T) {
	secret := []byte("test-secret")
	var logs bytes.Buffer
	s := newTestServerWithLogger(t, AuthConfig{Secret: secret}, nil, zerolog.New(&logs))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "reception-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		DoctorID:  s.doctor.ID.String(),
		PatientID: s.patient.ID.String(),
		Date:      testDay,
		Time:      "09:00",
	}, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusCreated, rec.Code)

	var accessLine map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "request" {
			accessLine = entry
		}
	}
	require.NotNil(t, accessLine)
	assert.Equal(t, "reception-1", accessLine["subject"])
	assert.Equal(t, float64(http.StatusCreated), accessLine["status"])

	stored := s.repo.Events()
	require.Len(t, stored, 1)
	var ev events.Event
	require.NoError(t, json.Unmarshal(stored[0].Payload, &ev))
	assert.Equal(t, "reception-1", ev.Actor)
}

func TestHealthEndpoints(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("down") })
	s := newTestServer(t, AuthConfig{}, down)

	rec := s.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[LivenessResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "error", ready.Status)
	assert.Equal(t, "down", ready.Dependencies["postgres"])
}

func TestMiddleware_RequestIDAndRecovery(t *testing.T) {
	h := RequestIDMiddleware(RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

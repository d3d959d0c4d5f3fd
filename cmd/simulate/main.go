package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
	"github.com/hackgods/clinic-appointment-scheduling/internal/config"
	"github.com/hackgods/clinic-appointment-scheduling/internal/db"
	"github.com/hackgods/clinic-appointment-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Token        string
	Duration     time.Duration
	Workers      int
	Days         int
	BookingRatio float64
	StatusRatio  float64
	ReadRatio    float64
	DoctorLimit  int
	PatientLimit int
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
	Days     []string
	Slots    []string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Percentiles() (avg, p50, p95, peak time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking      OperationMetrics
	StatusChange OperationMetrics
	Availability OperationMetrics
	ReadByID     OperationMetrics
	ListUpcoming OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

var statuses = []string{"confirmed", "completed", "cancelled", "scheduled"}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fatalLog := zerolog.New(os.Stderr)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New(baseCfg.Env, baseCfg.LogLevel, "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid simulator config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("status", cfg.StatusRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, baseCfg.DBMaxConns, baseCfg.DBMinConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	grid := appointment.GridFromConfig(baseCfg)
	dataPool, err := loadDataPool(ctx, pgPool, cfg, grid)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}

	log.Info().
		Int("doctors", len(dataPool.Doctors)).
		Int("patients", len(dataPool.Patients)).
		Strs("days", dataPool.Days).
		Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	auditCtx, cancelAudit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelAudit()
	if err := audit(auditCtx, pgPool); err != nil {
		log.Fatal().Err(err).Msg("double-booking audit failed")
	}
}

func loadConfig() SimConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_API_BASE_URL", "http://localhost:8080")
	v.SetDefault("SIM_DURATION", "30s")
	v.SetDefault("SIM_WORKERS", 10)
	v.SetDefault("SIM_DAYS", 5)
	v.SetDefault("SIM_BOOKING_RATIO", 0.5)
	v.SetDefault("SIM_STATUS_RATIO", 0.2)
	v.SetDefault("SIM_READ_RATIO", 0.3)
	v.SetDefault("SIM_DOCTOR_LIMIT", 20)
	v.SetDefault("SIM_PATIENT_LIMIT", 2000)

	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(v.GetString("SIM_API_BASE_URL"), "/"),
		Token:        v.GetString("SIM_TOKEN"),
		Duration:     v.GetDuration("SIM_DURATION"),
		Workers:      v.GetInt("SIM_WORKERS"),
		Days:         v.GetInt("SIM_DAYS"),
		BookingRatio: v.GetFloat64("SIM_BOOKING_RATIO"),
		StatusRatio:  v.GetFloat64("SIM_STATUS_RATIO"),
		ReadRatio:    v.GetFloat64("SIM_READ_RATIO"),
		DoctorLimit:  v.GetInt("SIM_DOCTOR_LIMIT"),
		PatientLimit: v.GetInt("SIM_PATIENT_LIMIT"),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.StatusRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.StatusRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, table string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM `+table+` ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no %s loaded, run clinicctl seed first", table)
	}
	return ids, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, grid appointment.Grid) (*DataPool, error) {
	doctors, err := loadIDs(ctx, pool, "doctors", cfg.DoctorLimit)
	if err != nil {
		return nil, err
	}
	patients, err := loadIDs(ctx, pool, "patients", cfg.PatientLimit)
	if err != nil {
		return nil, err
	}

	dp := &DataPool{Doctors: doctors, Patients: patients}

	today, _ := grid.DayRange(time.Now())
	for i := 1; i <= cfg.Days; i++ {
		dp.Days = append(dp.Days, grid.DayKey(today.AddDate(0, 0, i)))
	}
	for _, slot := range grid.Slots(today) {
		dp.Slots = append(dp.Slots, grid.Label(slot))
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.StatusRatio:
			s.doStatusChange(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doAvailability(ctx, rng)
			case 1:
				s.doReadByID(ctx, rng)
			case 2:
				s.doListUpcoming(ctx)
			}
		}
	}
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

// call performs one request and returns the status code. out may be nil.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	body := map[string]string{
		"doctor_id":  pick(rng, s.pool.Doctors).String(),
		"patient_id": pick(rng, s.pool.Patients).String(),
		"date":       pick(rng, s.pool.Days),
		"time":       pick(rng, s.pool.Slots),
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments", body, &created)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Booking.Record(time.Since(start), status, err)

	if status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) doStatusChange(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPatch, "/appointments/"+id.String()+"/status",
		map[string]string{"status": pick(rng, statuses)}, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.StatusChange.Record(time.Since(start), status, err)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/doctors/%s/availability?date=%s", pick(rng, s.pool.Doctors), pick(rng, s.pool.Days))

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Availability.Record(time.Since(start), status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByID.Record(time.Since(start), status, err)
}

func (s *Simulator) doListUpcoming(ctx context.Context) {
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments?limit=20", nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListUpcoming.Record(time.Since(start), status, err)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Status change", &s.metrics.StatusChange)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List upcoming", &s.metrics.ListUpcoming)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, peak := om.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), peak.Round(time.Millisecond))
}

// audit counts rows that break any slot rule. Any non-zero count is a bug.
func audit(ctx context.Context, pool *pgxpool.Pool) error {
	checks := []struct {
		name string
		sql  string
	}{
		{"doctor double-booked", `SELECT count(*) FROM (SELECT 1 FROM appointments GROUP BY doctor_id, starts_at HAVING count(*) > 1) x`},
		{"patient double-booked", `SELECT count(*) FROM (SELECT 1 FROM appointments GROUP BY patient_id, starts_at HAVING count(*) > 1) x`},
		{"patient twice with doctor in a day", `SELECT count(*) FROM (SELECT 1 FROM appointments GROUP BY doctor_id, patient_id, slot_day HAVING count(*) > 1) x`},
	}

	fmt.Println("AUDIT")
	var violations int
	for _, c := range checks {
		var n int
		if err := pool.QueryRow(ctx, c.sql).Scan(&n); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		fmt.Printf("  %-36s %d\n", c.name+":", n)
		violations += n
	}
	if violations > 0 {
		return fmt.Errorf("%d slot rule violation(s) found", violations)
	}
	return nil
}

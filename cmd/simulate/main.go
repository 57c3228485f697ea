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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

// SimConfig drives a burst of front desks and doctors working the same
// provider queues through the HTTP API.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Desks       int
	Doctors     int
	Providers   int
	ServiceDate string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Schedule OperationMetrics
	Issue    OperationMetrics
	CallNext OperationMetrics
	Complete OperationMetrics
}

type Simulator struct {
	config    SimConfig
	providers []string
	client    *http.Client
	metrics   Metrics
	log       zerolog.Logger
}

func main() {
	log := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid simulator config")
	}

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	for i := 0; i < cfg.Providers; i++ {
		sim.providers = append(sim.providers, fmt.Sprintf("sim-%s-%d", strings.ToLower(gofakeit.LastName()), i))
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("desks", cfg.Desks).
		Int("doctors", cfg.Doctors).
		Str("date", cfg.ServiceDate).
		Msg("simulator starting")

	sim.Run()
	sim.PrintReport()

	if !sim.Verify(context.Background()) {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Desks:       getInt("SIM_DESKS", 8),
		Doctors:     getInt("SIM_DOCTORS", 4),
		Providers:   getInt("SIM_PROVIDERS", 2),
		ServiceDate: getEnv("SIM_DATE", appointment.Today(time.UTC).String()),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Desks <= 0 || cfg.Doctors <= 0 || cfg.Providers <= 0 {
		return fmt.Errorf("SIM_DESKS, SIM_DOCTORS and SIM_PROVIDERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if _, err := appointment.ParseServiceDate(cfg.ServiceDate); err != nil {
		return err
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Desks; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.desk(ctx, rand.New(rand.NewSource(time.Now().UnixNano()+int64(id))))
		}(i)
	}
	for i := 0; i < s.config.Doctors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.doctor(ctx, s.providers[id%len(s.providers)])
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

// desk books an appointment and immediately issues its token, racing the
// other desks on the same provider.
func (s *Simulator) desk(ctx context.Context, rng *rand.Rand) {
	for ctx.Err() == nil {
		providerID := s.providers[rng.Intn(len(s.providers))]

		var created appointment.Appointment
		status, ok := s.post(ctx, &s.metrics.Schedule, "/appointments", map[string]any{
			"provider_id":  providerID,
			"service_date": s.config.ServiceDate,
			"patient": map[string]any{
				"name":    gofakeit.Name(),
				"age":     gofakeit.Number(1, 95),
				"contact": gofakeit.Phone(),
			},
		}, &created)
		if !ok || status != http.StatusCreated {
			continue
		}

		s.post(ctx, &s.metrics.Issue, "/providers/"+providerID+"/queue/tokens", map[string]any{
			"appointment_id": created.ID.String(),
			"service_date":   s.config.ServiceDate,
		}, nil)
	}
}

// doctor calls the next patient and completes the consultation. Several
// doctors share a provider so call-next races are exercised.
func (s *Simulator) doctor(ctx context.Context, providerID string) {
	for ctx.Err() == nil {
		var called appointment.Appointment
		status, ok := s.post(ctx, &s.metrics.CallNext, "/providers/"+providerID+"/queue/next", map[string]any{
			"service_date": s.config.ServiceDate,
		}, &called)
		if !ok || status != http.StatusOK {
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		s.post(ctx, &s.metrics.Complete, "/appointments/"+called.ID.String()+"/complete", nil, nil)
	}
}

// post records the request in om. 409 counts as a conflict, and 404
// queue_empty on call-next is an expected outcome rather than an error.
func (s *Simulator) post(ctx context.Context, om *OperationMetrics, path string, body any, out any) (int, bool) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, false
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, false, false)
		}
		return 0, false
	}
	defer resp.Body.Close()

	success := resp.StatusCode < 300
	conflict := resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound
	om.Record(latency, success, conflict)

	if success && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, false
		}
	}
	return resp.StatusCode, true
}

// Verify re-reads every simulated queue and checks that no token was minted
// twice and that at most one patient is with the doctor.
func (s *Simulator) Verify(ctx context.Context) bool {
	ok := true
	for _, providerID := range s.providers {
		url := fmt.Sprintf("%s/providers/%s/queue?date=%s", s.config.APIBaseURL, providerID, s.config.ServiceDate)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Error().Err(err).Str("provider_id", providerID).Msg("verify: read queue failed")
			ok = false
			continue
		}

		var view queue.QueueView
		err = json.NewDecoder(resp.Body).Decode(&view)
		resp.Body.Close()
		if err != nil {
			s.log.Error().Err(err).Str("provider_id", providerID).Msg("verify: decode queue failed")
			ok = false
			continue
		}

		seen := make(map[int]uuid.UUID)
		for _, e := range view.Entries {
			if !e.HasToken() {
				continue
			}
			if other, dup := seen[e.Token()]; dup {
				s.log.Error().Int("token", e.Token()).Str("a", other.String()).Str("b", e.ID.String()).Msg("verify: duplicate token")
				ok = false
			}
			seen[e.Token()] = e.ID
		}
		if view.InProgressCount > 1 {
			s.log.Error().Int("in_progress", view.InProgressCount).Str("provider_id", providerID).Msg("verify: more than one consultation in progress")
			ok = false
		}

		s.log.Info().
			Str("provider_id", providerID).
			Int("tokens", len(seen)).
			Int("last_token", view.LastIssuedToken).
			Int("completed", view.CompletedCount).
			Int("waiting", view.WaitingCount).
			Msg("verify: queue consistent")
	}
	return ok
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s  Desks: %d  Doctors: %d  Providers: %d\n\n",
		s.config.Duration, s.config.Desks, s.config.Doctors, s.config.Providers)

	printOperationReport("Schedule", &s.metrics.Schedule)
	printOperationReport("Issue token", &s.metrics.Issue)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Complete", &s.metrics.Complete)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

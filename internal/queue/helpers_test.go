package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/config"
)

const (
	testProvider = "dr-mehta"
	testDate     = appointment.ServiceDate("2025-03-01")
)

var testPartition = appointment.Partition{Date: testDate, ProviderID: testProvider}

func testConfig() config.Config {
	return config.Config{
		Env:            "test",
		StoreBackend:   config.StoreMemory,
		FeedBackend:    config.FeedPoll,
		ClinicLocation: time.UTC,
		StoreTimeout:   2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}
}

func newTestService(t *testing.T) (*Service, *appointment.MemoryRepository) {
	t.Helper()
	repo := appointment.NewMemoryRepository()
	return NewService(repo, nil, testConfig(), zerolog.Nop()), repo
}

type seedOpt func(*appointment.Record)

func withToken(n int) seedOpt {
	return func(r *appointment.Record) { r.TokenNumber = &n }
}

func withStatus(s appointment.Status) seedOpt {
	return func(r *appointment.Record) { r.Status = string(s) }
}

func withProvider(p string) seedOpt {
	return func(r *appointment.Record) { r.ProviderID = p }
}

func withDate(d appointment.RawTime) seedOpt {
	return func(r *appointment.Record) { r.Date = d }
}

func withCreatedAt(t time.Time) seedOpt {
	return func(r *appointment.Record) { r.CreatedAt = appointment.TimeValue(t) }
}

// seed stores a record straight into the repository, bypassing the service.
func seed(t *testing.T, repo appointment.Repository, opts ...seedOpt) uuid.UUID {
	t.Helper()
	rec := appointment.Record{
		ID:         uuid.New(),
		ProviderID: testProvider,
		Date:       appointment.TextValue(testDate.String()),
		Status:     string(appointment.StatusScheduled),
		Patient:    appointment.PatientSummary{Name: "patient"},
	}
	for _, opt := range opts {
		opt(&rec)
	}
	created, err := repo.Create(context.Background(), rec)
	require.NoError(t, err)
	return created.ID
}

func statusOf(t *testing.T, repo appointment.Repository, id uuid.UUID) appointment.Status {
	t.Helper()
	rec, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return appointment.Status(rec.Status)
}

// racingRepo runs hook once right before the first conditional status write,
// standing in for another desk that got there first.
type racingRepo struct {
	*appointment.MemoryRepository
	once sync.Once
	hook func()
}

func (r *racingRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []appointment.Status, to appointment.Status) (*appointment.Record, error) {
	r.once.Do(r.hook)
	return r.MemoryRepository.UpdateStatusIf(ctx, id, from, to)
}

// unitHookRepo runs afterRead once, inside the first partition unit, right
// after the unit has listed the provider's records and before it writes.
type unitHookRepo struct {
	*appointment.MemoryRepository
	once      sync.Once
	afterRead func(ctx context.Context, tx appointment.PartitionTx)
}

func (r *unitHookRepo) RunInPartition(ctx context.Context, providerID string, fn func(ctx context.Context, tx appointment.PartitionTx) error) error {
	return r.MemoryRepository.RunInPartition(ctx, providerID, func(ctx context.Context, tx appointment.PartitionTx) error {
		return fn(ctx, &hookedTx{PartitionTx: tx, repo: r})
	})
}

type hookedTx struct {
	appointment.PartitionTx
	repo *unitHookRepo
}

func (t *hookedTx) ListByProvider(ctx context.Context) ([]appointment.Record, error) {
	recs, err := t.PartitionTx.ListByProvider(ctx)
	if err == nil && t.repo.afterRead != nil {
		t.repo.once.Do(func() { t.repo.afterRead(ctx, t.PartitionTx) })
	}
	return recs, err
}

// inProgress returns the ids of the partition's appointments in consultation.
func inProgress(t *testing.T, repo appointment.Repository) []uuid.UUID {
	t.Helper()
	recs, err := repo.ListByProvider(context.Background(), testProvider)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, rec := range recs {
		if rec.Status == string(appointment.StatusInProgress) {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// manualFeed lets a test decide when change signals fire and counts live
// subscriptions.
type manualFeed struct {
	mu     sync.Mutex
	subs   map[string][]chan struct{}
	opened int
	active int
}

func newManualFeed() *manualFeed {
	return &manualFeed{subs: make(map[string][]chan struct{})}
}

func (f *manualFeed) Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.subs[providerID] = append(f.subs[providerID], ch)
	f.opened++
	f.active++
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *manualFeed) Signal(providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[providerID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *manualFeed) counts() (opened, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.active
}

func receiveView(t *testing.T, o *Observer) QueueView {
	t.Helper()
	select {
	case v, ok := <-o.C:
		require.True(t, ok, "observer closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a queue view")
		return QueueView{}
	}
}

// waitForView reads views until one satisfies cond.
func waitForView(t *testing.T, o *Observer, cond func(QueueView) bool) QueueView {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-o.C:
			require.True(t, ok, "observer closed")
			if cond(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching queue view")
			return QueueView{}
		}
	}
}

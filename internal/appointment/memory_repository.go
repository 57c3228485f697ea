package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and the dev memory
// store. It also acts as its own push change feed.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	events  []EventLog
	offline bool

	subMu sync.Mutex
	subs  map[string]map[chan struct{}]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[uuid.UUID]Record),
		subs:    make(map[string]map[chan struct{}]struct{}),
	}
}

var _ Repository = (*MemoryRepository)(nil)

// SetOffline makes every call fail with ErrStoreUnavailable until reset.
func (r *MemoryRepository) SetOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func cloneRecord(rec Record) Record {
	if rec.TokenNumber != nil {
		n := *rec.TokenNumber
		rec.TokenNumber = &n
	}
	if rec.Date.Time != nil {
		t := *rec.Date.Time
		rec.Date.Time = &t
	}
	if rec.CreatedAt.Time != nil {
		t := *rec.CreatedAt.Time
		rec.CreatedAt.Time = &t
	}
	return rec
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return nil, ErrStoreUnavailable
	}
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (r *MemoryRepository) ListByProvider(ctx context.Context, providerID string) ([]Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return nil, ErrStoreUnavailable
	}
	return r.listLocked(providerID), nil
}

func (r *MemoryRepository) listLocked(providerID string) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.ProviderID == providerID {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func (r *MemoryRepository) Create(ctx context.Context, rec Record) (*Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()

	if r.offline {
		r.mu.Unlock()
		return nil, ErrStoreUnavailable
	}

	rec = cloneRecord(rec)
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = string(StatusScheduled)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = TimeValue(time.Now().UTC())
	}
	r.records[rec.ID] = rec
	out := cloneRecord(rec)
	r.mu.Unlock()

	r.notify(rec.ProviderID)
	return &out, nil
}

func (r *MemoryRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()

	if r.offline {
		r.mu.Unlock()
		return nil, ErrStoreUnavailable
	}
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrAppointmentNotFound
	}
	if !statusIn(rec.Status, from) {
		r.mu.Unlock()
		return nil, ErrPreconditionFailed
	}

	rec.Status = string(to)
	r.records[id] = rec
	out := cloneRecord(rec)
	r.mu.Unlock()

	r.notify(rec.ProviderID)
	return &out, nil
}

// RunInPartition holds the store lock for the whole unit, so fn must only
// use the tx it is given. Writes are rolled back when fn fails.
func (r *MemoryRepository) RunInPartition(ctx context.Context, providerID string, fn func(ctx context.Context, tx PartitionTx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	r.mu.Lock()

	if r.offline {
		r.mu.Unlock()
		return ErrStoreUnavailable
	}

	tx := &memoryPartitionTx{repo: r, providerID: providerID, undo: make(map[uuid.UUID]Record)}
	err := fn(ctx, tx)
	if err != nil {
		for id, prev := range tx.undo {
			r.records[id] = prev
		}
	}
	dirty := err == nil && len(tx.undo) > 0
	r.mu.Unlock()

	if dirty {
		r.notify(providerID)
	}
	return err
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return ErrStoreUnavailable
	}
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return nil
}

// Subscribe signals on the returned channel after every write touching the
// provider. The channel is closed once ctx is done.
func (r *MemoryRepository) Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	r.subMu.Lock()
	if r.subs[providerID] == nil {
		r.subs[providerID] = make(map[chan struct{}]struct{})
	}
	r.subs[providerID][ch] = struct{}{}
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subs[providerID], ch)
		if len(r.subs[providerID]) == 0 {
			delete(r.subs, providerID)
		}
		close(ch)
		r.subMu.Unlock()
	}()

	return ch, nil
}

func (r *MemoryRepository) notify(providerID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for ch := range r.subs[providerID] {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
}

type memoryPartitionTx struct {
	repo       *MemoryRepository
	providerID string
	undo       map[uuid.UUID]Record
}

func (t *memoryPartitionTx) ListByProvider(ctx context.Context) ([]Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return t.repo.listLocked(t.providerID), nil
}

func (t *memoryPartitionTx) AssignToken(ctx context.Context, id uuid.UUID, token int) (*Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	rec, ok := t.repo.records[id]
	if !ok || rec.ProviderID != t.providerID {
		return nil, ErrAppointmentNotFound
	}
	if rec.TokenNumber != nil || rec.Status != string(StatusScheduled) {
		return nil, ErrPreconditionFailed
	}

	if _, saved := t.undo[id]; !saved {
		t.undo[id] = cloneRecord(rec)
	}
	n := token
	rec.TokenNumber = &n
	rec.Status = string(StatusTokenIssued)
	t.repo.records[id] = rec

	out := cloneRecord(rec)
	return &out, nil
}

func (t *memoryPartitionTx) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	rec, ok := t.repo.records[id]
	if !ok || rec.ProviderID != t.providerID {
		return nil, ErrAppointmentNotFound
	}
	if !statusIn(rec.Status, from) {
		return nil, ErrPreconditionFailed
	}

	if _, saved := t.undo[id]; !saved {
		t.undo[id] = cloneRecord(rec)
	}
	rec.Status = string(to)
	t.repo.records[id] = rec

	out := cloneRecord(rec)
	return &out, nil
}

// ctxErr reports a done ctx the way the Postgres store does: cancellation
// passes through, an expired deadline means the store did not answer.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func statusIn(status string, set []Status) bool {
	for _, st := range set {
		if string(st) == status {
			return true
		}
	}
	return false
}

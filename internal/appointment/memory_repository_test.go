package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	created, err := repo.Create(ctx, Record{ProviderID: "dr-a", Date: TextValue("2025-03-01")})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, string(StatusScheduled), created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMemoryRepository_UpdateStatusIf(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, err := repo.Create(ctx, Record{ProviderID: "dr-a", Date: TextValue("2025-03-01"), Status: string(StatusTokenIssued), TokenNumber: intPtr(1)})
	require.NoError(t, err)

	updated, err := repo.UpdateStatusIf(ctx, rec.ID, []Status{StatusTokenIssued}, StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInProgress), updated.Status)

	// the guard no longer holds
	_, err = repo.UpdateStatusIf(ctx, rec.ID, []Status{StatusTokenIssued}, StatusInProgress)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = repo.UpdateStatusIf(ctx, uuid.New(), []Status{StatusTokenIssued}, StatusInProgress)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMemoryRepository_RunInPartitionRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, err := repo.Create(ctx, Record{ProviderID: "dr-a", Date: TextValue("2025-03-01")})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.RunInPartition(ctx, "dr-a", func(ctx context.Context, tx PartitionTx) error {
		if _, err := tx.AssignToken(ctx, rec.ID, 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TokenNumber)
	assert.Equal(t, string(StatusScheduled), got.Status)
}

func TestMemoryRepository_AssignTokenGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, err := repo.Create(ctx, Record{ProviderID: "dr-a", Date: TextValue("2025-03-01")})
	require.NoError(t, err)

	err = repo.RunInPartition(ctx, "dr-b", func(ctx context.Context, tx PartitionTx) error {
		_, err := tx.AssignToken(ctx, rec.ID, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	err = repo.RunInPartition(ctx, "dr-a", func(ctx context.Context, tx PartitionTx) error {
		if _, err := tx.AssignToken(ctx, rec.ID, 1); err != nil {
			return err
		}
		_, err := tx.AssignToken(ctx, rec.ID, 2)
		return err
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryRepository_PartitionUpdateStatusIf(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, err := repo.Create(ctx, Record{ProviderID: "dr-a", Date: TextValue("2025-03-01"), Status: string(StatusTokenIssued), TokenNumber: intPtr(1)})
	require.NoError(t, err)

	err = repo.RunInPartition(ctx, "dr-b", func(ctx context.Context, tx PartitionTx) error {
		_, err := tx.UpdateStatusIf(ctx, rec.ID, []Status{StatusTokenIssued}, StatusInProgress)
		return err
	})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	boom := errors.New("boom")
	err = repo.RunInPartition(ctx, "dr-a", func(ctx context.Context, tx PartitionTx) error {
		updated, err := tx.UpdateStatusIf(ctx, rec.ID, []Status{StatusTokenIssued}, StatusInProgress)
		require.NoError(t, err)
		assert.Equal(t, string(StatusInProgress), updated.Status)

		_, err = tx.UpdateStatusIf(ctx, rec.ID, []Status{StatusTokenIssued}, StatusInProgress)
		assert.ErrorIs(t, err, ErrPreconditionFailed)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusTokenIssued), got.Status, "failed unit is rolled back")
}

func TestMemoryRepository_ExpiredDeadlineIsUnavailable(t *testing.T) {
	repo := NewMemoryRepository()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = repo.UpdateStatusIf(ctx, uuid.New(), []Status{StatusScheduled}, StatusCancelled)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = repo.RunInPartition(ctx, "dr-a", func(context.Context, PartitionTx) error { return nil })
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = repo.ListByProvider(cancelled, "dr-a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryRepository_Offline(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.SetOffline(true)

	_, err := repo.ListByProvider(ctx, "dr-a")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = repo.Create(ctx, Record{ProviderID: "dr-a"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, repo.InsertEvent(ctx, EventLog{EventType: "X"}), ErrStoreUnavailable)

	repo.SetOffline(false)
	_, err = repo.ListByProvider(ctx, "dr-a")
	assert.NoError(t, err)
}

func TestMemoryRepository_SubscribeSignalsOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewMemoryRepository()

	ch, err := repo.Subscribe(ctx, "dr-a")
	require.NoError(t, err)

	_, err = repo.Create(context.Background(), Record{ProviderID: "dr-a", Date: TextValue("2025-03-01")})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}

	// other providers do not signal
	_, err = repo.Create(context.Background(), Record{ProviderID: "dr-b", Date: TextValue("2025-03-01")})
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("unexpected signal for another provider")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryRepository_EventsAreNumbered(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.InsertEvent(ctx, EventLog{EventType: "A"}))
	require.NoError(t, repo.InsertEvent(ctx, EventLog{EventType: "B"}))

	events := repo.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(2), events[1].ID)
	assert.False(t, events[1].CreatedAt.IsZero())
}

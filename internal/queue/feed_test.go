package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

func TestFingerprint(t *testing.T) {
	a := appointment.Record{ID: uuid.New(), ProviderID: testProvider, Status: "scheduled", Date: appointment.TextValue("2025-03-01")}
	b := appointment.Record{ID: uuid.New(), ProviderID: testProvider, Status: "token_issued", Date: appointment.TextValue("2025-03-01")}

	assert.Equal(t, fingerprint([]appointment.Record{a, b}), fingerprint([]appointment.Record{b, a}))

	changed := b
	changed.Status = "in_progress"
	assert.NotEqual(t, fingerprint([]appointment.Record{a, b}), fingerprint([]appointment.Record{a, changed}))
	assert.NotEqual(t, fingerprint([]appointment.Record{a}), fingerprint([]appointment.Record{a, b}))
}

func TestPollFeed_SignalsOnChangeOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := appointment.NewMemoryRepository()
	feed := NewPollFeed(repo, 10*time.Millisecond, zerolog.Nop())

	ch, err := feed.Subscribe(ctx, testProvider)
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected the first poll to signal")
	}

	select {
	case <-ch:
		t.Fatal("unchanged data must not signal")
	case <-time.After(80 * time.Millisecond):
	}

	id := seed(t, repo)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal after an insert")
	}

	_, err = repo.UpdateStatusIf(context.Background(), id, []appointment.Status{appointment.StatusScheduled}, appointment.StatusCancelled)
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal after an update")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPollFeed_DrivesSynchronizer(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	cfg := testConfig()
	feed := NewPollFeed(repo, cfg.PollInterval, zerolog.Nop())
	sync := NewSynchronizer(repo, feed, cfg, zerolog.Nop())
	defer sync.Stop()

	obs, err := sync.Watch(testPartition)
	require.NoError(t, err)
	defer obs.Close()
	receiveView(t, obs)

	seed(t, repo, withToken(1), withStatus(appointment.StatusTokenIssued))
	view := waitForView(t, obs, func(v QueueView) bool { return v.WaitingCount == 1 })
	assert.Equal(t, 1, view.LastIssuedToken)
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

func TestSynchronizer_DeliversInitialAndUpdatedViews(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	sync := NewSynchronizer(repo, repo, testConfig(), zerolog.Nop())
	defer sync.Stop()

	d := seed(t, repo)

	obs, err := sync.Watch(testPartition)
	require.NoError(t, err)
	defer obs.Close()

	first := receiveView(t, obs)
	assert.Equal(t, 1, first.ScheduledCount)

	_, err = svc.IssueToken(ctx, testProvider, testDate, d)
	require.NoError(t, err)

	view := waitForView(t, obs, func(v QueueView) bool { return v.WaitingCount == 1 })
	require.NotNil(t, view.Next)
	assert.Equal(t, d, view.Next.ID)

	_, err = svc.CallNextPatient(ctx, testProvider, testDate)
	require.NoError(t, err)

	view = waitForView(t, obs, func(v QueueView) bool { return v.Current != nil })
	assert.Equal(t, d, view.Current.ID)
	assert.Nil(t, view.Next)
}

func TestSynchronizer_SharesOneSubscriptionPerPartition(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	feed := newManualFeed()
	sync := NewSynchronizer(repo, feed, testConfig(), zerolog.Nop())
	defer sync.Stop()

	a, err := sync.Watch(testPartition)
	require.NoError(t, err)
	b, err := sync.Watch(testPartition)
	require.NoError(t, err)
	receiveView(t, a)

	other, err := sync.Watch(appointment.Partition{Date: testDate, ProviderID: "dr-other"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		opened, _ := feed.counts()
		return opened == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sync.Partitions())

	// the late observer still gets the current view
	receiveView(t, b)

	// dropping one observer leaves the others and the subscription alone
	a.Close()
	seed(t, repo)
	feed.Signal(testProvider)
	view := waitForView(t, b, func(v QueueView) bool { return v.ScheduledCount == 1 })
	assert.Equal(t, testPartition, view.Partition)
	assert.Equal(t, 2, sync.Partitions())

	_, ok := <-a.C
	assert.False(t, ok, "closed observer channel must be closed")

	// the last observer tears the subscription down
	b.Close()
	assert.Equal(t, 1, sync.Partitions())
	require.Eventually(t, func() bool {
		_, active := feed.counts()
		return active == 1
	}, time.Second, 5*time.Millisecond)

	other.Close()
	assert.Equal(t, 0, sync.Partitions())
}

func TestSynchronizer_KeepsLastViewWhileStoreIsDown(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	feed := newManualFeed()
	sync := NewSynchronizer(repo, feed, testConfig(), zerolog.Nop())
	defer sync.Stop()

	seed(t, repo, withToken(1), withStatus(appointment.StatusTokenIssued))

	obs, err := sync.Watch(testPartition)
	require.NoError(t, err)
	defer obs.Close()
	assert.Equal(t, 1, receiveView(t, obs).WaitingCount)

	repo.SetOffline(true)
	feed.Signal(testProvider)

	select {
	case v, ok := <-obs.C:
		t.Fatalf("unexpected delivery while the store is down: %+v (open=%v)", v, ok)
	case <-time.After(100 * time.Millisecond):
	}

	repo.SetOffline(false)
	seed(t, repo, withToken(2), withStatus(appointment.StatusTokenIssued))
	feed.Signal(testProvider)

	view := waitForView(t, obs, func(v QueueView) bool { return v.WaitingCount == 2 })
	assert.Equal(t, 2, view.LastIssuedToken)
}

func TestSynchronizer_Stop(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	sync := NewSynchronizer(repo, repo, testConfig(), zerolog.Nop())

	obs, err := sync.Watch(testPartition)
	require.NoError(t, err)

	sync.Stop()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-obs.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// closing after stop is harmless
	obs.Close()
	sync.Stop()

	_, err = sync.Watch(testPartition)
	assert.ErrorIs(t, err, ErrSynchronizerStopped)
}

func TestObserver_LatestViewWins(t *testing.T) {
	ch := make(chan QueueView, 1)
	o := &Observer{C: ch, ch: ch}

	o.deliver(QueueView{LastIssuedToken: 1})
	o.deliver(QueueView{LastIssuedToken: 2})
	o.deliver(QueueView{LastIssuedToken: 3})

	v := <-o.C
	assert.Equal(t, 3, v.LastIssuedToken)
	select {
	case <-o.C:
		t.Fatal("only the latest view should be buffered")
	default:
	}
}

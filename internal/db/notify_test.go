package db

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
}

func expectQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestNotifyFeed_DispatchRoutesByProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewNotifyFeed(nil, zerolog.Nop())

	a, err := feed.Subscribe(ctx, "dr-a")
	require.NoError(t, err)
	b, err := feed.Subscribe(ctx, "dr-b")
	require.NoError(t, err)

	feed.dispatch("dr-a")
	expectSignal(t, a)
	expectQuiet(t, b)

	// signals coalesce while one is pending
	feed.dispatch("dr-b")
	feed.dispatch("dr-b")
	expectSignal(t, b)
	expectQuiet(t, b)
}

func TestNotifyFeed_BroadcastAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewNotifyFeed(nil, zerolog.Nop())
	a, _ := feed.Subscribe(ctx, "dr-a")
	b, _ := feed.Subscribe(ctx, "dr-b")

	feed.broadcast()
	expectSignal(t, a)
	expectSignal(t, b)
}

func TestNotifyFeed_UnsubscribeOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewNotifyFeed(nil, zerolog.Nop())

	ch, err := feed.Subscribe(ctx, "dr-a")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Empty(t, feed.subs)
}

func TestSchemaNotifiesOnTheListenedChannel(t *testing.T) {
	assert.Contains(t, schemaSQL, "pg_notify('"+NotifyChannel+"', NEW.provider_id)")
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS queue_events")
}

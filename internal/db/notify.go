package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NotifyChannel must match the channel used by the schema trigger.
const NotifyChannel = "appointment_changes"

// NotifyFeed is the store-native push feed: one pooled connection LISTENs on
// NotifyChannel and fans the provider id payloads out to subscribers.
type NotifyFeed struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewNotifyFeed(pool *pgxpool.Pool, log zerolog.Logger) *NotifyFeed {
	return &NotifyFeed{
		pool: pool,
		log:  log,
		subs: make(map[string]map[chan struct{}]struct{}),
	}
}

// Run listens until ctx is done, reconnecting after failures.
func (f *NotifyFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		f.log.Error().Err(err).Dur("retry_in", backoff).Msg("notification listener failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *NotifyFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	f.log.Info().Str("channel", NotifyChannel).Msg("listening for appointment changes")

	// anything may have changed while no listener was attached
	f.broadcast()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		f.dispatch(n.Payload)
	}
}

func (f *NotifyFeed) Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	if f.subs[providerID] == nil {
		f.subs[providerID] = make(map[chan struct{}]struct{})
	}
	f.subs[providerID][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs[providerID], ch)
		if len(f.subs[providerID]) == 0 {
			delete(f.subs, providerID)
		}
		close(ch)
		f.mu.Unlock()
	}()

	return ch, nil
}

func (f *NotifyFeed) dispatch(providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs[providerID] {
		signal(ch)
	}
}

func (f *NotifyFeed) broadcast() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, set := range f.subs {
		for ch := range set {
			signal(ch)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

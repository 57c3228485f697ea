package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/config"
)

var ErrSynchronizerStopped = errors.New("synchronizer stopped")

const (
	subscribeBackoffMin = 500 * time.Millisecond
	subscribeBackoffMax = 10 * time.Second
)

// Synchronizer keeps live QueueViews flowing to observers. Each watched
// partition has one feed subscription shared by all of its observers; every
// signal triggers a full re-read and re-projection.
type Synchronizer struct {
	repo      partitionReader
	feed      ChangeFeed
	projector *Projector
	cfg       config.Config
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[appointment.Partition]*watch
	stopped bool
}

type watch struct {
	partition appointment.Partition
	cancel    context.CancelFunc
	observers map[*Observer]struct{}
	last      *QueueView
}

// Observer receives the views of one partition on C. Only the latest view is
// buffered; a slow reader skips intermediate states but never misses the
// final one.
type Observer struct {
	C <-chan QueueView

	ch        chan QueueView
	sync      *Synchronizer
	partition appointment.Partition
	once      sync.Once
}

func NewSynchronizer(repo partitionReader, feed ChangeFeed, cfg config.Config, log zerolog.Logger) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		repo:      repo,
		feed:      feed,
		projector: NewProjector(log),
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[appointment.Partition]*watch),
	}
}

// Watch registers an observer for p. The last known view, if any, is
// delivered immediately.
func (s *Synchronizer) Watch(p appointment.Partition) (*Observer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSynchronizerStopped
	}

	ch := make(chan QueueView, 1)
	o := &Observer{C: ch, ch: ch, sync: s, partition: p}

	w, ok := s.watches[p]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		w = &watch{
			partition: p,
			cancel:    cancel,
			observers: make(map[*Observer]struct{}),
		}
		s.watches[p] = w

		s.wg.Add(1)
		go s.run(ctx, w)
	}

	w.observers[o] = struct{}{}
	if w.last != nil {
		o.deliver(*w.last)
	}

	return o, nil
}

// Close stops delivery to this observer and closes C. The partition's feed
// subscription ends with its last observer.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.sync.remove(o)
	})
}

func (o *Observer) Partition() appointment.Partition {
	return o.partition
}

func (o *Observer) deliver(v QueueView) {
	select {
	case o.ch <- v:
		return
	default:
	}
	// replace the stale buffered view
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- v:
	default:
	}
}

func (s *Synchronizer) remove(o *Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[o.partition]
	if !ok {
		return
	}
	if _, ok := w.observers[o]; !ok {
		return
	}

	delete(w.observers, o)
	close(o.ch)

	if len(w.observers) == 0 {
		w.cancel()
		delete(s.watches, o.partition)
	}
}

// Partitions returns the number of partitions with a live subscription.
func (s *Synchronizer) Partitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Stop ends every subscription and closes all observers.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for p, w := range s.watches {
		w.cancel()
		for o := range w.observers {
			close(o.ch)
		}
		w.observers = make(map[*Observer]struct{})
		delete(s.watches, p)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("synchronizer stopped")
}

func (s *Synchronizer) run(ctx context.Context, w *watch) {
	defer s.wg.Done()

	log := s.log.With().Str("partition", w.partition.String()).Logger()
	log.Debug().Msg("partition watch started")
	defer log.Debug().Msg("partition watch stopped")

	signals := s.subscribe(ctx, w.partition.ProviderID, log)
	if signals == nil {
		return
	}
	s.refresh(ctx, w, log)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Msg("change feed closed, resubscribing")
				if signals = s.subscribe(ctx, w.partition.ProviderID, log); signals == nil {
					return
				}
			}
			s.refresh(ctx, w, log)
		}
	}
}

// subscribe retries with backoff until the feed accepts the subscription or
// ctx ends, in which case it returns nil.
func (s *Synchronizer) subscribe(ctx context.Context, providerID string, log zerolog.Logger) <-chan struct{} {
	backoff := subscribeBackoffMin
	for {
		signals, err := s.feed.Subscribe(ctx, providerID)
		if err == nil {
			return signals
		}

		log.Error().Err(err).Dur("retry_in", backoff).Msg("change feed subscribe failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > subscribeBackoffMax {
			backoff = subscribeBackoffMax
		}
	}
}

// refresh re-derives the view. A failed read keeps the previous view in place
// so observers are never handed a partial queue.
func (s *Synchronizer) refresh(ctx context.Context, w *watch, log zerolog.Logger) {
	view, err := loadQueue(ctx, s.repo, s.projector, s.cfg, log, w.partition)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("queue refresh failed, keeping last view")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w.last = &view
	for o := range w.observers {
		o.deliver(view)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

// ChangeFeed delivers a signal whenever any appointment of the provider may
// have changed. Signals carry no data; receivers re-read the partition. The
// channel is closed when ctx is done or the feed is lost.
type ChangeFeed interface {
	Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error)
}

// PollFeed is the fallback for stores without push notifications: it lists
// the provider's records every interval and signals when their fingerprint
// changes.
type PollFeed struct {
	repo     partitionReader
	interval time.Duration
	log      zerolog.Logger
}

func NewPollFeed(repo partitionReader, interval time.Duration, log zerolog.Logger) *PollFeed {
	return &PollFeed{repo: repo, interval: interval, log: log}
}

func (f *PollFeed) Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		var last uint64
		seen := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			recs, err := f.repo.ListByProvider(ctx, providerID)
			if err != nil {
				f.log.Debug().Err(err).Str("provider_id", providerID).Msg("poll feed read failed")
				continue
			}

			sum := fingerprint(recs)
			if seen && sum == last {
				continue
			}
			seen, last = true, sum

			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, nil
}

// fingerprint hashes a record set independently of its order.
func fingerprint(recs []appointment.Record) uint64 {
	sorted := make([]appointment.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	d := xxhash.New()
	for _, rec := range sorted {
		b, err := json.Marshal(rec)
		if err != nil {
			// unreachable for Record, but keep the id in the sum
			b = []byte(rec.ID.String())
		}
		_, _ = d.Write(b)
		_, _ = d.Write([]byte{'\n'})
	}
	return d.Sum64()
}

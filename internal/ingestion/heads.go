package ingestion

import (
	"context"
	"fmt"
	"time"

	"cyclewatch/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// HeadSubscriber opens new-head subscriptions.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// headFollower delivers new heads to a handler across subscription drops.
type headFollower struct {
	source  HeadSubscriber
	feed    string
	metrics *metrics.Metrics
	backoff func(attempt int) time.Duration
}

func newHeadFollower(source HeadSubscriber, feed string, m *metrics.Metrics) headFollower {
	return headFollower{source: source, feed: feed, metrics: m, backoff: calculateBackoff}
}

// run calls handle for every new head until ctx is canceled. Only a failure
// of the first subscription is returned. Later drops and failed
// resubscriptions are retried with backoff for as long as ctx lives.
func (f *headFollower) run(ctx context.Context, handle func(*types.Header)) error {
	headers := make(chan *types.Header, 16)

	sub, err := f.source.SubscribeNewHead(ctx, headers)
	if err != nil {
		return fmt.Errorf("subscribing to new heads: %w", err)
	}

	for {
		err := f.drain(ctx, sub, headers, handle)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("feed", f.feed).Msg("Head subscription dropped, resubscribing")

		if sub, err = f.resubscribe(ctx, headers); err != nil {
			return err
		}
		log.Info().Str("feed", f.feed).Msg("Head subscription restored")
	}
}

// resubscribe retries until a subscription is established. The only error
// it returns is ctx's.
func (f *headFollower) resubscribe(ctx context.Context, headers chan<- *types.Header) (ethereum.Subscription, error) {
	for attempt := 1; ; attempt++ {
		if f.metrics != nil {
			f.metrics.RecordReconnect()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.backoff(attempt)):
		}

		sub, err := f.source.SubscribeNewHead(ctx, headers)
		if err == nil {
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().
			Err(err).
			Str("feed", f.feed).
			Int("attempt", attempt).
			Msg("Resubscribe to new heads failed")
	}
}

func (f *headFollower) drain(ctx context.Context, sub ethereum.Subscription, headers <-chan *types.Header, handle func(*types.Header)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case h := <-headers:
			handle(h)
		}
	}
}

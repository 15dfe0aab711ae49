package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"cyclewatch/internal/metrics"
	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	maxReconnectAttempts = 10
	initialBackoff       = 1 * time.Second
	maxBackoff           = 30 * time.Second

	defaultSeenCacheSize = 65536
)

// Discard reasons, used as metric labels.
const (
	reasonFetch       = "fetch_failed"
	reasonNoRecipient = "no_recipient"
	reasonSender      = "bad_signature"
	reasonFeeCap      = "fee_below_base"
	reasonTrace       = "trace_failed"
	reasonUntracked   = "no_tracked_pool"
	reasonQueueFull   = "queue_full"
)

// TxSource fetches and simulates pending transactions.
type TxSource interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TraceCallLogs(ctx context.Context, tx *types.Transaction, from common.Address, block uint64) ([]chain.CallLog, error)
}

// PoolFilter reports whether an address is a tracked pool.
type PoolFilter interface {
	HasPool(addr common.Address) bool
}

// FeeOracle supplies the latest block and the next block's base fee.
type FeeOracle interface {
	Latest() (uint64, *big.Int)
}

// ReconConfig configures the mempool reader.
type ReconConfig struct {
	WSURL         string
	ChainID       *big.Int
	SeenCacheSize int
}

// Recon watches the mempool and publishes every pending transaction whose
// simulated execution emits logs from a tracked pool.
type Recon struct {
	wsURL   string
	backoff func(attempt int) time.Duration
	signer  types.Signer
	source  TxSource
	pools   PoolFilter
	oracle  FeeOracle
	queue   *Queue
	seen    *lru.Cache[common.Hash, struct{}]
	metrics *metrics.Metrics
}

// NewRecon creates a new mempool reader.
func NewRecon(cfg ReconConfig, source TxSource, pools PoolFilter, oracle FeeOracle, queue *Queue, m *metrics.Metrics) (*Recon, error) {
	size := cfg.SeenCacheSize
	if size <= 0 {
		size = defaultSeenCacheSize
	}
	seen, err := lru.New[common.Hash, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("creating seen-tx cache: %w", err)
	}

	return &Recon{
		wsURL:   cfg.WSURL,
		backoff: calculateBackoff,
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		source:  source,
		pools:   pools,
		oracle:  oracle,
		queue:   queue,
		seen:    seen,
		metrics: m,
	}, nil
}

// Run starts the mempool reader with automatic reconnection. It returns nil
// once the consumer is gone. The attempt budget only counts consecutive
// failures to connect; a session that subscribed resets it.
func (r *Recon) Run(ctx context.Context) error {
	attempt := 0
	for {
		if attempt > 0 {
			backoff := r.backoff(attempt)
			log.Info().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Reconnecting to pending transaction feed")

			if r.metrics != nil {
				r.metrics.RecordReconnect()
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		connected, err := r.runOnce(ctx)
		if errors.Is(err, ErrConsumerGone) {
			log.Info().Msg("Detector stopped, ending mempool reader")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Error().Err(err).Bool("was_connected", connected).Msg("Pending transaction feed error")

		if r.metrics != nil {
			r.metrics.SetWebSocketConnected(false)
		}

		if connected {
			attempt = 0
		}
		attempt++
		if attempt >= maxReconnectAttempts {
			return fmt.Errorf("max reconnection attempts reached: %w", err)
		}
	}
}

// runOnce runs one feed session. connected reports whether the
// subscription was confirmed before the session ended.
func (r *Recon) runOnce(ctx context.Context) (connected bool, err error) {
	feed, err := DialPendingFeed(ctx, r.wsURL)
	if err != nil {
		return false, err
	}
	defer feed.Close()

	if r.metrics != nil {
		r.metrics.SetWebSocketConnected(true)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- feed.Run(feedCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()

		case err := <-errCh:
			return true, err

		case hash := <-feed.Hashes():
			if err := r.HandleHash(ctx, hash); errors.Is(err, ErrConsumerGone) {
				return true, err
			}
		}
	}
}

// HandleHash runs one pending transaction through the filters and publishes
// it as a candidate if it survives. Only ErrConsumerGone is returned; every
// other failure drops the transaction.
func (r *Recon) HandleHash(ctx context.Context, hash common.Hash) error {
	if seen, _ := r.seen.ContainsOrAdd(hash, struct{}{}); seen {
		return nil
	}
	receivedAt := time.Now()
	if r.metrics != nil {
		r.metrics.RecordPendingTx()
	}

	tx, _, err := r.source.TransactionByHash(ctx, hash)
	if err != nil {
		r.discard(hash, reasonFetch, err)
		return nil
	}

	if tx.To() == nil {
		r.discard(hash, reasonNoRecipient, nil)
		return nil
	}

	from, err := types.Sender(r.signer, tx)
	if err != nil {
		r.discard(hash, reasonSender, err)
		return nil
	}

	block, nextBaseFee := r.oracle.Latest()
	if tx.GasFeeCap().Cmp(nextBaseFee) < 0 {
		r.discard(hash, reasonFeeCap, nil)
		return nil
	}

	logs, err := r.source.TraceCallLogs(ctx, tx, from, block)
	if err != nil {
		r.discard(hash, reasonTrace, err)
		return nil
	}

	tracked := logs[:0]
	for _, l := range logs {
		if r.pools.HasPool(l.Address) {
			tracked = append(tracked, l)
		}
	}
	if len(tracked) == 0 {
		r.discard(hash, reasonUntracked, nil)
		return nil
	}

	err = r.queue.Publish(&Candidate{Tx: tx, Logs: tracked, ReceivedAt: receivedAt})
	switch {
	case err == nil:
		if r.metrics != nil {
			r.metrics.RecordCandidatePublished()
		}
		log.Debug().
			Str("tx", hash.Hex()).
			Int("pool_logs", len(tracked)).
			Msg("Published candidate")
	case errors.Is(err, ErrQueueFull):
		if r.metrics != nil {
			r.metrics.RecordCandidateDropped()
		}
		r.discard(hash, reasonQueueFull, nil)
	default:
		return err
	}

	return nil
}

func (r *Recon) discard(hash common.Hash, reason string, err error) {
	if r.metrics != nil {
		r.metrics.RecordTxDiscarded(reason)
	}
	log.Trace().Err(err).Str("tx", hash.Hex()).Str("reason", reason).Msg("Dropped pending transaction")
}

func calculateBackoff(attempt int) time.Duration {
	backoff := initialBackoff * (1 << uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

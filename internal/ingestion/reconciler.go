package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"cyclewatch/internal/graph"
	"cyclewatch/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// BlockSource is the slice of a node client block sync needs.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeadSubscriber
}

const blockRetryDelay = 500 * time.Millisecond

// ReserveWriter receives confirmed reserve updates.
type ReserveWriter interface {
	HasPool(addr common.Address) bool
	ApplyPermanent(updates []graph.ReserveUpdate) int
}

// SyncResult contains statistics from a replay.
type SyncResult struct {
	FromBlock     uint64
	ToBlock       uint64
	Blocks        int
	EventsApplied int
	Duration      time.Duration
}

// BlockSync keeps live reserves in step with confirmed blocks: it replays
// every block after the snapshot up to the tip, then follows new heads.
type BlockSync struct {
	source  BlockSource
	state   ReserveWriter
	decoder *Decoder
	heads   headFollower
	metrics *metrics.Metrics

	// retryDelay is the wait before the single refetch of a block the node
	// could not serve yet.
	retryDelay time.Duration

	lastBlock  atomic.Uint64
	synced     chan struct{}
	syncedOnce sync.Once
}

// NewBlockSync creates a block sync starting after snapshotBlock.
func NewBlockSync(source BlockSource, state ReserveWriter, snapshotBlock uint64, m *metrics.Metrics) *BlockSync {
	b := &BlockSync{
		source:     source,
		state:      state,
		decoder:    NewDecoder(),
		heads:      newHeadFollower(source, "block_sync", m),
		metrics:    m,
		retryDelay: blockRetryDelay,
		synced:     make(chan struct{}),
	}
	b.lastBlock.Store(snapshotBlock)
	return b
}

// LastBlock returns the highest block applied to live reserves.
func (b *BlockSync) LastBlock() uint64 {
	return b.lastBlock.Load()
}

// Synced is closed once the initial replay has reached the tip.
func (b *BlockSync) Synced() <-chan struct{} {
	return b.synced
}

// Run replays to the tip and then follows new heads until ctx is canceled.
func (b *BlockSync) Run(ctx context.Context) error {
	if _, err := b.Replay(ctx); err != nil {
		return err
	}
	b.syncedOnce.Do(func() { close(b.synced) })

	return b.Follow(ctx)
}

// Replay applies every block after LastBlock up to the current tip.
func (b *BlockSync) Replay(ctx context.Context) (*SyncResult, error) {
	startTime := time.Now()

	tip, err := b.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting chain tip: %w", err)
	}

	from := b.LastBlock() + 1
	result := &SyncResult{FromBlock: from, ToBlock: tip}
	if from > tip {
		return result, nil
	}

	log.Info().
		Uint64("from_block", from).
		Uint64("to_block", tip).
		Msg("Replaying confirmed blocks")

	for number := from; number <= tip; number++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.EventsApplied += b.ProcessBlock(ctx, number)
		result.Blocks++
	}

	result.Duration = time.Since(startTime)
	log.Info().
		Uint64("from_block", result.FromBlock).
		Uint64("to_block", result.ToBlock).
		Int("blocks", result.Blocks).
		Int("events_applied", result.EventsApplied).
		Dur("duration", result.Duration).
		Msg("Replay complete")

	return result, nil
}

// Follow subscribes to new heads and applies each new block, filling any
// gap since the last applied block. Only a failure to subscribe at all is
// returned; dropped subscriptions are re-established.
func (b *BlockSync) Follow(ctx context.Context) error {
	log.Info().Uint64("last_block", b.LastBlock()).Msg("Following new blocks")

	return b.heads.run(ctx, func(header *types.Header) {
		head := header.Number.Uint64()
		for number := b.LastBlock() + 1; number <= head; number++ {
			if ctx.Err() != nil {
				return
			}
			b.ProcessBlock(ctx, number)
		}
	})
}

// ProcessBlock fetches a block and the receipts of its transactions, then
// applies every Sync event on a tracked pool in one permanent update. A block
// the node cannot serve is fetched once more before it is skipped; receipt
// failures skip the transaction. Returns the number of updates applied.
func (b *BlockSync) ProcessBlock(ctx context.Context, number uint64) int {
	block, err := b.fetchBlock(ctx, number)
	if err != nil {
		log.Warn().Err(err).Uint64("block", number).Msg("Failed to fetch block, skipping")
		if b.metrics != nil {
			b.metrics.RecordBlockSkipped()
		}
		b.advance(number)
		return 0
	}

	var updates []graph.ReserveUpdate
	for _, tx := range block.Transactions() {
		receipt, err := b.source.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			log.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("Failed to fetch receipt, skipping")
			continue
		}
		updates = append(updates, b.decoder.DecodeReceiptLogs(receipt.Logs, b.state.HasPool)...)
	}

	applied := 0
	if len(updates) > 0 {
		applied = b.state.ApplyPermanent(updates)
	}
	b.advance(number)

	if b.metrics != nil {
		b.metrics.RecordBlockProcessed(number, applied)
	}

	log.Debug().
		Uint64("block", number).
		Int("txs", len(block.Transactions())).
		Int("sync_events", applied).
		Msg("Applied block")

	return applied
}

// fetchBlock asks for the block twice. A head notification can arrive
// before the node serves the block body.
func (b *BlockSync) fetchBlock(ctx context.Context, number uint64) (*types.Block, error) {
	block, err := b.source.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err == nil {
		return block, nil
	}
	log.Debug().Err(err).Uint64("block", number).Msg("Block not available, retrying once")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.retryDelay):
	}
	return b.source.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

func (b *BlockSync) advance(number uint64) {
	if number > b.lastBlock.Load() {
		b.lastBlock.Store(number)
	}
}

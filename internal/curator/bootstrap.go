package curator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"cyclewatch/internal/graph"
	"cyclewatch/internal/metrics"
	"cyclewatch/internal/persistence"
	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize = 100
	defaultRouterFee = 9970
)

// ErrNoPools is returned when neither the checkpoint nor the configuration
// names any pool.
var ErrNoPools = errors.New("no pools in checkpoint or configuration")

// PairSource reads pair state from the chain.
type PairSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FetchPairs(ctx context.Context, addresses []common.Address, batchSize int, block *big.Int) ([]chain.Pair, error)
}

// SnapshotStore persists the pool checkpoint.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) ([]persistence.PoolRecord, uint64, error)
	SaveSnapshot(ctx context.Context, pools []persistence.PoolRecord, block uint64) error
}

// Config holds bootstrap settings.
type Config struct {
	PoolAddresses  []common.Address
	RefreshOnStart bool
	BatchSize      int
	RouterFee      uint64 // basis points applied to pools missing from the checkpoint
}

// Bootstrap produces the startup pool set and the block it is valid at,
// from the checkpoint, the chain, or both.
type Bootstrap struct {
	config  Config
	source  PairSource
	store   SnapshotStore
	metrics *metrics.Metrics
}

// NewBootstrap creates a new bootstrap instance.
func NewBootstrap(cfg Config, source PairSource, store SnapshotStore, m *metrics.Metrics) *Bootstrap {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RouterFee == 0 {
		cfg.RouterFee = defaultRouterFee
	}
	return &Bootstrap{
		config:  cfg,
		source:  source,
		store:   store,
		metrics: m,
	}
}

// Load returns the pools in index order and their snapshot block. The
// checkpoint is used as is unless a refresh is configured or it is empty;
// a refresh reads reserves at the current tip, keeps checkpointed fees and
// saves the result as the new checkpoint.
func (b *Bootstrap) Load(ctx context.Context) ([]graph.Pool, uint64, error) {
	startTime := time.Now()

	records, block, err := b.store.LoadSnapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("loading checkpoint: %w", err)
	}
	cached, err := FromRecords(records)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding checkpoint: %w", err)
	}

	log.Info().
		Int("pools", len(cached)).
		Uint64("block", block).
		Msg("Loaded pool checkpoint")

	if len(cached) > 0 && !b.config.RefreshOnStart {
		b.recordLatency(startTime)
		return cached, block, nil
	}

	pools, block, err := b.refresh(ctx, cached)
	if err != nil {
		return nil, 0, err
	}

	if err := b.Checkpoint(ctx, pools, block); err != nil {
		log.Warn().Err(err).Msg("Failed to save refreshed checkpoint")
	}

	b.recordLatency(startTime)
	log.Info().
		Int("pools", len(pools)).
		Uint64("block", block).
		Dur("elapsed", time.Since(startTime)).
		Msg("Bootstrap complete")

	return pools, block, nil
}

// refresh fetches every configured pool, falling back to the checkpointed
// addresses when none are configured.
func (b *Bootstrap) refresh(ctx context.Context, cached []graph.Pool) ([]graph.Pool, uint64, error) {
	addresses := b.config.PoolAddresses
	if len(addresses) == 0 {
		addresses = make([]common.Address, len(cached))
		for i := range cached {
			addresses[i] = cached[i].Address
		}
	}
	if len(addresses) == 0 {
		return nil, 0, ErrNoPools
	}

	block, err := b.source.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("getting block number: %w", err)
	}

	pairs, err := b.source.FetchPairs(ctx, addresses, b.config.BatchSize, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, 0, fmt.Errorf("fetching pool reserves: %w", err)
	}

	log.Info().
		Int("requested", len(addresses)).
		Int("fetched", len(pairs)).
		Uint64("block", block).
		Msg("Refreshed pool reserves")

	return mergePairs(pairs, cached, b.config.RouterFee), block, nil
}

// Checkpoint saves pools and block as the new checkpoint.
func (b *Bootstrap) Checkpoint(ctx context.Context, pools []graph.Pool, block uint64) error {
	if err := b.store.SaveSnapshot(ctx, ToRecords(pools), block); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	log.Info().Int("pools", len(pools)).Uint64("block", block).Msg("Saved pool checkpoint")
	return nil
}

func (b *Bootstrap) recordLatency(startTime time.Time) {
	if b.metrics != nil {
		b.metrics.RecordBootstrapLatency(time.Since(startTime))
	}
}

// mergePairs converts fetched pairs to pools. Fees come from the checkpoint
// when the pool is already known there.
func mergePairs(pairs []chain.Pair, cached []graph.Pool, routerFee uint64) []graph.Pool {
	known := make(map[common.Address]*graph.Pool, len(cached))
	for i := range cached {
		known[cached[i].Address] = &cached[i]
	}

	pools := make([]graph.Pool, 0, len(pairs))
	for _, pair := range pairs {
		p := graph.Pool{
			Address: pair.Address,
			Token0:  pair.Token0,
			Token1:  pair.Token1,
		}
		p.Reserve0.SetFromBig(pair.Reserve0)
		p.Reserve1.SetFromBig(pair.Reserve1)

		if prev, ok := known[pair.Address]; ok {
			p.RouterFee = prev.RouterFee
			p.Fees0 = prev.Fees0
			p.Fees1 = prev.Fees1
		} else {
			p.RouterFee.SetUint64(routerFee)
		}
		pools = append(pools, p)
	}
	return pools
}

// ToRecords converts pools to checkpoint records.
func ToRecords(pools []graph.Pool) []persistence.PoolRecord {
	result := make([]persistence.PoolRecord, len(pools))
	for i := range pools {
		p := &pools[i]
		result[i] = persistence.PoolRecord{
			Address:   p.Address.Hex(),
			Token0:    p.Token0.Hex(),
			Token1:    p.Token1.Hex(),
			Reserve0:  p.Reserve0.Dec(),
			Reserve1:  p.Reserve1.Dec(),
			RouterFee: p.RouterFee.Uint64(),
			Fees0:     p.Fees0.Uint64(),
			Fees1:     p.Fees1.Uint64(),
		}
	}
	return result
}

// FromRecords converts checkpoint records to pools.
func FromRecords(records []persistence.PoolRecord) ([]graph.Pool, error) {
	result := make([]graph.Pool, len(records))
	for i, r := range records {
		if !common.IsHexAddress(r.Address) || !common.IsHexAddress(r.Token0) || !common.IsHexAddress(r.Token1) {
			return nil, fmt.Errorf("pool %q: invalid address", r.Address)
		}
		reserve0, err := uint256.FromDecimal(r.Reserve0)
		if err != nil {
			return nil, fmt.Errorf("pool %s: reserve0: %w", r.Address, err)
		}
		reserve1, err := uint256.FromDecimal(r.Reserve1)
		if err != nil {
			return nil, fmt.Errorf("pool %s: reserve1: %w", r.Address, err)
		}

		p := graph.Pool{
			Address:  common.HexToAddress(r.Address),
			Token0:   common.HexToAddress(r.Token0),
			Token1:   common.HexToAddress(r.Token1),
			Reserve0: *reserve0,
			Reserve1: *reserve1,
		}
		p.RouterFee.SetUint64(r.RouterFee)
		p.Fees0.SetUint64(r.Fees0)
		p.Fees1.SetUint64(r.Fees1)
		result[i] = p
	}
	return result, nil
}

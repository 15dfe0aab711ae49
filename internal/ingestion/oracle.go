package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"cyclewatch/internal/metrics"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog/log"
)

// HeaderSource is the slice of a node client the base-fee oracle needs.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeadSubscriber
}

// londonConfig enables EIP-1559 from genesis so the fee rule applies to any
// header that carries a base fee.
var londonConfig = &params.ChainConfig{
	ChainID:     big.NewInt(1),
	LondonBlock: big.NewInt(0),
}

// NextBaseFee projects the base fee of the block after h. Headers without a
// base fee yield zero.
func NextBaseFee(h *types.Header) *big.Int {
	if h.BaseFee == nil {
		return new(big.Int)
	}
	if h.GasLimit < params.DefaultElasticityMultiplier {
		return new(big.Int).Set(h.BaseFee)
	}
	return eip1559.CalcBaseFee(londonConfig, h)
}

// BlockOracle tracks the latest header and the base fee projected for the
// next block.
type BlockOracle struct {
	heads   headFollower
	metrics *metrics.Metrics

	mu          sync.RWMutex
	number      uint64
	nextBaseFee *big.Int
}

// NewBlockOracle seeds the oracle from the latest header.
func NewBlockOracle(ctx context.Context, source HeaderSource, m *metrics.Metrics) (*BlockOracle, error) {
	header, err := source.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching latest header: %w", err)
	}

	o := &BlockOracle{heads: newHeadFollower(source, "base_fee", m), metrics: m}
	o.Update(header)
	return o, nil
}

// Update records h if it is not older than the current head.
func (o *BlockOracle) Update(h *types.Header) {
	number := h.Number.Uint64()
	next := NextBaseFee(h)

	o.mu.Lock()
	if o.nextBaseFee != nil && number < o.number {
		o.mu.Unlock()
		return
	}
	o.number = number
	o.nextBaseFee = next
	o.mu.Unlock()

	if o.metrics != nil {
		fee, _ := new(big.Float).SetInt(next).Float64()
		o.metrics.SetNextBaseFee(fee)
	}
}

// Latest returns the latest block number and the projected next base fee.
// The returned fee must not be modified.
func (o *BlockOracle) Latest() (uint64, *big.Int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.number, o.nextBaseFee
}

// Run follows new heads until ctx is canceled, resubscribing on error.
func (o *BlockOracle) Run(ctx context.Context) error {
	return o.heads.run(ctx, func(h *types.Header) {
		o.Update(h)
		number, fee := o.Latest()
		log.Trace().Uint64("block", number).Str("next_base_fee", fee.String()).Msg("Updated base fee")
	})
}

package ingestion

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var (
	testChainID = big.NewInt(1)
	router      = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
)

type reconFixture struct {
	chain *fakeChain
	queue *Queue
	recon *Recon
	key   *ecdsa.PrivateKey
	nonce uint64
}

func newReconFixture(t *testing.T, queueSize int) *reconFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fc := newFakeChain()
	q := NewQueue(queueSize)
	pools := &fakeState{pools: map[common.Address]bool{poolA: true, poolB: true}}
	oracle := fixedOracle{block: 777, fee: gwei(20)}

	r, err := NewRecon(ReconConfig{ChainID: testChainID, SeenCacheSize: 128}, fc, pools, oracle, q, nil)
	require.NoError(t, err)

	return &reconFixture{chain: fc, queue: q, recon: r, key: key}
}

// pending signs a transaction for chainID and registers it with the fake node.
func (f *reconFixture) pending(t *testing.T, chainID *big.Int, to *common.Address, feeCap *big.Int, logs []chain.CallLog) common.Hash {
	t.Helper()

	f.nonce++
	tx, err := types.SignNewTx(f.key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     f.nonce,
		GasTipCap: gwei(1),
		GasFeeCap: feeCap,
		Gas:       200_000,
		To:        to,
		Value:     big.NewInt(0),
	})
	require.NoError(t, err)

	f.chain.mu.Lock()
	f.chain.txs[tx.Hash()] = tx
	if logs != nil {
		f.chain.traces[tx.Hash()] = logs
	}
	f.chain.mu.Unlock()
	return tx.Hash()
}

func poolLog(pool common.Address) chain.CallLog {
	return chain.CallLog{Address: pool, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(1), big.NewInt(2))}
}

func TestHandleHashPublishesTrackedLogs(t *testing.T) {
	f := newReconFixture(t, 4)
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	hash := f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{
		poolLog(other),
		poolLog(poolA),
		poolLog(poolB),
	})

	require.NoError(t, f.recon.HandleHash(context.Background(), hash))
	require.Equal(t, 1, f.queue.Len())

	c := <-f.queue.Candidates()
	require.Equal(t, hash, c.Tx.Hash())
	require.Len(t, c.Logs, 2)
	require.Equal(t, poolA, c.Logs[0].Address)
	require.Equal(t, poolB, c.Logs[1].Address)
	require.False(t, c.ReceivedAt.IsZero())
	require.Equal(t, []uint64{777}, f.chain.traced, "trace must run against the oracle's latest block")
}

func TestHandleHashDeduplicates(t *testing.T) {
	f := newReconFixture(t, 4)
	hash := f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{poolLog(poolA)})

	require.NoError(t, f.recon.HandleHash(context.Background(), hash))
	require.NoError(t, f.recon.HandleHash(context.Background(), hash))
	require.Equal(t, 1, f.queue.Len())
	require.Len(t, f.chain.traced, 1)
}

func TestHandleHashFilters(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T, f *reconFixture) common.Hash
		traced bool
	}{
		{
			name: "unknown transaction",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return common.HexToHash("0xdead")
			},
		},
		{
			name: "contract creation",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return f.pending(t, testChainID, nil, gwei(30), []chain.CallLog{poolLog(poolA)})
			},
		},
		{
			name: "signed for another chain",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return f.pending(t, big.NewInt(5), &router, gwei(30), []chain.CallLog{poolLog(poolA)})
			},
		},
		{
			name: "fee cap below next base fee",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return f.pending(t, testChainID, &router, gwei(19), []chain.CallLog{poolLog(poolA)})
			},
		},
		{
			name: "trace failure",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return f.pending(t, testChainID, &router, gwei(30), nil)
			},
			traced: true,
		},
		{
			name: "no tracked pool touched",
			build: func(t *testing.T, f *reconFixture) common.Hash {
				return f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{
					poolLog(common.HexToAddress("0x00000000000000000000000000000000000000dd")),
				})
			},
			traced: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconFixture(t, 4)
			hash := tt.build(t, f)

			require.NoError(t, f.recon.HandleHash(context.Background(), hash))
			require.Equal(t, 0, f.queue.Len())
			require.Equal(t, tt.traced, len(f.chain.traced) > 0)
		})
	}
}

func TestHandleHashFeeCapEqualToBaseFee(t *testing.T) {
	f := newReconFixture(t, 4)
	hash := f.pending(t, testChainID, &router, gwei(20), []chain.CallLog{poolLog(poolA)})

	require.NoError(t, f.recon.HandleHash(context.Background(), hash))
	require.Equal(t, 1, f.queue.Len())
}

func TestHandleHashBackpressure(t *testing.T) {
	f := newReconFixture(t, 1)

	first := f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{poolLog(poolA)})
	second := f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{poolLog(poolA)})
	third := f.pending(t, testChainID, &router, gwei(30), []chain.CallLog{poolLog(poolA)})

	require.NoError(t, f.recon.HandleHash(context.Background(), first))
	// Full queue drops silently.
	require.NoError(t, f.recon.HandleHash(context.Background(), second))
	require.Equal(t, 1, f.queue.Len())

	f.queue.Close()
	require.ErrorIs(t, f.recon.HandleHash(context.Background(), third), ErrConsumerGone)
}

func TestCalculateBackoff(t *testing.T) {
	require.Equal(t, 2*initialBackoff, calculateBackoff(1))
	require.Equal(t, 8*initialBackoff, calculateBackoff(3))
	require.Equal(t, maxBackoff, calculateBackoff(10))
}

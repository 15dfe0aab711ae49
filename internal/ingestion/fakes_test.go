package ingestion

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"cyclewatch/internal/graph"
	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errNotFound = errors.New("not found")

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeChain serves blocks, receipts, headers and pending transactions from memory.
type fakeChain struct {
	mu       sync.Mutex
	tip      uint64
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	header   *types.Header
	txs      map[common.Hash]*types.Transaction
	traces   map[common.Hash][]chain.CallLog
	heads    chan<- *types.Header
	sub      *fakeSub
	subs     int
	fetched  []uint64
	traced   []uint64

	// subErrs is consumed by successive SubscribeNewHead calls; a nil
	// entry or an empty slice succeeds.
	subErrs []error
	// unavailable makes the next n fetches of a block fail.
	unavailable map[uint64]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
		traces:   make(map[common.Hash][]chain.CallLog),

		unavailable: make(map[uint64]int),
	}
}

// addBlock registers a block at number whose transactions emit the given logs.
func (f *fakeChain) addBlock(number uint64, txLogs ...[]*types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txs := make([]*types.Transaction, len(txLogs))
	for i, logs := range txLogs {
		tx := types.NewTx(&types.LegacyTx{Nonce: number*1000 + uint64(i), GasPrice: big.NewInt(1), Gas: 21000})
		txs[i] = tx
		f.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Logs: logs}
	}
	header := &types.Header{Number: new(big.Int).SetUint64(number)}
	f.blocks[number] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	if number > f.tip {
		f.tip = number
	}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, number.Uint64())
	if f.unavailable[number.Uint64()] > 0 {
		f.unavailable[number.Uint64()]--
		return nil, errNotFound
	}
	b, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header == nil {
		return nil, errNotFound
	}
	return f.header, nil
}

func (f *fakeChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	if len(f.subErrs) > 0 {
		err := f.subErrs[0]
		f.subErrs = f.subErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.heads = ch
	f.sub = newFakeSub()
	return f.sub, nil
}

// subscribeCalls returns how many times SubscribeNewHead was called.
func (f *fakeChain) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

// dropSubscription fails the live subscription with err.
func (f *fakeChain) dropSubscription(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.errCh <- err
}

// headsChan returns the channel registered by the latest subscription.
func (f *fakeChain) headsChan() chan<- *types.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, errNotFound
	}
	return tx, true, nil
}

func (f *fakeChain) TraceCallLogs(ctx context.Context, tx *types.Transaction, from common.Address, block uint64) ([]chain.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traced = append(f.traced, block)
	logs, ok := f.traces[tx.Hash()]
	if !ok {
		return nil, errNotFound
	}
	return append([]chain.CallLog(nil), logs...), nil
}

// fakeState records permanent updates for a fixed set of pools.
type fakeState struct {
	mu      sync.Mutex
	pools   map[common.Address]bool
	batches [][]graphUpdate
}

type graphUpdate struct {
	pool     common.Address
	reserve0 uint64
	reserve1 uint64
}

func (s *fakeState) HasPool(addr common.Address) bool { return s.pools[addr] }

func (s *fakeState) ApplyPermanent(updates []graph.ReserveUpdate) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]graphUpdate, 0, len(updates))
	for _, u := range updates {
		batch = append(batch, graphUpdate{pool: u.Pool, reserve0: u.Reserve0.Uint64(), reserve1: u.Reserve1.Uint64()})
	}
	s.batches = append(s.batches, batch)
	return len(batch)
}

func (s *fakeState) applied() [][]graphUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]graphUpdate(nil), s.batches...)
}

// fixedOracle reports a constant head and base fee.
type fixedOracle struct {
	block uint64
	fee   *big.Int
}

func (o fixedOracle) Latest() (uint64, *big.Int) { return o.block, o.fee }

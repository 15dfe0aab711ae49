package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// PairABIJSON covers the Uniswap V2 pair views needed to seed reserves.
const PairABIJSON = `[
	{"inputs": [], "name": "token0", "outputs": [{"internalType": "address", "name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token1", "outputs": [{"internalType": "address", "name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "getReserves", "outputs": [
		{"internalType": "uint112", "name": "_reserve0", "type": "uint112"},
		{"internalType": "uint112", "name": "_reserve1", "type": "uint112"},
		{"internalType": "uint32", "name": "_blockTimestampLast", "type": "uint32"}
	], "stateMutability": "view", "type": "function"}
]`

var PairABI = mustParseABI(PairABIJSON)

const pairCalls = 3 // token0, token1, getReserves

// Pair is the on-chain state of a Uniswap V2 style pair.
type Pair struct {
	Address  common.Address
	Token0   common.Address
	Token1   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// FetchPairs reads tokens and reserves for every address at block (nil for
// latest), batchSize pairs per multicall. Pairs whose calls fail or decode
// badly are skipped and logged.
func (c *Client) FetchPairs(ctx context.Context, addresses []common.Address, batchSize int, block *big.Int) ([]Pair, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	token0Data, err := PairABI.Pack("token0")
	if err != nil {
		return nil, fmt.Errorf("packing token0: %w", err)
	}
	token1Data, _ := PairABI.Pack("token1")
	reservesData, _ := PairABI.Pack("getReserves")

	pairs := make([]Pair, 0, len(addresses))
	for i := 0; i < len(addresses); i += batchSize {
		end := min(i+batchSize, len(addresses))
		batch := addresses[i:end]

		calls := make([]ContractCall, 0, len(batch)*pairCalls)
		for _, addr := range batch {
			calls = append(calls,
				ContractCall{Target: addr, CallData: token0Data},
				ContractCall{Target: addr, CallData: token1Data},
				ContractCall{Target: addr, CallData: reservesData},
			)
		}

		results, err := c.BatchCallContract(ctx, calls, block)
		if err != nil {
			return nil, fmt.Errorf("fetching pairs %d-%d: %w", i, end, err)
		}

		for j, addr := range batch {
			pair, err := decodePair(addr, results[j*pairCalls:(j+1)*pairCalls])
			if err != nil {
				log.Warn().Err(err).Str("pool", addr.Hex()).Msg("Skipping pool")
				continue
			}
			pairs = append(pairs, pair)
		}

		log.Debug().Int("progress", end).Int("total", len(addresses)).Int("valid", len(pairs)).Msg("Fetching pool reserves")
	}

	return pairs, nil
}

func decodePair(addr common.Address, results []CallResult) (Pair, error) {
	for _, r := range results {
		if !r.Success {
			return Pair{}, fmt.Errorf("call reverted")
		}
	}

	var token0, token1 common.Address
	if err := PairABI.UnpackIntoInterface(&token0, "token0", results[0].Data); err != nil {
		return Pair{}, fmt.Errorf("decoding token0: %w", err)
	}
	if err := PairABI.UnpackIntoInterface(&token1, "token1", results[1].Data); err != nil {
		return Pair{}, fmt.Errorf("decoding token1: %w", err)
	}

	values, err := PairABI.Unpack("getReserves", results[2].Data)
	if err != nil {
		return Pair{}, fmt.Errorf("decoding reserves: %w", err)
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return Pair{}, fmt.Errorf("unexpected reserve types")
	}

	return Pair{
		Address:  addr,
		Token0:   token0,
		Token1:   token1,
		Reserve0: reserve0,
		Reserve1: reserve1,
	}, nil
}

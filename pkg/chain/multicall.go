package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3 contract address (same on all EVM chains)
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Multicall3 ABI for aggregate3
const Multicall3ABIJSON = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "target", "type": "address"},
					{"internalType": "bool", "name": "allowFailure", "type": "bool"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Call3[]",
				"name": "calls",
				"type": "tuple[]"
			}
		],
		"name": "aggregate3",
		"outputs": [
			{
				"components": [
					{"internalType": "bool", "name": "success", "type": "bool"},
					{"internalType": "bytes", "name": "returnData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Result[]",
				"name": "returnData",
				"type": "tuple[]"
			}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var Multicall3ABI = mustParseABI(Multicall3ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}

// ContractCall represents a single call to be batched
type ContractCall struct {
	Target   common.Address
	CallData []byte
}

// CallResult represents the result of a single call
type CallResult struct {
	Success bool
	Data    []byte
}

// BatchCallContract executes multiple contract calls in a single eth_call
// through Multicall3, evaluated at block (nil for latest). Individual calls
// may fail without failing the batch.
func (c *Client) BatchCallContract(ctx context.Context, calls []ContractCall, block *big.Int) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	type Call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}

	call3s := make([]Call3, len(calls))
	for i, call := range calls {
		call3s[i] = Call3{
			Target:       call.Target,
			AllowFailure: true,
			CallData:     call.CallData,
		}
	}

	data, err := Multicall3ABI.Pack("aggregate3", call3s)
	if err != nil {
		return nil, fmt.Errorf("failed to pack aggregate3 call: %w", err)
	}

	var result []byte
	err = retryCall(ctx, func() error {
		var callErr error
		msg := ethereum.CallMsg{
			To:   &Multicall3Address,
			Data: data,
		}
		result, callErr = c.ethClient.CallContract(ctx, msg, block)
		return callErr
	}, 3)
	if err != nil {
		return nil, fmt.Errorf("multicall failed: %w", err)
	}

	type Result struct {
		Success    bool
		ReturnData []byte
	}

	var results []Result
	if err := Multicall3ABI.UnpackIntoInterface(&results, "aggregate3", result); err != nil {
		return nil, fmt.Errorf("failed to unpack aggregate3 result: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(results), len(calls))
	}

	callResults := make([]CallResult, len(results))
	for i, r := range results {
		callResults[i] = CallResult{
			Success: r.Success,
			Data:    r.ReturnData,
		}
	}

	return callResults, nil
}

// retryCall executes fn with exponential backoff while the error looks transient.
func retryCall(ctx context.Context, fn func() error, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err.Error()) {
			return err
		}

		// 100ms, 200ms, 400ms
		backoff := time.Duration(100<<attempt) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// isTransientError checks if an error is likely transient and worth retrying
func isTransientError(errStr string) bool {
	transientPatterns := []string{
		"EOF",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
	}
	errLower := strings.ToLower(errStr)
	for _, pattern := range transientPatterns {
		if strings.Contains(errLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallLog is a log emitted inside a traced call.
type CallLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// CallFrame is one frame of a callTracer result.
type CallFrame struct {
	Type  string          `json:"type"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Error string          `json:"error,omitempty"`
	Logs  []CallLog       `json:"logs,omitempty"`
	Calls []CallFrame     `json:"calls,omitempty"`
}

// FlattenLogs returns the frame's own logs followed by those of each
// sub-call, depth first.
func (f *CallFrame) FlattenLogs() []CallLog {
	var out []CallLog
	f.appendLogs(&out)
	return out
}

func (f *CallFrame) appendLogs(out *[]CallLog) {
	*out = append(*out, f.Logs...)
	for i := range f.Calls {
		f.Calls[i].appendLogs(out)
	}
}

type traceCallArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Input                hexutil.Bytes   `json:"input"`
}

type traceConfig struct {
	Tracer       string          `json:"tracer"`
	TracerConfig map[string]bool `json:"tracerConfig"`
}

// TraceCall simulates tx from sender on top of block with the call tracer,
// collecting logs.
func (c *Client) TraceCall(ctx context.Context, tx *types.Transaction, from common.Address, block uint64) (*CallFrame, error) {
	args := traceCallArgs{
		From:  from,
		To:    tx.To(),
		Gas:   hexutil.Uint64(tx.Gas()),
		Value: (*hexutil.Big)(tx.Value()),
		Input: tx.Data(),
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	default:
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	}

	cfg := traceConfig{
		Tracer:       "callTracer",
		TracerConfig: map[string]bool{"withLog": true},
	}

	var frame CallFrame
	if err := c.rpcClient.CallContext(ctx, &frame, "debug_traceCall", args, hexutil.EncodeUint64(block), cfg); err != nil {
		return nil, fmt.Errorf("tracing call: %w", err)
	}
	return &frame, nil
}

// TraceCallLogs is TraceCall flattened to the emitted logs.
func (c *Client) TraceCallLogs(ctx context.Context, tx *types.Transaction, from common.Address, block uint64) ([]CallLog, error) {
	frame, err := c.TraceCall(ctx, tx, from, block)
	if err != nil {
		return nil, err
	}
	return frame.FlattenLogs(), nil
}

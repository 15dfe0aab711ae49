package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	tokX  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	poolA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type result3 struct {
	Success    bool
	ReturnData []byte
}

// ethService answers eth_call for Multicall3 over a set of fake pairs.
type ethService struct {
	pairs  map[common.Address]Pair
	blocks []string
}

func (s *ethService) Call(args map[string]interface{}, block string) (hexutil.Bytes, error) {
	s.blocks = append(s.blocks, block)

	raw, _ := args["input"].(string)
	if raw == "" {
		raw, _ = args["data"].(string)
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, err
	}

	method := Multicall3ABI.Methods["aggregate3"]
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	var calls []call3
	if err := method.Inputs.Copy(&calls, values); err != nil {
		return nil, err
	}

	results := make([]result3, len(calls))
	for i, c := range calls {
		pair, ok := s.pairs[c.Target]
		if !ok {
			continue
		}
		m, err := PairABI.MethodById(c.CallData[:4])
		if err != nil {
			return nil, err
		}
		var out []byte
		switch m.Name {
		case "token0":
			out, err = m.Outputs.Pack(pair.Token0)
		case "token1":
			out, err = m.Outputs.Pack(pair.Token1)
		case "getReserves":
			out, err = m.Outputs.Pack(pair.Reserve0, pair.Reserve1, uint32(0))
		}
		if err != nil {
			return nil, err
		}
		results[i] = result3{Success: true, ReturnData: out}
	}

	return method.Outputs.Pack(results)
}

// debugService answers debug_traceCall with a fixed frame.
type debugService struct {
	frame CallFrame
	args  traceCallArgs
	block string
	cfg   traceConfig
}

func (s *debugService) TraceCall(args traceCallArgs, block string, cfg traceConfig) (*CallFrame, error) {
	s.args, s.block, s.cfg = args, block, cfg
	return &s.frame, nil
}

func newTestClient(t *testing.T, services map[string]interface{}) *Client {
	t.Helper()
	srv := rpc.NewServer()
	for name, svc := range services {
		require.NoError(t, srv.RegisterName(name, svc))
	}
	rc := rpc.DialInProc(srv)
	t.Cleanup(func() {
		rc.Close()
		srv.Stop()
	})
	return &Client{rpcClient: rc, ethClient: ethclient.NewClient(rc), url: "inproc"}
}

func TestFetchPairs(t *testing.T) {
	eth := &ethService{pairs: map[common.Address]Pair{
		poolA: {Token0: weth, Token1: tokX, Reserve0: big.NewInt(1_000_000), Reserve1: big.NewInt(2_000_000)},
		poolB: {Token0: tokX, Token1: weth, Reserve0: big.NewInt(2_000_000), Reserve1: big.NewInt(1_050_000)},
	}}
	c := newTestClient(t, map[string]interface{}{"eth": eth})

	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	pairs, err := c.FetchPairs(context.Background(), []common.Address{poolA, unknown, poolB}, 2, big.NewInt(100))
	require.NoError(t, err)

	// The address without a contract is skipped; order is kept.
	require.Len(t, pairs, 2)
	require.Equal(t, poolA, pairs[0].Address)
	require.Equal(t, weth, pairs[0].Token0)
	require.Equal(t, int64(2_000_000), pairs[0].Reserve1.Int64())
	require.Equal(t, poolB, pairs[1].Address)
	require.Equal(t, int64(1_050_000), pairs[1].Reserve1.Int64())

	// Two batches, both pinned to the requested block.
	require.Equal(t, []string{"0x64", "0x64"}, eth.blocks)
}

func TestDecodePairReverted(t *testing.T) {
	_, err := decodePair(poolA, []CallResult{{Success: true}, {Success: false}, {Success: true}})
	require.Error(t, err)
}

func TestTraceCallLogs(t *testing.T) {
	syncTopic := common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")
	debug := &debugService{frame: CallFrame{
		Type: "CALL",
		Logs: []CallLog{{Address: poolA, Topics: []common.Hash{syncTopic}}},
		Calls: []CallFrame{
			{
				Type:  "CALL",
				Logs:  []CallLog{{Address: poolB, Topics: []common.Hash{syncTopic}}},
				Calls: []CallFrame{{Type: "STATICCALL", Logs: []CallLog{{Address: weth}}}},
			},
			{Type: "CALL", Logs: []CallLog{{Address: tokX}}},
		},
	}}
	c := newTestClient(t, map[string]interface{}{"debug": debug})

	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(30),
		Gas:       150_000,
		To:        &to,
		Value:     big.NewInt(5),
		Data:      []byte{0xde, 0xad},
	})
	from := common.HexToAddress("0x00000000000000000000000000000000000000f1")

	logs, err := c.TraceCallLogs(context.Background(), tx, from, 11)
	require.NoError(t, err)

	var order []common.Address
	for _, l := range logs {
		order = append(order, l.Address)
	}
	require.Equal(t, []common.Address{poolA, poolB, weth, tokX}, order)

	require.Equal(t, "0xb", debug.block)
	require.Equal(t, "callTracer", debug.cfg.Tracer)
	require.True(t, debug.cfg.TracerConfig["withLog"])
	require.Equal(t, from, debug.args.From)
	require.Equal(t, int64(30), debug.args.MaxFeePerGas.ToInt().Int64())
	require.Nil(t, debug.args.GasPrice)
	require.Equal(t, hexutil.Bytes{0xde, 0xad}, debug.args.Input)
}

func TestCallFrameJSON(t *testing.T) {
	raw := `{
		"type": "CALL",
		"from": "0x00000000000000000000000000000000000000f1",
		"to": "0x00000000000000000000000000000000000000a1",
		"logs": [{"address": "0x00000000000000000000000000000000000000a1", "topics": [], "data": "0x01"}],
		"calls": [{"type": "CALL", "from": "0x00000000000000000000000000000000000000a1",
			"logs": [{"address": "0x00000000000000000000000000000000000000b2", "topics": [], "data": "0x"}]}]
	}`

	var frame CallFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))

	logs := frame.FlattenLogs()
	require.Len(t, logs, 2)
	require.Equal(t, poolA, logs[0].Address)
	require.Equal(t, hexutil.Bytes{0x01}, logs[0].Data)
	require.Equal(t, poolB, logs[1].Address)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"unexpected EOF", true},
		{"read tcp: connection reset by peer", true},
		{"429 Too Many Requests", true},
		{"502 Bad Gateway", true},
		{"context deadline exceeded (Client.Timeout exceeded)", true},
		{"execution reverted", false},
		{"invalid argument 0: hex string without 0x prefix", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, isTransientError(tt.err), tt.err)
	}
}

func TestRetryCall(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := retryCall(ctx, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset")
		}
		return nil
	}, 3)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	attempts = 0
	err = retryCall(ctx, func() error {
		attempts++
		return errors.New("execution reverted")
	}, 3)
	require.Error(t, err)
	require.Equal(t, 1, attempts, "permanent errors are not retried")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = retryCall(canceled, func() error { return errors.New("timeout") }, 3)
	require.ErrorIs(t, err, context.Canceled)
}

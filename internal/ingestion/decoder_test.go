package ingestion

import (
	"math/big"
	"testing"

	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testPool = common.HexToAddress("0x1234567890123456789012345678901234567890")

// syncData encodes two reserves as a Sync log payload
func syncData(r0, r1 *big.Int) []byte {
	return append(common.LeftPadBytes(r0.Bytes(), 32), common.LeftPadBytes(r1.Bytes(), 32)...)
}

func TestSyncEventTopic(t *testing.T) {
	expected := crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
	require.Equal(t, expected, SyncEventTopic)
	require.Equal(t, "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1", SyncEventTopic.Hex())
}

func TestDecodeSync(t *testing.T) {
	decoder := NewDecoder()

	// reserve0 = 1e18, reserve1 = 2e18
	data := common.FromHex("0x" +
		"0000000000000000000000000000000000000000000000000de0b6b3a7640000" +
		"0000000000000000000000000000000000000000000000001bc16d674ec80000")

	update, err := decoder.DecodeSync(testPool, []common.Hash{SyncEventTopic}, data)
	require.NoError(t, err)
	require.Equal(t, testPool, update.Pool)
	require.Equal(t, "1000000000000000000", update.Reserve0.Dec())
	require.Equal(t, "2000000000000000000", update.Reserve1.Dec())
}

func TestDecodeSync_LargeReserves(t *testing.T) {
	decoder := NewDecoder()

	// Wider than uint112; still a valid 32-byte word.
	r0, _ := new(big.Int).SetString("1000000000000000000000000000000000000", 10)
	r1, _ := new(big.Int).SetString("500000000000000000000000000000", 10)

	update, err := decoder.DecodeSync(testPool, []common.Hash{SyncEventTopic}, syncData(r0, r1))
	require.NoError(t, err)
	require.Equal(t, r0.String(), update.Reserve0.Dec())
	require.Equal(t, r1.String(), update.Reserve1.Dec())
}

func TestDecodeSync_WrongTopic(t *testing.T) {
	decoder := NewDecoder()

	transfer := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	_, err := decoder.DecodeSync(testPool, []common.Hash{transfer}, syncData(big.NewInt(1), big.NewInt(2)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a Sync event")

	_, err = decoder.DecodeSync(testPool, nil, syncData(big.NewInt(1), big.NewInt(2)))
	require.Error(t, err)
}

func TestDecodeSync_DataTooShort(t *testing.T) {
	decoder := NewDecoder()

	_, err := decoder.DecodeSync(testPool, []common.Hash{SyncEventTopic}, common.FromHex("0x00000001"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "data too short")
}

func TestIsSyncEvent(t *testing.T) {
	tests := []struct {
		name     string
		topics   []common.Hash
		expected bool
	}{
		{"Sync event", []common.Hash{SyncEventTopic}, true},
		{"Sync topic not first", []common.Hash{{}, SyncEventTopic}, false},
		{"other event", []common.Hash{crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))}, false},
		{"empty topics", []common.Hash{}, false},
		{"nil topics", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, IsSyncEvent(tt.topics))
		})
	}
}

func TestDecodeCallLogs(t *testing.T) {
	decoder := NewDecoder()
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	logs := []chain.CallLog{
		{Address: testPool, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(10), big.NewInt(20))},
		{Address: testPool, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}, Data: syncData(big.NewInt(1), big.NewInt(1))},
		{Address: other, Topics: []common.Hash{SyncEventTopic}, Data: []byte{0x01}},
		{Address: other, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(30), big.NewInt(40))},
	}

	updates := decoder.DecodeCallLogs(logs)
	require.Len(t, updates, 2)
	require.Equal(t, testPool, updates[0].Pool)
	require.Equal(t, uint64(10), updates[0].Reserve0.Uint64())
	require.Equal(t, other, updates[1].Pool)
	require.Equal(t, uint64(40), updates[1].Reserve1.Uint64())
}

func TestDecodeReceiptLogs(t *testing.T) {
	decoder := NewDecoder()
	untracked := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	logs := []*types.Log{
		{Address: testPool, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(5), big.NewInt(6)), BlockNumber: 100, Index: 3},
		{Address: untracked, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(7), big.NewInt(8)), BlockNumber: 100, Index: 4},
		{Address: testPool, Topics: []common.Hash{SyncEventTopic}, Data: syncData(big.NewInt(9), big.NewInt(9)), BlockNumber: 100, Index: 5, Removed: true},
	}

	updates := decoder.DecodeReceiptLogs(logs, func(a common.Address) bool { return a == testPool })
	require.Len(t, updates, 1)
	require.Equal(t, uint64(5), updates[0].Reserve0.Uint64())
	require.Equal(t, uint64(100), updates[0].BlockNumber)
	require.Equal(t, uint(3), updates[0].LogIndex)
}

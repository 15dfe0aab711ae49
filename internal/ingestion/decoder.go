package ingestion

import (
	"fmt"
	"math/big"

	"cyclewatch/internal/graph"
	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sync(uint112,uint112) - emitted by a Uniswap V2 pair whenever its reserves change
var SyncEventTopic = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))

// Decoder turns Sync logs into reserve updates.
type Decoder struct {
	syncABI abi.Arguments
}

// NewDecoder creates a new event decoder.
func NewDecoder() *Decoder {
	// Both reserves are in the data field (not indexed). They are read as
	// full words so a non-standard pair reporting wider reserves still decodes.
	uint256Type, _ := abi.NewType("uint256", "", nil)
	return &Decoder{
		syncABI: abi.Arguments{
			{Type: uint256Type, Name: "reserve0"},
			{Type: uint256Type, Name: "reserve1"},
		},
	}
}

// IsSyncEvent reports whether topics identify a Sync event.
func IsSyncEvent(topics []common.Hash) bool {
	return len(topics) > 0 && topics[0] == SyncEventTopic
}

// DecodeSync decodes the reserves carried by a Sync log emitted by pool.
func (d *Decoder) DecodeSync(pool common.Address, topics []common.Hash, data []byte) (graph.ReserveUpdate, error) {
	if !IsSyncEvent(topics) {
		return graph.ReserveUpdate{}, fmt.Errorf("not a Sync event")
	}
	if len(data) < 64 {
		return graph.ReserveUpdate{}, fmt.Errorf("data too short: %d bytes", len(data))
	}

	values, err := d.syncABI.Unpack(data[:64])
	if err != nil {
		return graph.ReserveUpdate{}, fmt.Errorf("unpacking sync data: %w", err)
	}

	reserve0, ok := values[0].(*big.Int)
	if !ok {
		return graph.ReserveUpdate{}, fmt.Errorf("invalid reserve0 type")
	}
	reserve1, ok := values[1].(*big.Int)
	if !ok {
		return graph.ReserveUpdate{}, fmt.Errorf("invalid reserve1 type")
	}

	update := graph.ReserveUpdate{Pool: pool}
	update.Reserve0.SetFromBig(reserve0)
	update.Reserve1.SetFromBig(reserve1)
	return update, nil
}

// DecodeCallLogs returns an update for every Sync log in a call trace.
// Logs that are not Sync events or fail to decode are skipped.
func (d *Decoder) DecodeCallLogs(logs []chain.CallLog) []graph.ReserveUpdate {
	var updates []graph.ReserveUpdate
	for i := range logs {
		l := &logs[i]
		if !IsSyncEvent(l.Topics) {
			continue
		}
		update, err := d.DecodeSync(l.Address, l.Topics, l.Data)
		if err != nil {
			continue
		}
		update.LogIndex = uint(i)
		updates = append(updates, update)
	}
	return updates
}

// DecodeReceiptLogs returns an update for every Sync log in a receipt whose
// emitter passes tracked.
func (d *Decoder) DecodeReceiptLogs(logs []*types.Log, tracked func(common.Address) bool) []graph.ReserveUpdate {
	var updates []graph.ReserveUpdate
	for _, l := range logs {
		if l.Removed || !IsSyncEvent(l.Topics) || !tracked(l.Address) {
			continue
		}
		update, err := d.DecodeSync(l.Address, l.Topics, l.Data)
		if err != nil {
			continue
		}
		update.BlockNumber = l.BlockNumber
		update.LogIndex = l.Index
		updates = append(updates, update)
	}
	return updates
}

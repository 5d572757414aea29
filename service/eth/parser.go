package eth

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferEventSig is the keccak hash of the canonical ERC-20 Transfer event
// signature, found in topic 0 of every transfer log.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferEvent is a decoded ERC-20 Transfer log. It exists only for the
// duration of one verification; nothing derived from it is persisted except
// the resulting Payment row. Addresses are canonical (lowercase hex).
type TransferEvent struct {
	From  string
	To    string
	Value *big.Int
}

// ParseTransferLogs decodes the Transfer events emitted by the given token
// contract out of a receipt's logs. Logs from other contracts, and logs from
// the token contract that are not Transfer events (Approval and friends),
// are skipped without error.
func ParseTransferLogs(logs []*types.Log, token common.Address) []TransferEvent {
	var events []TransferEvent
	for _, lg := range logs {
		if lg == nil {
			continue
		}
		if !strings.EqualFold(lg.Address.Hex(), token.Hex()) {
			continue
		}
		ev, ok := decodeTransfer(lg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// decodeTransfer decodes a single log as an ERC-20 Transfer event.
// Transfer(address indexed from, address indexed to, uint256 value) carries
// the addresses in topics 1 and 2 and the value as a single 32-byte data word.
func decodeTransfer(lg *types.Log) (TransferEvent, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferEventSig {
		return TransferEvent{}, false
	}
	if len(lg.Data) != 32 {
		return TransferEvent{}, false
	}

	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	value := new(big.Int).SetBytes(lg.Data)

	return TransferEvent{
		From:  strings.ToLower(from.Hex()),
		To:    strings.ToLower(to.Hex()),
		Value: value,
	}, true
}

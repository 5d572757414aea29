package eth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testFrom  = common.HexToAddress("0xC0ffee254729296a45a3885639AC7E10F9d54979")
	testTo    = common.HexToAddress("0xAA31F97BE2c7f90Ff2cf3b7eD44855E750CEF81f")
)

// transferLog builds a well-formed ERC-20 Transfer log.
func transferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func TestParseTransferLogs_DecodesTransfer(t *testing.T) {
	logs := []*types.Log{
		transferLog(testToken, testFrom, testTo, big.NewInt(50000000)),
	}

	events := ParseTransferLogs(logs, testToken)
	require.Len(t, events, 1)

	assert.Equal(t, "0xc0ffee254729296a45a3885639ac7e10f9d54979", events[0].From)
	assert.Equal(t, "0xaa31f97be2c7f90ff2cf3b7ed44855e750cef81f", events[0].To)
	assert.Equal(t, "50000000", events[0].Value.String())
}

func TestParseTransferLogs_SkipsOtherContracts(t *testing.T) {
	otherToken := common.HexToAddress("0x1111111111111111111111111111111111111111")
	logs := []*types.Log{
		transferLog(otherToken, testFrom, testTo, big.NewInt(50000000)),
	}

	events := ParseTransferLogs(logs, testToken)
	assert.Empty(t, events)
}

func TestParseTransferLogs_SkipsNonTransferEvents(t *testing.T) {
	approvalSig := crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

	logs := []*types.Log{
		// Approval event from the token contract: right address, wrong topic 0.
		{
			Address: testToken,
			Topics: []common.Hash{
				approvalSig,
				common.BytesToHash(testFrom.Bytes()),
				common.BytesToHash(testTo.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
		},
		// Transfer signature but missing indexed topics.
		{
			Address: testToken,
			Topics:  []common.Hash{transferEventSig},
			Data:    common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
		},
		// Transfer with malformed data length.
		{
			Address: testToken,
			Topics: []common.Hash{
				transferEventSig,
				common.BytesToHash(testFrom.Bytes()),
				common.BytesToHash(testTo.Bytes()),
			},
			Data: []byte{0x01, 0x02},
		},
	}

	events := ParseTransferLogs(logs, testToken)
	assert.Empty(t, events)
}

func TestParseTransferLogs_MixedLogs(t *testing.T) {
	otherToken := common.HexToAddress("0x2222222222222222222222222222222222222222")
	thirdParty := common.HexToAddress("0x3333333333333333333333333333333333333333")

	logs := []*types.Log{
		transferLog(otherToken, testFrom, testTo, big.NewInt(1)),
		transferLog(testToken, testFrom, thirdParty, big.NewInt(20000000)),
		transferLog(testToken, testFrom, testTo, big.NewInt(50000000)),
		nil,
	}

	events := ParseTransferLogs(logs, testToken)
	require.Len(t, events, 2)

	// Order of the receipt's logs is preserved.
	assert.Equal(t, "20000000", events[0].Value.String())
	assert.Equal(t, "50000000", events[1].Value.String())
}

func TestParseTransferLogs_CaseInsensitiveContractMatch(t *testing.T) {
	// Same contract bytes, different checksum casing on the filter address.
	lowered := common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	logs := []*types.Log{
		transferLog(testToken, testFrom, testTo, big.NewInt(7)),
	}

	events := ParseTransferLogs(logs, lowered)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].Value.String())
}

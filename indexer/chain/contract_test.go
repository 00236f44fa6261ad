package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundscan/roundscan/indexer/types"
)

func dataWord(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func TestCodecDecodeStake(t *testing.T) {
	codec, err := newContractCodec()
	require.NoError(t, err)

	sender := common.HexToAddress("0xAbCd000000000000000000000000000000001234")
	raw, ok := new(big.Int).SetString("3000000000000000000", 10) // 3.0 at 18 digits
	require.True(t, ok)

	l := gethtypes.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("BetBull(address,uint256,uint256)")),
			common.BytesToHash(sender.Bytes()),
			common.BigToHash(big.NewInt(426236)),
		},
		Data:        dataWord(raw),
		TxHash:      common.HexToHash("0xAA"),
		Index:       3,
		BlockNumber: 1000,
	}
	ev, ok2, err := codec.decode(l)
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, types.StakeUp, ev.Kind)
	assert.Equal(t, uint64(426236), ev.Epoch)
	assert.Equal(t, "0xabcd000000000000000000000000000000001234", ev.Sender)
	assert.Equal(t, "3.00000000", ev.Amount.String())
	assert.Equal(t, uint(3), ev.LogIndex)
	assert.Equal(t, uint64(1000), ev.BlockNumber)
}

func TestCodecDecodeRoundBoundary(t *testing.T) {
	codec, err := newContractCodec()
	require.NoError(t, err)

	price, _ := new(big.Int).SetString("510000000000000000000", 10) // 510 at 18 digits
	l := gethtypes.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("EndRound(uint256,uint256,int256)")),
			common.BigToHash(big.NewInt(426236)),
			common.BigToHash(big.NewInt(77)),
		},
		Data: dataWord(price),
	}
	ev, ok, err := codec.decode(l)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RoundEnd, ev.Kind)
	assert.Equal(t, uint64(426236), ev.Epoch)
	assert.Equal(t, "510.00000000", ev.Price.String())
	assert.Empty(t, ev.Sender)
}

func TestCodecIgnoresForeignSignature(t *testing.T) {
	codec, err := newContractCodec()
	require.NoError(t, err)

	l := gethtypes.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
	}
	_, ok, err := codec.decode(l)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodecTopicsCoverAllStreams(t *testing.T) {
	codec, err := newContractCodec()
	require.NoError(t, err)
	topics := codec.topics(types.EventKinds)
	require.Len(t, topics, 6)
	seen := make(map[common.Hash]bool, 6)
	for _, topic := range topics {
		assert.False(t, seen[topic])
		seen[topic] = true
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, IsTransient(classify(errTimeout{})))
	assert.False(t, IsTransient(classify(assert.AnError)))
	assert.NoError(t, classify(nil))
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "request timed out" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

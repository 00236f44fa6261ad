package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/roundscan/roundscan/encoding/fixedpoint"
	"github.com/roundscan/roundscan/indexer/types"
)

// predictionABI covers the two read entry points and six events the indexer
// consumes. Everything else on the contract is irrelevant here.
const predictionABI = `[
	{"inputs":[],"name":"currentEpoch","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"epoch","type":"uint256"}],"name":"rounds","outputs":[
		{"name":"epoch","type":"uint256"},
		{"name":"startTimestamp","type":"uint256"},
		{"name":"lockTimestamp","type":"uint256"},
		{"name":"closeTimestamp","type":"uint256"},
		{"name":"lockPrice","type":"int256"},
		{"name":"closePrice","type":"int256"},
		{"name":"lockOracleId","type":"uint256"},
		{"name":"closeOracleId","type":"uint256"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"bullAmount","type":"uint256"},
		{"name":"bearAmount","type":"uint256"},
		{"name":"rewardBaseCalAmount","type":"uint256"},
		{"name":"rewardAmount","type":"uint256"},
		{"name":"oracleCalled","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"epoch","type":"uint256"}],"name":"StartRound","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":true,"name":"roundId","type":"uint256"},{"indexed":false,"name":"price","type":"int256"}],"name":"LockRound","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":true,"name":"roundId","type":"uint256"},{"indexed":false,"name":"price","type":"int256"}],"name":"EndRound","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"BetBull","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"BetBear","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"epoch","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Claim","type":"event"}
]`

// eventShape describes how a stream's log is laid out so decoding stays
// uniform across all six signatures.
type eventShape struct {
	kind        types.EventKind
	signature   string
	epochTopic  int  // topic index carrying the epoch
	senderTopic int  // topic index carrying the wallet, -1 if absent
	hasAmount   bool // first data word is an 18-digit amount
	hasPrice    bool // first data word is an 18-digit price
}

var eventShapes = []eventShape{
	{types.RoundStart, "StartRound(uint256)", 1, -1, false, false},
	{types.RoundLock, "LockRound(uint256,uint256,int256)", 1, -1, false, true},
	{types.RoundEnd, "EndRound(uint256,uint256,int256)", 1, -1, false, true},
	{types.StakeUp, "BetBull(address,uint256,uint256)", 2, 1, true, false},
	{types.StakeDown, "BetBear(address,uint256,uint256)", 2, 1, true, false},
	{types.ClaimEvent, "Claim(address,uint256,uint256)", 2, 1, true, false},
}

type contractCodec struct {
	abi      abi.ABI
	byTopic  map[common.Hash]eventShape
	topicFor map[types.EventKind]common.Hash
}

func newContractCodec() (*contractCodec, error) {
	parsed, err := abi.JSON(strings.NewReader(predictionABI))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse prediction contract abi")
	}
	c := &contractCodec{
		abi:      parsed,
		byTopic:  make(map[common.Hash]eventShape, len(eventShapes)),
		topicFor: make(map[types.EventKind]common.Hash, len(eventShapes)),
	}
	for _, shape := range eventShapes {
		topic := crypto.Keccak256Hash([]byte(shape.signature))
		c.byTopic[topic] = shape
		c.topicFor[shape.kind] = topic
	}
	return c, nil
}

// topics returns the first-position topic filter covering the requested
// streams.
func (c *contractCodec) topics(kinds []types.EventKind) []common.Hash {
	out := make([]common.Hash, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, c.topicFor[k])
	}
	return out
}

// decode turns a raw log into a normalized event. Logs whose signature is
// not one of the six streams are reported with ok=false.
func (c *contractCodec) decode(l gethtypes.Log) (types.Event, bool, error) {
	if len(l.Topics) == 0 {
		return types.Event{}, false, nil
	}
	shape, ok := c.byTopic[l.Topics[0]]
	if !ok {
		return types.Event{}, false, nil
	}
	if shape.epochTopic >= len(l.Topics) {
		return types.Event{}, false, errors.Errorf("%s log %s/%d is missing its epoch topic", shape.kind, l.TxHash.Hex(), l.Index)
	}
	ev := types.Event{
		Kind:        shape.kind,
		Epoch:       new(big.Int).SetBytes(l.Topics[shape.epochTopic].Bytes()).Uint64(),
		TxHash:      strings.ToLower(l.TxHash.Hex()),
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
	}
	if shape.senderTopic >= 0 {
		if shape.senderTopic >= len(l.Topics) {
			return types.Event{}, false, errors.Errorf("%s log %s/%d is missing its sender topic", shape.kind, l.TxHash.Hex(), l.Index)
		}
		ev.Sender = strings.ToLower(common.BytesToAddress(l.Topics[shape.senderTopic].Bytes()).Hex())
	}
	if shape.hasAmount || shape.hasPrice {
		if len(l.Data) < 32 {
			return types.Event{}, false, errors.Errorf("%s log %s/%d carries no data word", shape.kind, l.TxHash.Hex(), l.Index)
		}
		word := new(big.Int).SetBytes(l.Data[:32])
		v, err := fixedpoint.FromRaw18Big(word)
		if err != nil {
			return types.Event{}, false, errors.Wrapf(err, "%s log %s/%d amount", shape.kind, l.TxHash.Hex(), l.Index)
		}
		if shape.hasAmount {
			ev.Amount = v
		} else {
			ev.Price = v
		}
	}
	return ev, true, nil
}

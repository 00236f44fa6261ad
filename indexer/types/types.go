// Package types holds the canonical record types produced by the indexer:
// chain events, per-round aggregates, per-bettor records and claim
// derivations. All monetary values are 8-digit fixed-point amounts.
package types

import (
	"time"

	"github.com/roundscan/roundscan/encoding/fixedpoint"
)

// EventKind enumerates the six contract event streams the indexer consumes.
type EventKind int

const (
	RoundStart EventKind = iota
	RoundLock
	RoundEnd
	StakeUp
	StakeDown
	ClaimEvent
)

// String returns the contract-facing name of the event kind.
func (k EventKind) String() string {
	switch k {
	case RoundStart:
		return "StartRound"
	case RoundLock:
		return "LockRound"
	case RoundEnd:
		return "EndRound"
	case StakeUp:
		return "BetBull"
	case StakeDown:
		return "BetBear"
	case ClaimEvent:
		return "Claim"
	default:
		return "unknown"
	}
}

// EventKinds lists every stream in a stable order.
var EventKinds = []EventKind{RoundStart, RoundLock, RoundEnd, StakeUp, StakeDown, ClaimEvent}

// Direction is the side of a stake, and doubles as the round outcome.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "UP"
	}
	return "DOWN"
}

// BetOutcome marks whether a bet ended on the winning side of its round.
type BetOutcome int

const (
	Loss BetOutcome = iota
	Win
)

func (o BetOutcome) String() string {
	if o == Win {
		return "WIN"
	}
	return "LOSS"
}

// Event is one decoded contract log, normalized: wallet lowercased, amount
// reduced to 8 digits, block timestamp attached.
type Event struct {
	Kind        EventKind
	Epoch       uint64
	Sender      string
	Amount      fixedpoint.Amount
	Price       fixedpoint.Amount
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Timestamp   time.Time
}

// EpochEvents groups the six streams harvested for one epoch's block range.
type EpochEvents struct {
	Starts     []Event
	Locks      []Event
	Ends       []Event
	StakeUps   []Event
	StakeDowns []Event
	Claims     []Event
}

// Total returns the number of events across all streams.
func (e *EpochEvents) Total() int {
	return len(e.Starts) + len(e.Locks) + len(e.Ends) +
		len(e.StakeUps) + len(e.StakeDowns) + len(e.Claims)
}

// RoundMeta is the contract's own view of a round, read via rounds(epoch).
type RoundMeta struct {
	Epoch        uint64
	StartTs      uint64
	LockTs       uint64
	CloseTs      uint64
	LockPrice    fixedpoint.Amount
	ClosePrice   fixedpoint.Amount
	OracleCalled bool
}

// Round is the canonical per-epoch aggregate row.
type Round struct {
	Epoch      uint64
	StartTime  time.Time
	LockTime   time.Time
	CloseTime  time.Time
	LockPrice  fixedpoint.Amount
	ClosePrice fixedpoint.Amount
	Outcome    Direction
	Total      fixedpoint.Amount
	Up         fixedpoint.Amount
	Down       fixedpoint.Amount
	UpOdds     fixedpoint.Amount
	DownOdds   fixedpoint.Amount
}

// Bet is a single directional stake within an epoch. (epoch, tx, logIndex)
// identifies it uniquely.
type Bet struct {
	Epoch       uint64
	Time        time.Time
	Wallet      string
	Direction   Direction
	Amount      fixedpoint.Amount
	Outcome     BetOutcome
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
}

// Claim is a payout withdrawal observed in Epoch that settles winnings from
// BetEpoch. One transaction may settle several bet epochs for one wallet, so
// uniqueness requires (tx, logIndex, betEpoch).
type Claim struct {
	Epoch       uint64
	BetEpoch    uint64
	Wallet      string
	Amount      fixedpoint.Amount
	Time        time.Time
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
}

// MultiClaim flags a wallet whose aggregate claim activity within one
// observation epoch crossed the reporting threshold.
type MultiClaim struct {
	Epoch  uint64
	Wallet string
	Count  int
	Total  fixedpoint.Amount
}

// BlockRange is an inclusive block interval spanning one epoch.
type BlockRange struct {
	From uint64
	To   uint64
}

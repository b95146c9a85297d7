package raffle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State governs whether new entries are accepted.
type State uint8

const (
	// StateOpen accepts entries and has no pending randomness request.
	StateOpen State = iota
	// StateCalculating rejects entries while exactly one request is outstanding.
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCalculating:
		return "CALCULATING"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	switch v {
	case "OPEN":
		return StateOpen, nil
	case "CALCULATING":
		return StateCalculating, nil
	default:
		return 0, fmt.Errorf("unknown raffle state %q", v)
	}
}

// Config is fixed at construction.
type Config struct {
	// Address identifies the engine as oracle consumer.
	Address common.Address
	// EntranceFee in wei.
	EntranceFee *big.Int
	Interval    time.Duration
	// Coordinator is the only caller allowed to deliver randomness.
	Coordinator          common.Address
	GasLane              common.Hash
	SubscriptionID       uint64
	RequestConfirmations uint16
	CallbackGasLimit     uint32
}

// NumWords is the number of random values requested per round.
const NumWords uint32 = 1

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.EntranceFee == nil || c.EntranceFee.Sign() <= 0 {
		return errors.New("entrance fee must be greater than zero")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be greater than zero")
	}
	if c.Coordinator == (common.Address{}) {
		return errors.New("coordinator address is required")
	}
	return nil
}

// Snapshot is a value copy of the durable engine state.
type Snapshot struct {
	Round          uint64
	State          State
	Players        []common.Address
	Balance        *big.Int
	PendingRequest *uint256.Int
	LastTimestamp  time.Time
	RecentWinner   common.Address
	HasWinner      bool
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Players = append([]common.Address(nil), s.Players...)
	if s.Balance != nil {
		out.Balance = new(big.Int).Set(s.Balance)
	}
	if s.PendingRequest != nil {
		id := *s.PendingRequest
		out.PendingRequest = &id
	}
	return out
}

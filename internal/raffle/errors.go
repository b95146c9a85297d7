package raffle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientPayment = errors.New("raffle: send more to enter")
	ErrRaffleNotOpen       = errors.New("raffle: not open")
	ErrUpkeepNotNeeded     = errors.New("raffle: upkeep not needed")
	ErrUnauthorized        = errors.New("raffle: only coordinator can fulfill")
	ErrUnknownRequest      = errors.New("raffle: unknown request")
	ErrNoRandomWords       = errors.New("raffle: no random words delivered")
	ErrPayoutFailed        = errors.New("raffle: transfer failed")
	ErrPlayerIndex         = errors.New("raffle: player index out of range")
)

// UpkeepNotNeededError carries the state observed when PerformUpkeep was refused.
type UpkeepNotNeededError struct {
	Balance *big.Int
	Players int
	State   State
	Elapsed time.Duration
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("%s (balance=%s players=%d state=%s elapsed=%s)",
		ErrUpkeepNotNeeded, e.Balance, e.Players, e.State, e.Elapsed)
}

func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}

// PayoutError reports a failed transfer of the pool to the selected winner.
type PayoutError struct {
	Winner common.Address
	Amount *big.Int
	Err    error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("%s: %s to %s: %v", ErrPayoutFailed, e.Amount, e.Winner.Hex(), e.Err)
}

func (e *PayoutError) Is(target error) bool {
	return target == ErrPayoutFailed
}

func (e *PayoutError) Unwrap() error {
	return e.Err
}

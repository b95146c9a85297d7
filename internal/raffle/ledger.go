package raffle

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferRejected is returned by Ledger for addresses that cannot receive funds.
var ErrTransferRejected = errors.New("ledger: recipient rejected transfer")

// Ledger is an in-memory account book used as the payout target.
type Ledger struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	rejecting map[common.Address]struct{}
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:  map[common.Address]*big.Int{},
		rejecting: map[common.Address]struct{}{},
	}
}

// Pay credits amount to the recipient.
func (l *Ledger) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errors.New("ledger: invalid amount")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.rejecting[to]; ok {
		return ErrTransferRejected
	}
	current, ok := l.balances[to]
	if !ok {
		current = new(big.Int)
	}
	l.balances[to] = new(big.Int).Add(current, amount)
	return nil
}

// Credit adds amount to addr without a transfer, for rebuilding balances
// from payout history.
func (l *Ledger) Credit(addr common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.balances[addr]
	if !ok {
		current = new(big.Int)
	}
	l.balances[addr] = new(big.Int).Add(current, amount)
}

// BalanceOf returns the credited total for addr.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Reject makes future transfers to addr fail.
func (l *Ledger) Reject(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejecting[addr] = struct{}{}
}

// Accept undoes Reject.
func (l *Ledger) Accept(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rejecting, addr)
}

var _ Payer = (*Ledger)(nil)

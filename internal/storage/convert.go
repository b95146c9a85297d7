package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"vrf-raffle/internal/raffle"
)

// SnapshotFromEngine maps engine state to its persisted form.
func SnapshotFromEngine(s raffle.Snapshot) SnapshotRecord {
	rec := SnapshotRecord{
		Round:         int64(s.Round),
		State:         s.State.String(),
		Players:       make([]string, 0, len(s.Players)),
		BalanceWei:    weiDecimal(s.Balance),
		LastTimestamp: s.LastTimestamp.UTC(),
	}
	for _, p := range s.Players {
		rec.Players = append(rec.Players, p.Hex())
	}
	if s.PendingRequest != nil {
		d := uintDecimal(s.PendingRequest)
		rec.PendingRequest = &d
	}
	if s.HasWinner {
		w := s.RecentWinner.Hex()
		rec.RecentWinner = &w
	}
	return rec
}

// ToEngine restores engine state from its persisted form.
func (r SnapshotRecord) ToEngine() (raffle.Snapshot, error) {
	state, err := raffle.ParseState(r.State)
	if err != nil {
		return raffle.Snapshot{}, err
	}
	if r.Round < 0 {
		return raffle.Snapshot{}, fmt.Errorf("negative round %d", r.Round)
	}
	if r.BalanceWei.IsNegative() {
		return raffle.Snapshot{}, fmt.Errorf("negative balance %s", r.BalanceWei)
	}

	snap := raffle.Snapshot{
		Round:         uint64(r.Round),
		State:         state,
		Players:       make([]common.Address, 0, len(r.Players)),
		Balance:       r.BalanceWei.BigInt(),
		LastTimestamp: r.LastTimestamp,
	}
	for _, p := range r.Players {
		if !common.IsHexAddress(p) {
			return raffle.Snapshot{}, fmt.Errorf("player %q is not a hex address", p)
		}
		snap.Players = append(snap.Players, common.HexToAddress(p))
	}
	if r.PendingRequest != nil {
		id, err := decimalUint(*r.PendingRequest)
		if err != nil {
			return raffle.Snapshot{}, fmt.Errorf("pending request: %w", err)
		}
		snap.PendingRequest = id
	}
	if r.RecentWinner != nil {
		if !common.IsHexAddress(*r.RecentWinner) {
			return raffle.Snapshot{}, fmt.Errorf("recent winner %q is not a hex address", *r.RecentWinner)
		}
		snap.RecentWinner = common.HexToAddress(*r.RecentWinner)
		snap.HasWinner = true
	}
	return snap, nil
}

// EventFromEngine maps an engine event to a journal row.
func EventFromEngine(evt raffle.Event) EventRecord {
	rec := EventRecord{
		ID:         evt.ID.String(),
		Kind:       string(evt.Kind),
		Round:      int64(evt.Round),
		Players:    evt.Players,
		OccurredAt: evt.At.UTC(),
	}
	if evt.Player != (common.Address{}) {
		p := evt.Player.Hex()
		rec.Player = &p
	}
	if evt.RequestID != nil {
		d := uintDecimal(evt.RequestID)
		rec.RequestID = &d
	}
	if evt.Amount != nil {
		d := weiDecimal(evt.Amount)
		rec.AmountWei = &d
	}
	return rec
}

// RoundFromEngine builds a round row from a winner_picked event.
func RoundFromEngine(evt raffle.Event) (RoundRecord, error) {
	if evt.Kind != raffle.EventWinnerPicked {
		return RoundRecord{}, fmt.Errorf("event %s does not complete a round", evt.Kind)
	}
	if evt.RequestID == nil || evt.Word == nil {
		return RoundRecord{}, fmt.Errorf("winner event for round %d lacks request data", evt.Round)
	}
	return RoundRecord{
		Round:       int64(evt.Round),
		Winner:      evt.Player.Hex(),
		PrizeWei:    weiDecimal(evt.Amount),
		Players:     evt.Players,
		RequestID:   uintDecimal(evt.RequestID),
		RandomWord:  uintDecimal(evt.Word),
		CompletedAt: evt.At.UTC(),
	}, nil
}

func weiDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func uintDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

func decimalUint(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%s is not an unsigned integer", d)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("%s overflows 256 bits", d)
	}
	return v, nil
}

package api

import (
	"math/big"
	"time"

	"vrf-raffle/internal/config"
	"vrf-raffle/internal/raffle"
)

type statusView struct {
	Network         string    `json:"network,omitempty"`
	Address         string    `json:"address"`
	Coordinator     string    `json:"coordinator"`
	Round           uint64    `json:"round"`
	State           string    `json:"state"`
	EntranceFeeWei  string    `json:"entrance_fee_wei"`
	EntranceFeeETH  string    `json:"entrance_fee_eth"`
	IntervalSeconds int64     `json:"interval_seconds"`
	Players         int       `json:"players"`
	BalanceWei      string    `json:"balance_wei"`
	BalanceETH      string    `json:"balance_eth"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	RecentWinner    *string   `json:"recent_winner"`
	PendingRequest  *string   `json:"pending_request"`
	UpkeepNeeded    bool      `json:"upkeep_needed"`
}

func newStatusView(cfg raffle.Config, snap raffle.Snapshot, upkeepNeeded bool, network string) statusView {
	view := statusView{
		Network:         network,
		Address:         cfg.Address.Hex(),
		Coordinator:     cfg.Coordinator.Hex(),
		Round:           snap.Round,
		State:           snap.State.String(),
		EntranceFeeWei:  weiString(cfg.EntranceFee),
		EntranceFeeETH:  config.WeiToEther(cfg.EntranceFee).String(),
		IntervalSeconds: int64(cfg.Interval / time.Second),
		Players:         len(snap.Players),
		BalanceWei:      weiString(snap.Balance),
		BalanceETH:      config.WeiToEther(snap.Balance).String(),
		LastTimestamp:   snap.LastTimestamp.UTC(),
		UpkeepNeeded:    upkeepNeeded,
	}
	if snap.HasWinner {
		w := snap.RecentWinner.Hex()
		view.RecentWinner = &w
	}
	if snap.PendingRequest != nil {
		id := snap.PendingRequest.Dec()
		view.PendingRequest = &id
	}
	return view
}

type eventView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Round     uint64    `json:"round"`
	Player    string    `json:"player,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	AmountWei string    `json:"amount_wei,omitempty"`
	AmountETH string    `json:"amount_eth,omitempty"`
	Players   int       `json:"players"`
	At        time.Time `json:"at"`
}

func newEventView(evt raffle.Event) eventView {
	view := eventView{
		ID:      evt.ID.String(),
		Kind:    string(evt.Kind),
		Round:   evt.Round,
		Players: evt.Players,
		At:      evt.At.UTC(),
	}
	if evt.Kind != raffle.EventRequested {
		view.Player = evt.Player.Hex()
	}
	if evt.RequestID != nil {
		view.RequestID = evt.RequestID.Dec()
	}
	if evt.Amount != nil {
		view.AmountWei = evt.Amount.String()
		view.AmountETH = config.WeiToEther(evt.Amount).String()
	}
	return view
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

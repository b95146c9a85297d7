package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRecord is the persisted form of the engine state.
type SnapshotRecord struct {
	Round          int64
	State          string
	Players        []string
	BalanceWei     decimal.Decimal
	PendingRequest *decimal.Decimal
	LastTimestamp  time.Time
	RecentWinner   *string
	UpdatedAt      time.Time
}

// EventRecord journals one engine notification.
type EventRecord struct {
	ID         string
	Kind       string
	Round      int64
	Player     *string
	RequestID  *decimal.Decimal
	AmountWei  *decimal.Decimal
	Players    int
	OccurredAt time.Time
	CreatedAt  time.Time
}

// RoundRecord captures a completed round.
type RoundRecord struct {
	Round       int64
	Winner      string
	PrizeWei    decimal.Decimal
	Players     int
	RequestID   decimal.Decimal
	RandomWord  decimal.Decimal
	CompletedAt time.Time
	CreatedAt   time.Time
}

package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"vrf-raffle/internal/raffle"
	"vrf-raffle/internal/storage"
)

// Upkeeper is the automation-compatible surface of the raffle engine.
type Upkeeper interface {
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (uint256.Int, error)
}

// Outcome reports what a single tick did.
type Outcome int

const (
	// OutcomeIdle means upkeep was not needed.
	OutcomeIdle Outcome = iota
	// OutcomePerformed means a randomness request was issued.
	OutcomePerformed
	// OutcomeRaced means the check passed but another caller performed first.
	OutcomeRaced
	// OutcomeLocked means another keeper holds the advisory lock.
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomePerformed:
		return "performed"
	case OutcomeRaced:
		return "raced"
	case OutcomeLocked:
		return "locked"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Options tune keeper behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	CheckData    []byte
	// LockKey is used with Locker; ignored when Locker is nil.
	LockKey int64
	Locker  storage.AdvisoryLocker
}

// Keeper polls the engine and performs upkeep when it is due.
type Keeper struct {
	opts     Options
	upkeeper Upkeeper
	logger   zerolog.Logger
}

// New constructs a Keeper instance.
func New(opts Options, upkeeper Upkeeper, logger zerolog.Logger) *Keeper {
	if opts.Interval <= 0 {
		panic("keeper interval must be positive")
	}
	return &Keeper{opts: opts, upkeeper: upkeeper, logger: logger.With().Str("component", "keeper").Logger()}
}

// Run blocks, ticking at each interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	if k.opts.StartupDelay > 0 {
		timer := time.NewTimer(k.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(k.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := k.Tick(ctx); err != nil {
			k.logger.Error().Err(err).Msg("upkeep tick failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick checks upkeep once and performs it when needed.
func (k *Keeper) Tick(ctx context.Context) (Outcome, error) {
	if k.opts.Locker != nil {
		unlock, acquired, err := k.opts.Locker.TryAdvisoryLock(ctx, k.opts.LockKey)
		if err != nil {
			return OutcomeIdle, fmt.Errorf("acquire keeper lock: %w", err)
		}
		if !acquired {
			k.logger.Debug().Int64("lock_key", k.opts.LockKey).Msg("keeper lock held elsewhere, skipping tick")
			return OutcomeLocked, nil
		}
		defer unlock()
	}

	needed, performData := k.upkeeper.CheckUpkeep(ctx, k.opts.CheckData)
	if !needed {
		k.logger.Debug().Msg("upkeep not needed")
		return OutcomeIdle, nil
	}

	requestID, err := k.upkeeper.PerformUpkeep(ctx, performData)
	if err != nil {
		var notNeeded *raffle.UpkeepNotNeededError
		if errors.As(err, &notNeeded) {
			k.logger.Info().
				Str("state", notNeeded.State.String()).
				Int("players", notNeeded.Players).
				Msg("upkeep lost race after positive check")
			return OutcomeRaced, nil
		}
		return OutcomeIdle, fmt.Errorf("perform upkeep: %w", err)
	}

	k.logger.Info().Str("request_id", requestID.Dec()).Msg("upkeep performed")
	return OutcomePerformed, nil
}

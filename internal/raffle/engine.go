package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"vrf-raffle/internal/vrf"
)

// Coordinator issues randomness requests. Implementations must not call back
// into the engine from RequestRandomWords; fulfillment is a separate call.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req vrf.Request) (uint256.Int, error)
}

// Payer moves the pool to the winner.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "raffle").Logger()
	}
}

// WithBus shares an existing event bus.
func WithBus(bus *Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithSnapshot restores previously persisted state.
func WithSnapshot(s Snapshot) Option {
	return func(e *Engine) {
		restored := s.clone()
		e.restore = &restored
	}
}

// Engine is the raffle state machine. All calls are serialised.
type Engine struct {
	cfg         Config
	coordinator Coordinator
	payer       Payer
	now         func() time.Time
	logger      zerolog.Logger
	bus         *Bus
	restore     *Snapshot

	mu sync.Mutex
	st Snapshot
}

// NewEngine constructs an engine in the OPEN state, or in the restored state when WithSnapshot is given.
func NewEngine(cfg Config, coordinator Coordinator, payer Payer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raffle config: %w", err)
	}
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if payer == nil {
		return nil, errors.New("payer is required")
	}

	cfg.EntranceFee = new(big.Int).Set(cfg.EntranceFee)
	e := &Engine{
		cfg:         cfg,
		coordinator: coordinator,
		payer:       payer,
		now:         time.Now,
		logger:      zerolog.Nop(),
		bus:         NewBus(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.restore != nil {
		if err := checkSnapshot(*e.restore); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		e.st = *e.restore
		e.restore = nil
		if e.st.Balance == nil {
			e.st.Balance = new(big.Int)
		}
		if e.st.Round == 0 {
			e.st.Round = 1
		}
	} else {
		e.st = Snapshot{
			Round:         1,
			State:         StateOpen,
			Balance:       new(big.Int),
			LastTimestamp: e.now(),
		}
	}

	return e, nil
}

func checkSnapshot(s Snapshot) error {
	switch s.State {
	case StateOpen:
		if s.PendingRequest != nil {
			return errors.New("open round cannot have a pending request")
		}
	case StateCalculating:
		if s.PendingRequest == nil {
			return errors.New("calculating round requires a pending request")
		}
		if len(s.Players) == 0 {
			return errors.New("calculating round requires players")
		}
	default:
		return fmt.Errorf("unknown state %s", s.State)
	}
	if s.Balance != nil && s.Balance.Sign() < 0 {
		return errors.New("negative balance")
	}
	return nil
}

// upkeepNeeded is the single eligibility predicate. It never mutates st.
func upkeepNeeded(st *Snapshot, interval time.Duration, now time.Time) (bool, *UpkeepNotNeededError) {
	elapsed := now.Sub(st.LastTimestamp)
	isOpen := st.State == StateOpen
	timePassed := elapsed >= interval
	hasPlayers := len(st.Players) > 0
	hasBalance := st.Balance != nil && st.Balance.Sign() > 0

	if isOpen && timePassed && hasPlayers && hasBalance {
		return true, nil
	}

	balance := new(big.Int)
	if st.Balance != nil {
		balance.Set(st.Balance)
	}
	return false, &UpkeepNotNeededError{
		Balance: balance,
		Players: len(st.Players),
		State:   st.State,
		Elapsed: elapsed,
	}
}

// Enter adds player to the current pool. payment beyond the fee stays in the pool.
func (e *Engine) Enter(ctx context.Context, player common.Address, payment *big.Int) error {
	if payment == nil || payment.Cmp(e.cfg.EntranceFee) < 0 {
		return fmt.Errorf("%w: paid %s, entrance fee %s", ErrInsufficientPayment, amountString(payment), e.cfg.EntranceFee)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.State != StateOpen {
		return ErrRaffleNotOpen
	}

	e.st.Players = append(e.st.Players, player)
	e.st.Balance = new(big.Int).Add(e.st.Balance, payment)

	e.logger.Debug().
		Uint64("round", e.st.Round).
		Str("player", player.Hex()).
		Int("players", len(e.st.Players)).
		Msg("player entered")

	e.bus.publish(Event{
		ID:      uuid.New(),
		Kind:    EventEntered,
		Round:   e.st.Round,
		Player:  player,
		Amount:  new(big.Int).Set(payment),
		Players: len(e.st.Players),
		At:      e.now(),
	})
	return nil
}

// CheckUpkeep reports whether PerformUpkeep would currently succeed. checkData is echoed back.
func (e *Engine) CheckUpkeep(_ context.Context, checkData []byte) (bool, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	needed, _ := upkeepNeeded(&e.st, e.cfg.Interval, e.now())
	return needed, checkData
}

// PerformUpkeep closes the round and requests randomness. The eligibility
// predicate is evaluated again here; performData is ignored.
func (e *Engine) PerformUpkeep(ctx context.Context, _ []byte) (uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if needed, reason := upkeepNeeded(&e.st, e.cfg.Interval, e.now()); !needed {
		return uint256.Int{}, reason
	}

	requestID, err := e.coordinator.RequestRandomWords(ctx, vrf.Request{
		Consumer:         e.cfg.Address,
		KeyHash:          e.cfg.GasLane,
		SubscriptionID:   e.cfg.SubscriptionID,
		MinConfirmations: e.cfg.RequestConfirmations,
		CallbackGasLimit: e.cfg.CallbackGasLimit,
		NumWords:         NumWords,
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("request random words: %w", err)
	}

	pending := requestID
	e.st.State = StateCalculating
	e.st.PendingRequest = &pending

	e.logger.Info().
		Uint64("round", e.st.Round).
		Str("request_id", requestID.Dec()).
		Int("players", len(e.st.Players)).
		Msg("randomness requested")

	id := requestID
	e.bus.publish(Event{
		ID:        uuid.New(),
		Kind:      EventRequested,
		Round:     e.st.Round,
		RequestID: &id,
		Players:   len(e.st.Players),
		At:        e.now(),
	})
	return requestID, nil
}

// RawFulfillRandomWords is the oracle callback. Only the configured coordinator
// may call it, and only for the pending request.
func (e *Engine) RawFulfillRandomWords(ctx context.Context, caller common.Address, requestID uint256.Int, randomWords []uint256.Int) error {
	if caller != e.cfg.Coordinator {
		return fmt.Errorf("%w: caller %s", ErrUnauthorized, caller.Hex())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.PendingRequest == nil || *e.st.PendingRequest != requestID {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Dec())
	}
	if len(randomWords) == 0 {
		return ErrNoRandomWords
	}
	if len(e.st.Players) == 0 {
		return errors.New("raffle: calculating round has no players")
	}

	word := randomWords[0]
	index := new(uint256.Int).Mod(&word, uint256.NewInt(uint64(len(e.st.Players)))).Uint64()
	winner := e.st.Players[index]
	prize := new(big.Int).Set(e.st.Balance)

	if err := e.payer.Pay(ctx, winner, prize); err != nil {
		e.logger.Error().Err(err).
			Uint64("round", e.st.Round).
			Str("winner", winner.Hex()).
			Str("prize_wei", prize.String()).
			Msg("payout failed; round remains calculating")
		return &PayoutError{Winner: winner, Amount: prize, Err: err}
	}

	round := e.st.Round
	players := len(e.st.Players)
	now := e.now()
	e.st = Snapshot{
		Round:         round + 1,
		State:         StateOpen,
		Players:       nil,
		Balance:       new(big.Int),
		LastTimestamp: now,
		RecentWinner:  winner,
		HasWinner:     true,
	}

	e.logger.Info().
		Uint64("round", round).
		Str("winner", winner.Hex()).
		Uint64("index", index).
		Str("prize_wei", prize.String()).
		Msg("winner picked")

	id := requestID
	e.bus.publish(Event{
		ID:        uuid.New(),
		Kind:      EventWinnerPicked,
		Round:     round,
		Player:    winner,
		RequestID: &id,
		Word:      &word,
		Amount:    prize,
		Players:   players,
		At:        now,
	})
	return nil
}

// Subscribe registers for notifications.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.bus.Subscribe(buffer)
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.EntranceFee = new(big.Int).Set(e.cfg.EntranceFee)
	return cfg
}

// EntranceFee in wei.
func (e *Engine) EntranceFee() *big.Int {
	return new(big.Int).Set(e.cfg.EntranceFee)
}

func (e *Engine) Interval() time.Duration {
	return e.cfg.Interval
}

func (e *Engine) NumberOfPlayers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.st.Players)
}

// Player returns the entrant at index in entry order.
func (e *Engine) Player(index int) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.st.Players) {
		return common.Address{}, fmt.Errorf("%w: %d of %d", ErrPlayerIndex, index, len(e.st.Players))
	}
	return e.st.Players[index], nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.State
}

func (e *Engine) LastTimestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.LastTimestamp
}

// RecentWinner returns the last winner; ok is false before the first completed round.
func (e *Engine) RecentWinner() (winner common.Address, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.RecentWinner, e.st.HasWinner
}

// Balance is the pool value in wei.
func (e *Engine) Balance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.st.Balance)
}

// PendingRequest returns the outstanding request id, if any.
func (e *Engine) PendingRequest() (uint256.Int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.PendingRequest == nil {
		return uint256.Int{}, false
	}
	return *e.st.PendingRequest, true
}

// Round is the 1-based number of the round currently being played.
func (e *Engine) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Round
}

// Snapshot copies the durable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ vrf.Consumer = (*Engine)(nil)

var (
	_ Coordinator = (*vrf.Mock)(nil)
	_ Coordinator = (*vrf.Beacon)(nil)
)

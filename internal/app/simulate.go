package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"vrf-raffle/internal/config"
	"vrf-raffle/internal/keeper"
	"vrf-raffle/internal/raffle"
	"vrf-raffle/internal/service"
)

// SimulatedRound summarises one locally played round.
type SimulatedRound struct {
	Round     uint64
	RequestID string
	Winner    common.Address
	PrizeETH  decimal.Decimal
	Players   int
}

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Simulate plays rounds against the local mock coordinator with a simulated
// clock: players enter, the interval elapses, the keeper performs upkeep and
// the mock fulfills the request. Nothing is persisted; winner notifications
// are sent when alerting is enabled.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) ([]SimulatedRound, error) {
	if opts.Rounds <= 0 {
		return nil, errors.New("rounds must be greater than zero")
	}
	if opts.Players <= 0 {
		return nil, errors.New("players must be greater than zero")
	}

	cfg := *a.Config
	cfg.VRF.Mode = "mock"
	cfg.VRF.CoordinatorAddress = ""
	cfg.Keeper.Enabled = false
	cfg.API.Enabled = false

	clock := &simClock{now: time.Now().UTC()}
	svc, err := service.New(ctx, &cfg, service.Persistence{}, a.newNotifier(), a.Logger, raffle.WithClock(clock.Now))
	if err != nil {
		return nil, err
	}
	engine := svc.Engine()
	mock := svc.Mock()

	k := keeper.New(keeper.Options{Interval: cfg.Raffle.Interval}, engine, a.Logger)
	fee := engine.EntranceFee()
	players := simulatedPlayers(opts.Players)

	results := make([]SimulatedRound, 0, opts.Rounds)
	for i := 0; i < opts.Rounds; i++ {
		for _, player := range players {
			if err := engine.Enter(ctx, player, fee); err != nil {
				return results, fmt.Errorf("enter %s: %w", player.Hex(), err)
			}
		}

		clock.Advance(engine.Interval() + time.Second)
		outcome, err := k.Tick(ctx)
		if err != nil {
			return results, err
		}
		if outcome != keeper.OutcomePerformed {
			return results, fmt.Errorf("upkeep was not performed (%s)", outcome)
		}

		requestID, ok := engine.PendingRequest()
		if !ok {
			return results, errors.New("no pending request after upkeep")
		}
		round := engine.Round()
		prize := engine.Balance()
		if err := mock.FulfillRandomWords(ctx, requestID); err != nil {
			return results, fmt.Errorf("fulfill request %s: %w", requestID.Dec(), err)
		}
		svc.Flush(ctx)

		winner, _ := engine.RecentWinner()
		results = append(results, SimulatedRound{
			Round:     round,
			RequestID: requestID.Dec(),
			Winner:    winner,
			PrizeETH:  config.WeiToEther(prize),
			Players:   len(players),
		})
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Round\tRequest\tPlayers\tWinner\tPrize (ETH)\tWinner balance (ETH)")
	for _, r := range results {
		fmt.Fprintf(writer, "%d\t%s\t%d\t%s\t%s\t%s\n",
			r.Round,
			r.RequestID,
			r.Players,
			r.Winner.Hex(),
			r.PrizeETH.String(),
			config.WeiToEther(svc.Ledger().BalanceOf(r.Winner)).String(),
		)
	}
	writer.Flush()
	return results, nil
}

// simulatedPlayers derives stable addresses so repeated runs are comparable.
func simulatedPlayers(n int) []common.Address {
	players := make([]common.Address, n)
	for i := range players {
		players[i] = common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("raffle-player-%d", i))))
	}
	return players
}

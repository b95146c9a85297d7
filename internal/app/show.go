package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"vrf-raffle/internal/storage"
)

// Show prints the persisted raffle state and recent rounds.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show rounds")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snap, err := store.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		fmt.Fprintln(os.Stdout, "no raffle state persisted yet")
	case err != nil:
		return err
	default:
		writeSnapshot(os.Stdout, snap)
	}

	rounds, err := store.ListRecentRounds(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		fmt.Fprintln(os.Stdout, "no completed rounds found")
		return nil
	}
	writeRounds(os.Stdout, rounds)
	return nil
}

func writeSnapshot(w io.Writer, snap storage.SnapshotRecord) {
	winner := "-"
	if snap.RecentWinner != nil {
		winner = *snap.RecentWinner
	}
	pending := "-"
	if snap.PendingRequest != nil {
		pending = snap.PendingRequest.String()
	}
	fmt.Fprintf(w, "Round %d  state=%s  players=%d  pool=%s ETH  pending=%s  recent_winner=%s  last=%s\n\n",
		snap.Round,
		snap.State,
		len(snap.Players),
		formatWei(snap.BalanceWei),
		pending,
		winner,
		snap.LastTimestamp.UTC().Format(time.RFC3339),
	)
}

func writeRounds(w io.Writer, rounds []storage.RoundRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Round\tCompleted (UTC)\tWinner\tPrize (ETH)\tPlayers\tRequest")
	for _, round := range rounds {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%d\t%s\n",
			round.Round,
			round.CompletedAt.UTC().Format(time.RFC3339),
			round.Winner,
			formatWei(round.PrizeWei),
			round.Players,
			round.RequestID.String(),
		)
	}
	writer.Flush()
}

func formatWei(wei decimal.Decimal) string {
	return wei.Shift(-18).String()
}

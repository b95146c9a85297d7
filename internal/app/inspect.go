package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"vrf-raffle/internal/chain"
	"vrf-raffle/internal/config"
)

// Inspect prints the state of a deployed raffle contract.
func (a *App) Inspect(ctx context.Context, opts InspectOptions) error {
	reader := chain.NewReader(chain.Options{
		RPCURL:        a.Config.Ethereum.RPCURL,
		RaffleAddress: a.Config.Ethereum.RaffleAddress,
		Timeout:       a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	if opts.PlayerIndex != nil {
		player, err := reader.Player(ctx, *opts.PlayerIndex)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "player[%d] = %s\n", *opts.PlayerIndex, player.Hex())
		return nil
	}

	st, err := reader.Status(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Contract\t%s\n", st.Address.Hex())
	fmt.Fprintf(writer, "Block\t%d\n", st.BlockNumber)
	fmt.Fprintf(writer, "State\t%s\n", st.State)
	fmt.Fprintf(writer, "Entrance fee\t%s ETH\n", config.WeiToEther(st.EntranceFee).String())
	fmt.Fprintf(writer, "Players\t%d\n", st.Players)
	fmt.Fprintf(writer, "Balance\t%s ETH\n", config.WeiToEther(st.Balance).String())
	fmt.Fprintf(writer, "Interval\t%s\n", st.Interval)
	fmt.Fprintf(writer, "Last timestamp\t%s\n", st.LastTimestamp.Format(time.RFC3339))
	fmt.Fprintf(writer, "Recent winner\t%s\n", st.RecentWinner.Hex())
	return writer.Flush()
}

// Migrate applies pending SQL migrations.
func (a *App) Migrate(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Database.MigrationsPath
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database.dsn is required to migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Str("dir", dir).Msg("schema up to date")
		return nil
	}
	for _, name := range applied {
		a.Logger.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

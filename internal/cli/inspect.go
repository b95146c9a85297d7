package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"vrf-raffle/internal/app"
)

var (
	inspectPlayer int64
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read the state of a deployed raffle contract over JSON-RPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.InspectOptions{}
		if cmd.Flags().Changed("player") {
			if inspectPlayer < 0 {
				return errors.New("--player must not be negative")
			}
			index := uint64(inspectPlayer)
			opts.PlayerIndex = &index
		}
		return getApp().Inspect(cmd.Context(), opts)
	},
}

func init() {
	inspectCmd.Flags().Int64Var(&inspectPlayer, "player", 0, "Print only the player at this index")
}

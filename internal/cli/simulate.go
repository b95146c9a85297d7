package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"vrf-raffle/internal/app"
)

var (
	simulateRounds  int
	simulatePlayers int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Play raffle rounds locally against the mock coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRounds <= 0 || simulatePlayers <= 0 {
			return errors.New("--rounds and --players must be greater than zero")
		}

		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Rounds:  simulateRounds,
			Players: simulatePlayers,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateRounds, "rounds", 1, "Number of rounds to play")
	simulateCmd.Flags().IntVar(&simulatePlayers, "players", 3, "Players entering each round")
}

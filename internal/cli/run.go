package cli

import (
	"github.com/spf13/cobra"
)

var (
	runNoKeeper bool
	runNoAPI    bool
	runVRFMode  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the raffle engine, keeper and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runNoKeeper {
			a.Config.Keeper.Enabled = false
		}
		if runNoAPI {
			a.Config.API.Enabled = false
		}
		if runVRFMode != "" {
			a.Config.VRF.Mode = runVRFMode
		}
		if err := a.Config.Validate(); err != nil {
			return err
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoKeeper, "no-keeper", false, "Do not perform upkeep from this process")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not serve the HTTP API")
	runCmd.Flags().StringVar(&runVRFMode, "vrf-mode", "", "Override vrf.mode (mock or beacon)")
}

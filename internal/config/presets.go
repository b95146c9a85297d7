package config

import "time"

// Preset carries per-network raffle defaults.
type Preset struct {
	EntranceFeeETH   string
	Interval         time.Duration
	GasLane          string
	CallbackGasLimit uint32
	SubscriptionID   uint64
	// Coordinator is empty where a local mock is deployed.
	Coordinator string
}

// Presets is keyed by network name.
var Presets = map[string]Preset{
	"hardhat": {
		EntranceFeeETH:   "0.01",
		Interval:         30 * time.Second,
		GasLane:          "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
		CallbackGasLimit: 500_000,
	},
	"localhost": {
		EntranceFeeETH:   "0.01",
		Interval:         30 * time.Second,
		GasLane:          "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
		CallbackGasLimit: 500_000,
	},
	"sepolia": {
		EntranceFeeETH:   "0.01",
		Interval:         30 * time.Second,
		GasLane:          "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
		CallbackGasLimit: 500_000,
		Coordinator:      "0x8103B0A8A00be2DDC778e6e7eaa21791Cd364625",
	},
}

package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"vrf-raffle/internal/logging"
	"vrf-raffle/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Raffle   RaffleConfig   `mapstructure:"raffle"`
	VRF      VRFConfig      `mapstructure:"vrf"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	API      APIConfig      `mapstructure:"api"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// KeeperConfig governs the automation loop.
type KeeperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	CheckData       string        `mapstructure:"check_data"`
}

// RaffleConfig holds the engine parameters. Empty fields fall back to the network preset.
type RaffleConfig struct {
	Network              string        `mapstructure:"network"`
	Address              string        `mapstructure:"address"`
	EntranceFeeETH       string        `mapstructure:"entrance_fee_eth"`
	Interval             time.Duration `mapstructure:"interval"`
	GasLane              string        `mapstructure:"gas_lane"`
	SubscriptionID       uint64        `mapstructure:"subscription_id"`
	RequestConfirmations uint16        `mapstructure:"request_confirmations"`
	CallbackGasLimit     uint32        `mapstructure:"callback_gas_limit"`
}

// VRFConfig selects and tunes the randomness oracle.
type VRFConfig struct {
	Mode               string        `mapstructure:"mode"`
	CoordinatorAddress string        `mapstructure:"coordinator_address"`
	BaseFeeLink        string        `mapstructure:"base_fee_link"`
	GasPriceLink       int64         `mapstructure:"gas_price_link"`
	FundAmountLink     string        `mapstructure:"fund_amount_link"`
	FulfillDelay       time.Duration `mapstructure:"fulfill_delay"`
	Beacon             BeaconConfig  `mapstructure:"beacon"`
}

// BeaconConfig covers the HTTP randomness beacon.
type BeaconConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EthereumConfig covers on-chain inspection of a deployed raffle.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RaffleAddress  string        `mapstructure:"raffle_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRounds int `mapstructure:"max_rounds"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ApplyPreset(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "raffled")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.poll_interval", "5s")
	v.SetDefault("keeper.startup_delay", "0s")
	v.SetDefault("keeper.advisory_lock_key", int64(0x52414646))

	v.SetDefault("raffle.network", "hardhat")
	v.SetDefault("raffle.address", "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	v.SetDefault("raffle.subscription_id", 1)
	v.SetDefault("raffle.request_confirmations", 3)

	v.SetDefault("vrf.mode", "mock")
	v.SetDefault("vrf.base_fee_link", "0.25")
	v.SetDefault("vrf.gas_price_link", int64(1_000_000_000))
	v.SetDefault("vrf.fund_amount_link", "30")
	v.SetDefault("vrf.fulfill_delay", "2s")
	v.SetDefault("vrf.beacon.base_url", "https://api.drand.sh")
	v.SetDefault("vrf.beacon.poll_interval", "3s")
	v.SetDefault("vrf.beacon.request_timeout", "10s")
	v.SetDefault("vrf.beacon.user_agent", version.UserAgent())

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.event_buffer", 64)
	v.SetDefault("api.shutdown_grace", "5s")

	v.SetDefault("export.max_rounds", 10000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// ApplyPreset fills unset raffle and coordinator fields from the selected network.
func (c *Config) ApplyPreset() error {
	preset, ok := Presets[strings.ToLower(c.Raffle.Network)]
	if !ok {
		return fmt.Errorf("raffle.network %q has no preset", c.Raffle.Network)
	}
	if c.Raffle.EntranceFeeETH == "" {
		c.Raffle.EntranceFeeETH = preset.EntranceFeeETH
	}
	if c.Raffle.Interval == 0 {
		c.Raffle.Interval = preset.Interval
	}
	if c.Raffle.GasLane == "" {
		c.Raffle.GasLane = preset.GasLane
	}
	if c.Raffle.CallbackGasLimit == 0 {
		c.Raffle.CallbackGasLimit = preset.CallbackGasLimit
	}
	if c.Raffle.SubscriptionID == 0 {
		c.Raffle.SubscriptionID = preset.SubscriptionID
	}
	if c.VRF.CoordinatorAddress == "" {
		c.VRF.CoordinatorAddress = preset.Coordinator
	}
	return nil
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.EntranceFeeWei(); err != nil {
		return err
	}
	if c.Raffle.Interval <= 0 {
		return fmt.Errorf("raffle.interval must be greater than zero")
	}
	if !common.IsHexAddress(c.Raffle.Address) {
		return fmt.Errorf("raffle.address %q is not a hex address", c.Raffle.Address)
	}
	if c.Raffle.CallbackGasLimit == 0 {
		return fmt.Errorf("raffle.callback_gas_limit must be greater than zero")
	}
	switch c.VRF.Mode {
	case "mock", "beacon":
	default:
		return fmt.Errorf("vrf.mode must be mock or beacon, got %q", c.VRF.Mode)
	}
	if c.VRF.CoordinatorAddress != "" && !common.IsHexAddress(c.VRF.CoordinatorAddress) {
		return fmt.Errorf("vrf.coordinator_address %q is not a hex address", c.VRF.CoordinatorAddress)
	}
	if c.VRF.Mode == "beacon" && c.VRF.CoordinatorAddress == "" {
		return fmt.Errorf("vrf.coordinator_address is required in beacon mode")
	}
	if c.Keeper.Enabled && c.Keeper.PollInterval <= 0 {
		return fmt.Errorf("keeper.poll_interval must be greater than zero")
	}
	if c.Export.MaxRounds <= 0 {
		return fmt.Errorf("export.max_rounds must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// EntranceFeeWei converts the configured ETH fee to wei.
func (c *Config) EntranceFeeWei() (*big.Int, error) {
	wei, err := EtherToWei(c.Raffle.EntranceFeeETH)
	if err != nil {
		return nil, fmt.Errorf("raffle.entrance_fee_eth: %w", err)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("raffle.entrance_fee_eth must be greater than zero")
	}
	return wei, nil
}

// ResolveMaxRounds returns either the CLI override or config default.
func (c *Config) ResolveMaxRounds(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRounds
}

var weiPerEther = decimal.New(1, 18)

// EtherToWei parses a decimal ETH (or LINK) amount into its 18-decimal base unit.
func EtherToWei(v string) (*big.Int, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", v, err)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", v)
	}
	wei := amount.Mul(weiPerEther)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than 18 decimals", v)
	}
	return wei.BigInt(), nil
}

// WeiToEther formats a wei amount as ETH.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

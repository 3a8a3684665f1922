package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/native/twamm"
)

const minOwnerSecretBytes = 32

// Duration wraps time.Duration so it can be written as "15s" in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for twammd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	SnapshotPath  string          `yaml:"snapshot_path" toml:"snapshot_path"`
	Tick          Duration        `yaml:"tick" toml:"tick"`
	Keeper        KeeperConfig    `yaml:"keeper" toml:"keeper"`
	Pools         []PoolConfig    `yaml:"pools" toml:"pools"`
	Balances      []BalanceConfig `yaml:"balances" toml:"balances"`
	Params        ParamsConfig    `yaml:"params" toml:"params"`
	Quota         QuotaConfig     `yaml:"quota" toml:"quota"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	OwnerAuth     OwnerAuthConfig `yaml:"owner_auth" toml:"owner_auth"`
	Events        EventsConfig    `yaml:"events" toml:"events"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the ledger database. The sqlite driver takes a file
// path; postgres takes a DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// KeeperConfig tunes the background settlement loop.
type KeeperConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
	// Address receives trigger incentives earned by the keeper.
	Address string `yaml:"address" toml:"address"`
}

// PoolConfig registers a venue pair and seeds its reserves on first start.
type PoolConfig struct {
	ID       string `yaml:"id" toml:"id"`
	AssetA   string `yaml:"asset_a" toml:"asset_a"`
	AssetB   string `yaml:"asset_b" toml:"asset_b"`
	ReserveA string `yaml:"reserve_a" toml:"reserve_a"`
	ReserveB string `yaml:"reserve_b" toml:"reserve_b"`
}

// BalanceConfig credits an account on first start, for test networks.
type BalanceConfig struct {
	Address string `yaml:"address" toml:"address"`
	Asset   string `yaml:"asset" toml:"asset"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// ParamsConfig overrides twamm.DefaultParams. Zero values keep the default.
type ParamsConfig struct {
	MinOrderAmount      string `yaml:"min_order_amount" toml:"min_order_amount"`
	MinDurationTicks    uint64 `yaml:"min_duration_ticks" toml:"min_duration_ticks"`
	MaxDurationTicks    uint64 `yaml:"max_duration_ticks" toml:"max_duration_ticks"`
	TriggerIncentive    string `yaml:"trigger_incentive" toml:"trigger_incentive"`
	IncentiveAsset      string `yaml:"incentive_asset" toml:"incentive_asset"`
	MaxSettlementCost   uint64 `yaml:"max_settlement_cost" toml:"max_settlement_cost"`
	MinIntervalTicks    uint64 `yaml:"min_interval_ticks" toml:"min_interval_ticks"`
	MaxPriceImpactBps   uint64 `yaml:"max_price_impact_bps" toml:"max_price_impact_bps"`
	SlippageBps         uint64 `yaml:"slippage_bps" toml:"slippage_bps"`
	HardCapBps          uint64 `yaml:"hard_cap_bps" toml:"hard_cap_bps"`
	SoftCapBps          uint64 `yaml:"soft_cap_bps" toml:"soft_cap_bps"`
	EmergencyPenaltyBps uint64 `yaml:"emergency_penalty_bps" toml:"emergency_penalty_bps"`
	MaxRateBps          uint64 `yaml:"max_rate_bps" toml:"max_rate_bps"`
}

// QuotaConfig limits submissions per owner and epoch.
type QuotaConfig struct {
	MaxOrdersPerEpoch uint32 `yaml:"max_orders_per_epoch" toml:"max_orders_per_epoch"`
	MaxVolumePerEpoch uint64 `yaml:"max_volume_per_epoch" toml:"max_volume_per_epoch"`
	EpochTicks        uint64 `yaml:"epoch_ticks" toml:"epoch_ticks"`
}

// RateLimitConfig throttles API clients by remote address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// AdminConfig protects the operator endpoints.
type AdminConfig struct {
	BearerToken string         `yaml:"bearer_token" toml:"bearer_token"`
	TLS         AdminTLSConfig `yaml:"tls" toml:"tls"`
}

// OwnerAuthConfig enables HMAC-signed owner tokens on mutating routes. An
// empty secret leaves the owner header unauthenticated.
type OwnerAuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// AdminTLSConfig configures the listener certificate.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// EventsConfig sizes the in-memory event feed.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type loadOptions struct {
	allowInsecureBearer bool
}

// Option customises Load.
type Option func(*loadOptions)

// WithAllowInsecureBearerWithoutTLS permits a bearer token on a plaintext
// listener. Development only.
func WithAllowInsecureBearerWithoutTLS() Option {
	return func(o *loadOptions) { o.allowInsecureBearer = true }
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, anything else as YAML.
func Load(path string, opts ...Option) (Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(options.allowInsecureBearer); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "/var/data/twammd.sqlite"
	}
	if cfg.Tick.Duration == 0 {
		cfg.Tick.Duration = time.Second
	}
	if cfg.Keeper.Interval.Duration == 0 {
		cfg.Keeper.Interval.Duration = 5 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = 1024
	}
	for i := range cfg.Pools {
		cfg.Pools[i].AssetA = strings.ToUpper(strings.TrimSpace(cfg.Pools[i].AssetA))
		cfg.Pools[i].AssetB = strings.ToUpper(strings.TrimSpace(cfg.Pools[i].AssetB))
	}
	for i := range cfg.Balances {
		cfg.Balances[i].Asset = strings.ToUpper(strings.TrimSpace(cfg.Balances[i].Asset))
	}
	cfg.Params.IncentiveAsset = strings.ToUpper(strings.TrimSpace(cfg.Params.IncentiveAsset))
	cfg.OwnerAuth.HMACSecret = strings.TrimSpace(cfg.OwnerAuth.HMACSecret)
	cfg.OwnerAuth.Issuer = strings.TrimSpace(cfg.OwnerAuth.Issuer)
	cfg.OwnerAuth.Audience = strings.TrimSpace(cfg.OwnerAuth.Audience)
	if cfg.OwnerAuth.ClockSkew.Duration == 0 {
		cfg.OwnerAuth.ClockSkew.Duration = 2 * time.Minute
	}
}

func (a *AdminConfig) normalise(allowInsecureBearer bool) error {
	a.BearerToken = strings.TrimSpace(a.BearerToken)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.Disable {
		if a.BearerToken != "" && !allowInsecureBearer {
			return errors.New("admin bearer token requires TLS to be enabled")
		}
		return nil
	}
	if a.TLS.CertPath == "" || a.TLS.KeyPath == "" {
		return errors.New("admin tls.cert and tls.key must be configured unless tls.disable is set")
	}
	return nil
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Tick.Duration < time.Millisecond {
		return errors.New("tick must be at least 1ms")
	}
	if secret := cfg.OwnerAuth.HMACSecret; secret != "" && len(secret) < minOwnerSecretBytes {
		return fmt.Errorf("owner_auth.hmac_secret must be at least %d bytes", minOwnerSecretBytes)
	}
	if len(cfg.Pools) == 0 {
		return errors.New("at least one pool must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		id := strings.ToLower(strings.TrimSpace(pool.ID))
		if id == "" {
			return errors.New("pool id is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("pool %s configured twice", id)
		}
		seen[id] = struct{}{}
		if pool.AssetA == "" || pool.AssetB == "" || pool.AssetA == pool.AssetB {
			return fmt.Errorf("pool %s requires two distinct assets", id)
		}
		if _, err := parsePositive(pool.ReserveA); err != nil {
			return fmt.Errorf("pool %s reserve_a: %w", id, err)
		}
		if _, err := parsePositive(pool.ReserveB); err != nil {
			return fmt.Errorf("pool %s reserve_b: %w", id, err)
		}
	}
	for _, balance := range cfg.Balances {
		if _, err := crypto.ParseTrader(balance.Address); err != nil {
			return fmt.Errorf("balance address %q: %w", balance.Address, err)
		}
		if balance.Asset == "" {
			return fmt.Errorf("balance for %s requires an asset", balance.Address)
		}
		if _, err := parsePositive(balance.Amount); err != nil {
			return fmt.Errorf("balance for %s: %w", balance.Address, err)
		}
	}
	if cfg.Params.IncentiveAsset == "" {
		return errors.New("params.incentive_asset is required")
	}
	if cfg.Keeper.Enabled {
		if _, err := crypto.ParseTrader(cfg.Keeper.Address); err != nil {
			return fmt.Errorf("keeper address: %w", err)
		}
	}
	if _, err := cfg.Params.Build(); err != nil {
		return err
	}
	return nil
}

// Build merges the overrides into twamm.DefaultParams and validates the result.
func (p ParamsConfig) Build() (twamm.Params, error) {
	params := twamm.DefaultParams()
	if p.MinOrderAmount != "" {
		amount, err := parsePositive(p.MinOrderAmount)
		if err != nil {
			return params, fmt.Errorf("params.min_order_amount: %w", err)
		}
		params.MinOrderAmount = amount
	}
	if p.TriggerIncentive != "" {
		amount, err := uint256.FromDecimal(strings.TrimSpace(p.TriggerIncentive))
		if err != nil {
			return params, fmt.Errorf("params.trigger_incentive: %w", err)
		}
		params.TriggerIncentive = amount
	}
	params.IncentiveAsset = p.IncentiveAsset
	override := func(dst *uint64, v uint64) {
		if v != 0 {
			*dst = v
		}
	}
	override(&params.MinDurationTicks, p.MinDurationTicks)
	override(&params.MaxDurationTicks, p.MaxDurationTicks)
	override(&params.MaxSettlementCost, p.MaxSettlementCost)
	override(&params.MinIntervalTicks, p.MinIntervalTicks)
	override(&params.MaxPriceImpactBps, p.MaxPriceImpactBps)
	override(&params.SlippageBps, p.SlippageBps)
	override(&params.HardCapBps, p.HardCapBps)
	override(&params.SoftCapBps, p.SoftCapBps)
	override(&params.EmergencyPenaltyBps, p.EmergencyPenaltyBps)
	override(&params.MaxRateBps, p.MaxRateBps)
	if err := params.Validate(); err != nil {
		return params, fmt.Errorf("params: %w", err)
	}
	return params, nil
}

// Quota converts the section into the submission limit enforced by the
// coordinator.
func (q QuotaConfig) Quota() nativecommon.Quota {
	return nativecommon.Quota{
		MaxOrdersPerEpoch: q.MaxOrdersPerEpoch,
		MaxVolumePerEpoch: q.MaxVolumePerEpoch,
		EpochTicks:        q.EpochTicks,
	}
}

// Reserves parses the configured seed reserves.
func (p PoolConfig) Reserves() (*uint256.Int, *uint256.Int, error) {
	a, err := parsePositive(p.ReserveA)
	if err != nil {
		return nil, nil, err
	}
	b, err := parsePositive(p.ReserveB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// ParseAmount parses a positive decimal amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	return parsePositive(raw)
}

func parsePositive(raw string) (*uint256.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

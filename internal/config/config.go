package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Detector DetectorConfig `yaml:"detector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	WSURL   string `yaml:"ws_url"`
	ChainID int64  `yaml:"chain_id"`
}

// DetectorConfig holds cycle detection settings. Wei amounts are decimal
// strings since they routinely exceed 64 bits.
type DetectorConfig struct {
	BaseToken          string `yaml:"base_token"`
	MaxHops            int    `yaml:"max_hops"`
	TopK               int    `yaml:"top_k"`
	MinProfitWei       string `yaml:"min_profit_wei"`
	SearchMinWei       string `yaml:"search_min_wei"`
	SearchMaxWei       string `yaml:"search_max_wei"`
	SearchToleranceWei string `yaml:"search_tolerance_wei"`
}

// PipelineConfig holds mempool and block sync settings.
type PipelineConfig struct {
	CandidateBuffer int    `yaml:"candidate_buffer"`
	StartBlock      uint64 `yaml:"start_block"` // 0 replays from the snapshot block
	SeenTxCache     int    `yaml:"seen_tx_cache"`
}

// SnapshotConfig holds pool checkpoint settings.
type SnapshotConfig struct {
	SQLitePath     string   `yaml:"sqlite_path"`
	PoolAddresses  []string `yaml:"pool_addresses"`
	RouterFeeBps   uint64   `yaml:"router_fee_bps"`
	RefreshOnStart bool     `yaml:"refresh_on_start"`
	MulticallBatch int      `yaml:"multicall_batch"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID: 1, // Ethereum mainnet
	}
	c.Detector = DetectorConfig{
		BaseToken:          "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
		MaxHops:            3,
		TopK:               5,
		MinProfitWei:       "1",
		SearchMinWei:       "1",
		SearchMaxWei:       "10000000000000000000000", // 1e22
		SearchToleranceWei: "10",
	}
	c.Pipeline = PipelineConfig{
		CandidateBuffer: 1024,
		SeenTxCache:     65536,
	}
	c.Snapshot = SnapshotConfig{
		SQLitePath:     "./data/cyclewatch.db",
		RouterFeeBps:   9970,
		MulticallBatch: 100,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("ETH_WS_URL"); v != "" {
		c.Chain.WSURL = v
	}

	// Detector config
	if v := os.Getenv("DETECTOR_BASE_TOKEN"); v != "" {
		c.Detector.BaseToken = v
	}
	if v := os.Getenv("DETECTOR_MAX_HOPS"); v != "" {
		var hops int
		if _, err := fmt.Sscanf(v, "%d", &hops); err == nil && hops >= 2 {
			c.Detector.MaxHops = hops
		}
	}
	if v := os.Getenv("DETECTOR_MIN_PROFIT_WEI"); v != "" {
		c.Detector.MinProfitWei = v
	}

	// Pipeline config
	if v := os.Getenv("PIPELINE_START_BLOCK"); v != "" {
		var block uint64
		if _, err := fmt.Sscanf(v, "%d", &block); err == nil {
			c.Pipeline.StartBlock = block
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Snapshot config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Snapshot.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set ETH_RPC_URL env var)")
	}
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required (set ETH_WS_URL env var)")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if !common.IsHexAddress(c.Detector.BaseToken) {
		return fmt.Errorf("detector.base_token %q is not an address", c.Detector.BaseToken)
	}
	if c.Detector.MaxHops < 2 {
		return fmt.Errorf("detector.max_hops must be at least 2")
	}
	if c.Detector.TopK <= 0 {
		return fmt.Errorf("detector.top_k must be positive")
	}

	wei := map[string]string{
		"detector.min_profit_wei":       c.Detector.MinProfitWei,
		"detector.search_min_wei":       c.Detector.SearchMinWei,
		"detector.search_max_wei":       c.Detector.SearchMaxWei,
		"detector.search_tolerance_wei": c.Detector.SearchToleranceWei,
	}
	for name, v := range wei {
		if _, err := ParseWei(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	lo, _ := ParseWei(c.Detector.SearchMinWei)
	hi, _ := ParseWei(c.Detector.SearchMaxWei)
	if lo.Gt(hi) {
		return fmt.Errorf("detector.search_min_wei must not exceed detector.search_max_wei")
	}

	if c.Pipeline.CandidateBuffer <= 0 {
		return fmt.Errorf("pipeline.candidate_buffer must be positive")
	}
	if c.Snapshot.SQLitePath == "" {
		return fmt.Errorf("snapshot.sqlite_path is required")
	}
	for _, addr := range c.Snapshot.PoolAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("snapshot.pool_addresses: %q is not an address", addr)
		}
	}
	if c.Snapshot.RouterFeeBps == 0 || c.Snapshot.RouterFeeBps > 10000 {
		return fmt.Errorf("snapshot.router_fee_bps must be in (0, 10000]")
	}
	if c.Snapshot.MulticallBatch <= 0 {
		return fmt.Errorf("snapshot.multicall_batch must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

// BaseTokenAddress returns the configured base token.
func (d DetectorConfig) BaseTokenAddress() common.Address {
	return common.HexToAddress(d.BaseToken)
}

// Addresses returns the configured pool addresses.
func (s SnapshotConfig) Addresses() []common.Address {
	out := make([]common.Address, len(s.PoolAddresses))
	for i, a := range s.PoolAddresses {
		out[i] = common.HexToAddress(a)
	}
	return out
}

// ParseWei parses a non-negative decimal amount of wei.
func ParseWei(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid wei amount %q: %w", s, err)
	}
	return v, nil
}

// Package config holds the daemon configuration: one YAML file in the data directory,
// created with defaults on first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// NetworkType selects the Bitcoin network parameters and address formats.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// Journal drivers.
const (
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the daemon.
type Config struct {
	Network NetworkType   `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
	Journal JournalConfig `yaml:"journal"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Bitcoin BitcoinConfig `yaml:"bitcoin"`
	EVM     EVMConfig     `yaml:"evm"`
	Timing  TimingConfig  `yaml:"timing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
	DBName  string `yaml:"db_name,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins restricts WebSocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// JournalConfig selects where the coordinator journals swaps.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

// LedgerConfig configures the hosted rich-state ledger.
type LedgerConfig struct {
	// Name is the chain symbol.
	Name string `yaml:"name"`
	// Owner deploys the contracts and administers the token whitelist.
	Owner       string         `yaml:"owner"`
	StartHeight uint64         `yaml:"start_height"`
	Whitelist   []string       `yaml:"whitelist,omitempty"`
	Genesis     []GenesisEntry `yaml:"genesis,omitempty"`
}

// GenesisEntry credits an asset to a principal when the ledger is created.
type GenesisEntry struct {
	Principal string `yaml:"principal"`
	// Kind is native, fungible or non_fungible.
	Kind     string `yaml:"kind"`
	Contract string `yaml:"contract,omitempty"`
	Amount   uint64 `yaml:"amount,omitempty"`
	TokenID  uint64 `yaml:"token_id,omitempty"`
}

// Asset converts the entry into an htlc.Asset.
func (g GenesisEntry) Asset() (htlc.Asset, error) {
	kind, err := htlc.ParseAssetKind(g.Kind)
	if err != nil {
		return htlc.Asset{}, err
	}
	switch kind {
	case htlc.AssetNative:
		return htlc.Native(g.Amount), nil
	case htlc.AssetFungible:
		return htlc.Fungible(g.Contract, g.Amount), nil
	default:
		return htlc.NonFungible(g.Contract, g.TokenID), nil
	}
}

// BitcoinConfig configures the scripting ledger and its keyring.
type BitcoinConfig struct {
	// Network overrides the top-level network for address encoding.
	Network NetworkType `yaml:"network,omitempty"`
	// Fee is paid by every claim and refund, in satoshis.
	Fee uint64 `yaml:"fee"`
	// FundingFee is paid by every funding transaction, in satoshis.
	FundingFee  uint64 `yaml:"funding_fee"`
	StartHeight uint64 `yaml:"start_height"`
	// SeedFile holds the encrypted mnemonic, relative to the data directory.
	SeedFile string `yaml:"seed_file"`
	// Principals get a derived key each, in order.
	Principals []string            `yaml:"principals,omitempty"`
	Genesis    []BitcoinAllocation `yaml:"genesis,omitempty"`
}

// BitcoinAllocation mints an output to a principal at startup.
type BitcoinAllocation struct {
	Principal string `yaml:"principal"`
	Value     uint64 `yaml:"value"`
}

// EVMConfig configures the account-ledger bindings.
type EVMConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPCURL  string `yaml:"rpc_url,omitempty"`
	// ChainID is queried from the node when zero.
	ChainID uint64 `yaml:"chain_id,omitempty"`
	// PrivateKey is hex. Empty derives m/44'/60'/0'/0/0 from the wallet seed.
	PrivateKey string `yaml:"private_key,omitempty"`
	// TokenKind is fungible or non_fungible.
	TokenKind      string          `yaml:"token_kind"`
	ReceiptTimeout time.Duration   `yaml:"receipt_timeout"`
	Deployments    []EVMDeployment `yaml:"deployments,omitempty"`
}

// EVMDeployment names the HTLC contracts on one chain.
type EVMDeployment struct {
	ChainID    uint64 `yaml:"chain_id"`
	NativeHTLC string `yaml:"native_htlc"`
	TokenHTLC  string `yaml:"token_htlc,omitempty"`
}

// TimingConfig configures the expiry safety policy.
type TimingConfig struct {
	// BlockTimes are average block intervals per chain symbol.
	BlockTimes     map[string]time.Duration `yaml:"block_times"`
	MinMargin      time.Duration            `yaml:"min_margin"`
	MarginFraction float64                  `yaml:"margin_fraction"`
	// MonitorInterval is how often expired legs are refunded. Zero disables the monitor.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: Regtest,
		Storage: StorageConfig{
			DataDir: "~/.klingon-htlc",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8645",
		},
		Journal: JournalConfig{
			Driver: JournalSQLite,
		},
		Ledger: LedgerConfig{
			Name:        "STX",
			Owner:       "deployer",
			StartHeight: 1,
		},
		Bitcoin: BitcoinConfig{
			Fee:         1000,
			FundingFee:  500,
			StartHeight: 100,
			SeedFile:    "seed.json",
		},
		EVM: EVMConfig{
			TokenKind:      "fungible",
			ReceiptTimeout: 2 * time.Minute,
		},
		Timing: TimingConfig{
			BlockTimes:      DefaultBlockTimes(),
			MinMargin:       time.Hour,
			MarginFraction:  0.1,
			MonitorInterval: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// BitcoinParams returns the chain parameters for the bitcoin section.
func (c *Config) BitcoinParams() (*chaincfg.Params, error) {
	network := c.Bitcoin.Network
	if network == "" {
		network = c.Network
	}
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

// SeedPath resolves the seed file against the data directory.
func (c *Config) SeedPath() string {
	if filepath.IsAbs(c.Bitcoin.SeedFile) {
		return c.Bitcoin.SeedFile
	}
	return filepath.Join(expandPath(c.Storage.DataDir), c.Bitcoin.SeedFile)
}

// Validate checks the configuration for values the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.BitcoinParams(); err != nil {
		errs = append(errs, err)
	}
	if c.RPC.Listen == "" {
		errs = append(errs, errors.New("rpc.listen is required"))
	}
	switch c.Journal.Driver {
	case JournalSQLite:
	case JournalPostgres:
		if c.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal driver %q", c.Journal.Driver))
	}

	if c.Ledger.Name == "" || c.Ledger.Owner == "" {
		errs = append(errs, errors.New("ledger.name and ledger.owner are required"))
	}
	for i, g := range c.Ledger.Genesis {
		if _, err := g.Asset(); err != nil {
			errs = append(errs, fmt.Errorf("ledger.genesis[%d]: %w", i, err))
		}
	}

	if c.Bitcoin.Fee == 0 {
		errs = append(errs, errors.New("bitcoin.fee must be positive"))
	}

	if c.EVM.Enabled {
		if c.EVM.RPCURL == "" {
			errs = append(errs, errors.New("evm.rpc_url is required"))
		}
		if kind, err := htlc.ParseAssetKind(c.EVM.TokenKind); err != nil || kind == htlc.AssetNative {
			errs = append(errs, fmt.Errorf("evm.token_kind %q must be fungible or non_fungible", c.EVM.TokenKind))
		}
		for i, d := range c.EVM.Deployments {
			if !common.IsHexAddress(d.NativeHTLC) {
				errs = append(errs, fmt.Errorf("evm.deployments[%d].native_htlc is not an address", i))
			}
			if d.TokenHTLC != "" && !common.IsHexAddress(d.TokenHTLC) {
				errs = append(errs, fmt.Errorf("evm.deployments[%d].token_htlc is not an address", i))
			}
		}
	}

	for symbol, bt := range c.Timing.BlockTimes {
		if bt <= 0 {
			errs = append(errs, fmt.Errorf("timing.block_times.%s must be positive", symbol))
		}
	}
	if c.Timing.MarginFraction < 0 || c.Timing.MarginFraction >= 1 {
		errs = append(errs, errors.New("timing.margin_fraction must be in [0, 1)"))
	}

	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon HTLC Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

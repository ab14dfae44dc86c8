package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

type binding struct {
	name  string
	apply func(dst *Config)
}

// Flags binds every option to a flag set. Only flags set on the command
// line override file values.
type Flags struct {
	ConfigFile string

	fs       *pflag.FlagSet
	scratch  *Config
	bindings []binding
}

func bind[T any](f *Flags, define func(*T, string, T, string), name string, field func(*Config) *T, usage string) {
	p := field(f.scratch)
	define(p, name, *p, usage)
	f.bindings = append(f.bindings, binding{name: name, apply: func(dst *Config) { *field(dst) = *p }})
}

// BindFlags registers the relay options on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, scratch: Default()}

	fs.StringVarP(&f.ConfigFile, "config", "c", "", "Config file path (default: <datadir>/icprelay.conf)")
	bind(f, fs.StringVar, "datadir", func(c *Config) *string { return &c.DataDir }, "Data directory")

	// Relay
	bind(f, fs.StringVar, "icp-relay-endpoint", func(c *Config) *string { return &c.Relay.Endpoint }, "Listen endpoint for relay peers")
	bind(f, fs.StringVar, "icp-relay-address", func(c *Config) *string { return &c.Relay.Address }, "Address advertised to peers (default: the endpoint)")
	bind(f, fs.StringSliceVar, "icp-relay-connect", func(c *Config) *[]string { return &c.Relay.Connect }, "Peer relays to connect to (host:port or multiaddr, repeatable)")
	bind(f, fs.StringVar, "icp-relay-peer-chain-id", func(c *Config) *string { return &c.Relay.PeerChainID }, "Chain id of the remote chain (64 hex characters)")
	bind(f, fs.StringVar, "icp-relay-peer-contract", func(c *Config) *string { return &c.Relay.PeerContract }, "Relay contract account on the remote chain")
	bind(f, fs.StringVar, "icp-relay-local-contract", func(c *Config) *string { return &c.Relay.LocalContract }, "Relay contract account on the local chain")
	bind(f, fs.StringVar, "icp-relay-signer", func(c *Config) *string { return &c.Relay.Signer }, "Authorization for relay transactions (account@permission)")
	bind(f, fs.IntVar, "relay-max-send-blocks", func(c *Config) *int { return &c.Relay.MaxSendBlocks }, "Blocks per push round and per addblocks transaction")
	bind(f, fs.Uint64Var, "relaynodeid", func(c *Config) *uint64 { return &c.Relay.NodeID }, "Register this relay with addnode at startup when non-zero")

	// Peer connections
	bind(f, fs.StringSliceVar, "icp-allowed-connection", func(c *Config) *[]string { return &c.Net.AllowedConnection }, "Inbound peers allowed: any, producers, specified or none")
	bind(f, fs.StringSliceVar, "peer-key", func(c *Config) *[]string { return &c.Net.PeerKeys }, "Public key allowed to connect (repeatable)")
	bind(f, fs.StringVar, "peer-private-key", func(c *Config) *string { return &c.Net.PrivateKey }, "Node key in hex (default: generated in the data directory)")
	bind(f, fs.StringVar, "agent-name", func(c *Config) *string { return &c.Net.AgentName }, "Agent name sent in handshakes")
	bind(f, fs.IntVar, "max-clients", func(c *Config) *int { return &c.Net.MaxClients }, "Maximum inbound connections (0 = unlimited)")
	bind(f, fs.IntVar, "p2p-max-nodes-per-host", func(c *Config) *int { return &c.Net.MaxNodesPerHost }, "Maximum inbound connections per remote IP")
	bind(f, fs.DurationVar, "connection-cleanup-period", func(c *Config) *time.Duration { return &c.Net.CleanupPeriod }, "Interval between connection cleanup passes")
	bind(f, fs.IntVar, "max-cleanup-time-msec", func(c *Config) *int { return &c.Net.MaxCleanupTimeMs }, "Time budget of one cleanup pass in milliseconds")
	bind(f, fs.DurationVar, "connect-retry-wait", func(c *Config) *time.Duration { return &c.Net.RetryWait }, "Wait between outbound connection attempts")
	bind(f, fs.DurationVar, "handshake-timeout", func(c *Config) *time.Duration { return &c.Net.HandshakeTimeout }, "Handshake deadline")
	bind(f, fs.BoolVar, "network-version-match", func(c *Config) *bool { return &c.Net.NetworkVersionMatch }, "Reject peers with a different network version")
	bind(f, fs.IntVar, "max-implicit-request", func(c *Config) *int { return &c.Net.MaxImplicitRequest }, "Largest block pushed inline, larger ones are announced")

	// Sync
	bind(f, fs.Uint64Var, "sync-fetch-span", func(c *Config) *uint64 { return &c.Sync.FetchSpan }, "Blocks per sync request")
	bind(f, fs.DurationVar, "sync-response-timeout", func(c *Config) *time.Duration { return &c.Sync.ResponseTimeout }, "Sync request deadline")

	// Host chain and wallet
	bind(f, fs.StringVar, "chain-rpc", func(c *Config) *string { return &c.Chain.RPC }, "Host chain node RPC URL")
	bind(f, fs.DurationVar, "chain-poll-interval", func(c *Config) *time.Duration { return &c.Chain.PollInterval }, "Host chain event poll interval")
	bind(f, fs.StringVar, "wallet-url", func(c *Config) *string { return &c.Wallet.URL }, "Remote wallet RPC URL")
	bind(f, fs.StringVar, "wallet-keystore", func(c *Config) *string { return &c.Wallet.Keystore }, "Local encrypted keystore (replaces the remote wallet)")
	bind(f, fs.StringVar, "wallet-password-file", func(c *Config) *string { return &c.Wallet.PasswordFile }, "File holding the keystore password (default: prompt)")

	// Transactions
	bind(f, fs.DurationVar, "tx-expiration", func(c *Config) *time.Duration { return &c.Tx.Expiration }, "Transaction expiration past the head block time")
	bind(f, fs.BoolVar, "tx-skip-sign", func(c *Config) *bool { return &c.Tx.SkipSign }, "Submit transactions unsigned")
	bind(f, fs.StringVar, "tx-compression", func(c *Config) *string { return &c.Tx.Compression }, "Packed transaction compression: none or zlib")
	bind(f, fs.IntVar, "tx-workers", func(c *Config) *int { return &c.Tx.Workers }, "Transaction pipeline workers")
	bind(f, fs.IntVar, "abi-cache-size", func(c *Config) *int { return &c.Tx.AbiCacheSize }, "Contract interfaces kept in memory")

	// RPC
	bind(f, fs.BoolVar, "rpc.enabled", func(c *Config) *bool { return &c.RPC.Enabled }, "Enable the admin RPC server")
	bind(f, fs.StringVar, "rpc.addr", func(c *Config) *string { return &c.RPC.Addr }, "Admin RPC listen address")
	bind(f, fs.IntVar, "rpc.port", func(c *Config) *int { return &c.RPC.Port }, "Admin RPC port")
	bind(f, fs.StringSliceVar, "rpc.allowed", func(c *Config) *[]string { return &c.RPC.AllowedIPs }, "IPs or CIDRs allowed to use the admin RPC")
	bind(f, fs.StringSliceVar, "rpc.cors", func(c *Config) *[]string { return &c.RPC.CORSOrigins }, "Allowed CORS origins for the admin RPC")

	// Logging
	bind(f, fs.StringVar, "log.level", func(c *Config) *string { return &c.Log.Level }, "Log level: debug, info, warn, error")
	bind(f, fs.StringVar, "log.file", func(c *Config) *string { return &c.Log.File }, "Log file path (JSON)")
	bind(f, fs.BoolVar, "log.json", func(c *Config) *bool { return &c.Log.JSON }, "Output logs as JSON")

	return f
}

// Apply copies flags set on the command line into cfg.
func (f *Flags) Apply(cfg *Config) {
	for _, b := range f.bindings {
		if f.fs.Changed(b.name) {
			b.apply(cfg)
		}
	}
}

// Load builds the configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(f *Flags) (*Config, error) {
	cfg := Default()

	// The data directory decides where the config file lives.
	if f.fs.Changed("datadir") {
		cfg.DataDir = f.scratch.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := f.ConfigFile
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	f.Apply(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.StateDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

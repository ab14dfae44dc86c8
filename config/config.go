// Package config handles relay configuration.
//
// Settings are layered: built-in defaults, then the conf file in the data
// directory, then command-line flags. Conf file keys and flag names are
// the same strings.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds the relay daemon's runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	Relay  RelayConfig
	Net    NetConfig
	Sync   SyncConfig
	Chain  ChainConfig
	Wallet WalletConfig
	Tx     TxConfig
	RPC    RPCConfig
	Log    LogConfig
}

// RelayConfig describes the relay itself and its counterpart.
type RelayConfig struct {
	Endpoint      string   `conf:"icp-relay-endpoint"`
	Address       string   `conf:"icp-relay-address"` // advertised in handshakes, defaults to Endpoint
	Connect       []string `conf:"icp-relay-connect"`
	PeerChainID   string   `conf:"icp-relay-peer-chain-id"`
	PeerContract  string   `conf:"icp-relay-peer-contract"`
	LocalContract string   `conf:"icp-relay-local-contract"`
	Signer        string   `conf:"icp-relay-signer"`
	MaxSendBlocks int      `conf:"relay-max-send-blocks"`
	NodeID        uint64   `conf:"relaynodeid"`
}

// NetConfig holds peer connection settings.
type NetConfig struct {
	AllowedConnection   []string      `conf:"icp-allowed-connection"`
	PeerKeys            []string      `conf:"peer-key"`
	PrivateKey          string        `conf:"peer-private-key"` // empty = generated and kept in the data dir
	AgentName           string        `conf:"agent-name"`
	MaxClients          int           `conf:"max-clients"` // 0 = unlimited
	MaxNodesPerHost     int           `conf:"p2p-max-nodes-per-host"`
	CleanupPeriod       time.Duration `conf:"connection-cleanup-period"`
	MaxCleanupTimeMs    int           `conf:"max-cleanup-time-msec"`
	RetryWait           time.Duration `conf:"connect-retry-wait"`
	HandshakeTimeout    time.Duration `conf:"handshake-timeout"`
	NetworkVersionMatch bool          `conf:"network-version-match"`
	MaxImplicitRequest  int           `conf:"max-implicit-request"`
}

// SyncConfig holds sync manager settings.
type SyncConfig struct {
	FetchSpan       uint64        `conf:"sync-fetch-span"`
	ResponseTimeout time.Duration `conf:"sync-response-timeout"`
}

// ChainConfig points at the host chain node.
type ChainConfig struct {
	RPC          string        `conf:"chain-rpc"`
	PollInterval time.Duration `conf:"chain-poll-interval"`
}

// WalletConfig selects the signer. A keystore path selects the local
// encrypted keystore, otherwise the remote wallet at URL is used.
type WalletConfig struct {
	URL          string `conf:"wallet-url"`
	Keystore     string `conf:"wallet-keystore"`
	PasswordFile string `conf:"wallet-password-file"`
}

// TxConfig holds transaction pipeline settings.
type TxConfig struct {
	Expiration   time.Duration `conf:"tx-expiration"`
	SkipSign     bool          `conf:"tx-skip-sign"`
	Compression  string        `conf:"tx-compression"`
	Workers      int           `conf:"tx-workers"`
	AbiCacheSize int           `conf:"abi-cache-size"`
}

// RPCConfig holds admin RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// MaxCleanupTime returns the per-pass cleanup budget.
func (c *NetConfig) MaxCleanupTime() time.Duration {
	return time.Duration(c.MaxCleanupTimeMs) * time.Millisecond
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.icprelay
//	macOS:   ~/Library/Application Support/ICPRelay
//	Windows: %APPDATA%\ICPRelay
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".icprelay"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "ICPRelay")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "ICPRelay")
		}
		return filepath.Join(home, "AppData", "Roaming", "ICPRelay")
	default:
		return filepath.Join(home, ".icprelay")
	}
}

// StateDir returns the relay database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// NodeKeyFile returns the path of the generated node key.
func (c *Config) NodeKeyFile() string {
	return filepath.Join(c.DataDir, "node.key")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "icprelay.conf")
}

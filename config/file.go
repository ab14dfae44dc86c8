package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads relay configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		// List options may be repeated, one value per line.
		if prev, ok := values[key]; ok && isListKey(key) {
			value = prev + "," + value
		}
		values[key] = value
	}

	return values, scanner.Err()
}

func isListKey(key string) bool {
	switch key {
	case "icp-relay-connect", "peer-key", "icp-allowed-connection", "rpc.allowed", "rpc.cors":
		return true
	}
	return false
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key. Unknown keys are ignored.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "datadir":
		cfg.DataDir = value

	// Relay
	case "icp-relay-endpoint":
		cfg.Relay.Endpoint = value
	case "icp-relay-address":
		cfg.Relay.Address = value
	case "icp-relay-connect":
		cfg.Relay.Connect = parseStringList(value)
	case "icp-relay-peer-chain-id":
		cfg.Relay.PeerChainID = value
	case "icp-relay-peer-contract":
		cfg.Relay.PeerContract = value
	case "icp-relay-local-contract":
		cfg.Relay.LocalContract = value
	case "icp-relay-signer":
		cfg.Relay.Signer = value
	case "relay-max-send-blocks":
		cfg.Relay.MaxSendBlocks, err = strconv.Atoi(value)
	case "relaynodeid":
		cfg.Relay.NodeID, err = strconv.ParseUint(value, 10, 64)

	// Peer connections
	case "icp-allowed-connection":
		cfg.Net.AllowedConnection = parseStringList(value)
	case "peer-key":
		cfg.Net.PeerKeys = parseStringList(value)
	case "peer-private-key":
		cfg.Net.PrivateKey = value
	case "agent-name":
		cfg.Net.AgentName = value
	case "max-clients":
		cfg.Net.MaxClients, err = strconv.Atoi(value)
	case "p2p-max-nodes-per-host":
		cfg.Net.MaxNodesPerHost, err = strconv.Atoi(value)
	case "connection-cleanup-period":
		cfg.Net.CleanupPeriod, err = parseDuration(value)
	case "max-cleanup-time-msec":
		cfg.Net.MaxCleanupTimeMs, err = strconv.Atoi(value)
	case "connect-retry-wait":
		cfg.Net.RetryWait, err = parseDuration(value)
	case "handshake-timeout":
		cfg.Net.HandshakeTimeout, err = parseDuration(value)
	case "network-version-match":
		cfg.Net.NetworkVersionMatch = parseBool(value)
	case "max-implicit-request":
		cfg.Net.MaxImplicitRequest, err = strconv.Atoi(value)

	// Sync
	case "sync-fetch-span":
		cfg.Sync.FetchSpan, err = strconv.ParseUint(value, 10, 64)
	case "sync-response-timeout":
		cfg.Sync.ResponseTimeout, err = parseDuration(value)

	// Host chain and wallet
	case "chain-rpc":
		cfg.Chain.RPC = value
	case "chain-poll-interval":
		cfg.Chain.PollInterval, err = parseDuration(value)
	case "wallet-url":
		cfg.Wallet.URL = value
	case "wallet-keystore":
		cfg.Wallet.Keystore = value
	case "wallet-password-file":
		cfg.Wallet.PasswordFile = value

	// Transactions
	case "tx-expiration":
		cfg.Tx.Expiration, err = parseDuration(value)
	case "tx-skip-sign":
		cfg.Tx.SkipSign = parseBool(value)
	case "tx-compression":
		cfg.Tx.Compression = value
	case "tx-workers":
		cfg.Tx.Workers, err = strconv.Atoi(value)
	case "abi-cache-size":
		cfg.Tx.AbiCacheSize, err = strconv.Atoi(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseDuration accepts Go durations ("30s") or whole seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default relay configuration file.
func WriteDefaultConfig(path string) error {
	content := `# ICP Relay Configuration
#
# Keys are the same as the command-line flags. List options take
# comma-separated values or may be repeated.

# Data directory (default: ~/.icprelay)
# datadir = ~/.icprelay

# ============================================================================
# Relay
# ============================================================================

icp-relay-endpoint = 0.0.0.0:8899
# Address advertised to peers (default: the endpoint)
# icp-relay-address = relay1.example.com:8899

# Peers to connect to
# icp-relay-connect = relay2.example.com:8899

# Chain id of the remote chain (required, 64 hex characters)
# icp-relay-peer-chain-id =

icp-relay-peer-contract = cochainioicp
icp-relay-local-contract = cochainioicp
icp-relay-signer = cochainrelay@active
relay-max-send-blocks = 100
# relaynodeid = 0

# ============================================================================
# Peer Connections
# ============================================================================

# any, producers, specified or none
icp-allowed-connection = any
# peer-key = <public key hex>
# peer-private-key = <private key hex>
# agent-name = icprelay
max-clients = 25
p2p-max-nodes-per-host = 1
connection-cleanup-period = 30s
max-cleanup-time-msec = 10
connect-retry-wait = 30s
handshake-timeout = 10s
network-version-match = false
max-implicit-request = 1500

# ============================================================================
# Sync
# ============================================================================

sync-fetch-span = 100
sync-response-timeout = 5s

# ============================================================================
# Host Chain and Wallet
# ============================================================================

chain-rpc = http://127.0.0.1:8888
chain-poll-interval = 500ms
wallet-url = http://127.0.0.1:8900
# Local encrypted keystore instead of the remote wallet
# wallet-keystore = ~/.icprelay/keystore.json
# wallet-password-file =

# ============================================================================
# Transactions
# ============================================================================

tx-expiration = 30s
tx-skip-sign = false
# none or zlib
tx-compression = none
tx-workers = 2
abi-cache-size = 128

# ============================================================================
# Admin RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = 8890
rpc.allowed = 127.0.0.1

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration for operator mistakes. Peer keys are
// normalized in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("config is nil")
	}

	if cfg.Relay.PeerChainID == "" {
		return invalid("icp-relay-peer-chain-id is required")
	}
	if _, err := types.ParseChainID(cfg.Relay.PeerChainID); err != nil {
		return invalid("icp-relay-peer-chain-id: %v", err)
	}
	if _, _, err := net.SplitHostPort(cfg.Relay.Endpoint); err != nil {
		return invalid("icp-relay-endpoint: %v", err)
	}
	for i, addr := range cfg.Relay.Connect {
		if _, err := p2p.ParsePeerAddress(addr); err != nil {
			return invalid("icp-relay-connect[%d]: %v", i, err)
		}
	}
	if _, err := types.ParseName(cfg.Relay.PeerContract); err != nil {
		return invalid("icp-relay-peer-contract: %v", err)
	}
	if _, err := types.ParseName(cfg.Relay.LocalContract); err != nil {
		return invalid("icp-relay-local-contract: %v", err)
	}
	if _, err := types.ParsePermissionLevel(cfg.Relay.Signer); err != nil {
		return invalid("icp-relay-signer: %v", err)
	}
	if cfg.Relay.MaxSendBlocks <= 0 {
		return invalid("relay-max-send-blocks must be positive")
	}

	policy, err := p2p.ParsePolicy(cfg.Net.AllowedConnection)
	if err != nil {
		return invalid("icp-allowed-connection: %v", err)
	}
	for i, k := range cfg.Net.PeerKeys {
		canon, err := crypto.ParsePublicKeyHex(k)
		if err != nil {
			return invalid("peer-key[%d]: %v", i, err)
		}
		cfg.Net.PeerKeys[i] = canon
	}
	if policy.Has(p2p.PolicySpecified) && len(cfg.Net.PeerKeys) == 0 {
		return invalid("icp-allowed-connection=specified requires at least one peer-key")
	}
	if cfg.Net.PrivateKey != "" {
		key, err := crypto.PrivateKeyFromHex(cfg.Net.PrivateKey)
		if err != nil {
			return invalid("peer-private-key: %v", err)
		}
		key.Zero()
	}
	if cfg.Net.MaxClients < 0 {
		return invalid("max-clients must not be negative")
	}
	if cfg.Net.MaxNodesPerHost < 0 {
		return invalid("p2p-max-nodes-per-host must not be negative")
	}
	if cfg.Net.CleanupPeriod <= 0 {
		return invalid("connection-cleanup-period must be positive")
	}
	if cfg.Net.MaxCleanupTimeMs <= 0 {
		return invalid("max-cleanup-time-msec must be positive")
	}
	if cfg.Net.RetryWait <= 0 || cfg.Net.HandshakeTimeout <= 0 {
		return invalid("connect-retry-wait and handshake-timeout must be positive")
	}
	if cfg.Net.MaxImplicitRequest < 0 {
		return invalid("max-implicit-request must not be negative")
	}

	if cfg.Sync.FetchSpan == 0 {
		return invalid("sync-fetch-span must be positive")
	}
	if cfg.Sync.ResponseTimeout <= 0 {
		return invalid("sync-response-timeout must be positive")
	}

	if err := validateURL(cfg.Chain.RPC); err != nil {
		return invalid("chain-rpc: %v", err)
	}
	if cfg.Chain.PollInterval <= 0 {
		return invalid("chain-poll-interval must be positive")
	}
	if !cfg.Tx.SkipSign && cfg.Wallet.Keystore == "" {
		if err := validateURL(cfg.Wallet.URL); err != nil {
			return invalid("wallet-url: %v", err)
		}
	}

	if cfg.Tx.Expiration <= 0 {
		return invalid("tx-expiration must be positive")
	}
	if _, err := tx.ParseCompression(cfg.Tx.Compression); err != nil {
		return invalid("tx-compression: %v", err)
	}
	if cfg.Tx.Workers <= 0 || cfg.Tx.AbiCacheSize <= 0 {
		return invalid("tx-workers and abi-cache-size must be positive")
	}

	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return invalid("rpc.port must be in range [0, 65535]")
	}
	if !klog.ValidLevel(cfg.Log.Level) {
		return invalid("log.level %q (want debug, info, warn or error)", cfg.Log.Level)
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", s)
	}
	return nil
}

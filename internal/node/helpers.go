package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-icp/config"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/relay"
	"github.com/Klingon-tech/klingnet-icp/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-icp/internal/syncer"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/internal/wallet"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadNodeKey reads a hex-encoded 32-byte private key from a file.
func loadNodeKey(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	defer clear(keyBytes)
	return crypto.PrivateKeyFromBytes(keyBytes)
}

// loadOrCreateNodeKey loads the node key at path, generating and saving
// a new one on first start.
func loadOrCreateNodeKey(path string) (*crypto.PrivateKey, error) {
	key, err := loadNodeKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		key.Zero()
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Serialize())+"\n"), 0600); err != nil {
		key.Zero()
		return nil, fmt.Errorf("write node key: %w", err)
	}
	return key, nil
}

// openSigner selects the transaction signer: none when signing is
// skipped, the local keystore when configured, else the remote wallet.
func openSigner(cfg *config.Config, opts Options) (wallet.Signer, error) {
	switch {
	case cfg.Tx.SkipSign:
		return nil, nil
	case cfg.Wallet.Keystore != "":
		ks, err := wallet.OpenKeystore(expandHome(cfg.Wallet.Keystore))
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		if len(ks.PublicKeys()) == 0 {
			return nil, fmt.Errorf("keystore %s holds no keys", ks.Path())
		}
		s, err := ks.Unlock(opts.KeystorePassword)
		if err != nil {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		return s, nil
	default:
		return wallet.NewRemote(rpcclient.New(cfg.Wallet.URL)), nil
	}
}

// relayConfig converts the relay, network and sync options. The local
// chain id, node key and databases are filled in by New.
func relayConfig(cfg *config.Config) (relay.Config, error) {
	var rc relay.Config
	var err error

	if rc.LocalContract, err = types.ParseName(cfg.Relay.LocalContract); err != nil {
		return rc, fmt.Errorf("icp-relay-local-contract: %w", err)
	}
	if rc.PeerContract, err = types.ParseName(cfg.Relay.PeerContract); err != nil {
		return rc, fmt.Errorf("icp-relay-peer-contract: %w", err)
	}
	if rc.Signer, err = types.ParsePermissionLevel(cfg.Relay.Signer); err != nil {
		return rc, fmt.Errorf("icp-relay-signer: %w", err)
	}
	rc.MaxSendBlocks = cfg.Relay.MaxSendBlocks
	rc.RelayNodeID = cfg.Relay.NodeID

	peerChain, err := types.ParseChainID(cfg.Relay.PeerChainID)
	if err != nil {
		return rc, fmt.Errorf("icp-relay-peer-chain-id: %w", err)
	}
	policy, err := p2p.ParsePolicy(cfg.Net.AllowedConnection)
	if err != nil {
		return rc, fmt.Errorf("icp-allowed-connection: %w", err)
	}

	address := cfg.Relay.Address
	if address == "" {
		address = cfg.Relay.Endpoint
	}
	rc.Net = p2p.Config{
		ListenAddr:          cfg.Relay.Endpoint,
		Address:             address,
		Agent:               cfg.Net.AgentName,
		Peers:               cfg.Relay.Connect,
		PeerChainID:         peerChain,
		Policy:              policy,
		AllowedKeys:         cfg.Net.PeerKeys,
		MaxClients:          cfg.Net.MaxClients,
		MaxNodesPerHost:     cfg.Net.MaxNodesPerHost,
		CleanupPeriod:       cfg.Net.CleanupPeriod,
		MaxCleanupTime:      cfg.Net.MaxCleanupTime(),
		RetryWait:           cfg.Net.RetryWait,
		HandshakeTimeout:    cfg.Net.HandshakeTimeout,
		NetworkVersionMatch: cfg.Net.NetworkVersionMatch,
		MaxImplicitRequest:  cfg.Net.MaxImplicitRequest,
	}
	rc.Sync = syncer.Config{
		Span:    cfg.Sync.FetchSpan,
		Timeout: cfg.Sync.ResponseTimeout,
	}
	return rc, nil
}

// pipelineConfig converts the transaction options.
func pipelineConfig(cfg *config.Config) (txrelay.Config, error) {
	comp, err := tx.ParseCompression(cfg.Tx.Compression)
	if err != nil {
		return txrelay.Config{}, fmt.Errorf("tx-compression: %w", err)
	}
	return txrelay.Config{
		Expiration:   cfg.Tx.Expiration,
		SkipSign:     cfg.Tx.SkipSign,
		Compression:  comp,
		Workers:      cfg.Tx.Workers,
		AbiCacheSize: cfg.Tx.AbiCacheSize,
	}, nil
}

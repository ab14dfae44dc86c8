// Package node assembles a relay daemon from its configuration: storage,
// node identity, host chain client, signer, transaction pipeline, relay
// core and the admin RPC server.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/Klingon-tech/klingnet-icp/config"
	"github.com/Klingon-tech/klingnet-icp/internal/chain"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/relay"
	"github.com/Klingon-tech/klingnet-icp/internal/rpc"
	"github.com/Klingon-tech/klingnet-icp/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-icp/internal/storage"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/internal/wallet"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
)

// startupTimeout bounds the host chain calls made while assembling.
const startupTimeout = 15 * time.Second

// Storage prefixes inside the state database.
var (
	prefixRelay = []byte("relay/")
	prefixNet   = []byte("net/")
)

// Options carries inputs that do not belong in the config file.
type Options struct {
	// KeystorePassword unlocks wallet-keystore. The caller reads it from
	// wallet-password-file or a terminal prompt.
	KeystorePassword []byte
}

// Node is a fully assembled relay daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       storage.DB
	nodeKey  *crypto.PrivateKey
	client   *chain.Client
	signer   wallet.Signer
	pipeline *txrelay.Pipeline
	relay    *relay.Relay

	rpcServer *rpc.Server

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates and wires every component. Nothing is listened on or
// polled until Start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "icprelay.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent(klog.ComponentNode)

	rcfg, err := relayConfig(cfg)
	if err != nil {
		return nil, err
	}
	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("peer_chain", cfg.Relay.PeerChainID).
		Str("contract", cfg.Relay.LocalContract).
		Str("signer", cfg.Relay.Signer).
		Msg("Starting ICP relay")

	n := &Node{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			n.release()
		}
	}()

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
	}
	n.db = db
	logger.Info().Str("path", cfg.StateDir()).Msg("Database opened")

	// ── 3. Node key ─────────────────────────────────────────────────
	if cfg.Net.PrivateKey != "" {
		n.nodeKey, err = crypto.PrivateKeyFromHex(cfg.Net.PrivateKey)
	} else {
		n.nodeKey, err = loadOrCreateNodeKey(cfg.NodeKeyFile())
	}
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	logger.Info().Str("pubkey", n.nodeKey.PublicKeyHex()[:16]+"...").Msg("Node key loaded")

	// ── 4. Host chain ───────────────────────────────────────────────
	n.client = chain.NewClient(rpcclient.New(cfg.Chain.RPC), chain.WithPollInterval(cfg.Chain.PollInterval))

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	info, err := n.client.HeadInfo(ctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("host chain at %s: %w", cfg.Chain.RPC, err)
	}
	logger.Info().
		Str("chain_id", info.ChainID.String()).
		Uint64("head", info.HeadBlockNum).
		Uint64("lib", info.LastIrreversibleBlockNum).
		Msg("Host chain reachable")

	// ── 5. Signer ───────────────────────────────────────────────────
	if n.signer, err = openSigner(cfg, opts); err != nil {
		return nil, err
	}

	// ── 6. Pipeline and relay core ──────────────────────────────────
	n.pipeline, err = txrelay.New(pcfg, n.client, n.client, n.signer)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	rcfg.Net.ChainID = info.ChainID
	rcfg.Net.NodeKey = n.nodeKey
	rcfg.Net.DB = storage.NewPrefixDB(db, prefixNet)
	rcfg.DB = storage.NewPrefixDB(db, prefixRelay)
	n.relay, err = relay.New(rcfg, n.client, n.pipeline)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, n.relay, cfg.RPC)
	} else {
		logger.Warn().Msg("Admin RPC disabled by config")
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	ok = true
	return n, nil
}

// Start launches the pipeline, the relay core, the chain poller and the
// admin RPC server, in that order.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.mu.Unlock()

	n.pipeline.Start()

	ctx, cancel := context.WithTimeout(n.ctx, startupTimeout)
	err := n.relay.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	// The relay subscribes before the first poll so no event is missed.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.client.Run(n.ctx)
	}()

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start RPC at %s: %w", n.rpcServer.Addr(), err)
		}
	}

	n.logger.Info().
		Str("node_id", n.relay.Network().Identity().NodeID()).
		Str("listen", n.cfg.Relay.Endpoint).
		Str("rpc", n.RPCAddr()).
		Msg("Relay node started")
	return nil
}

// Stop performs graceful shutdown in reverse order. It is safe to call
// after a failed Start.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	var errs error
	if n.rpcServer != nil {
		errs = multierr.Append(errs, n.rpcServer.Stop())
	}
	errs = multierr.Append(errs, n.relay.Stop())
	n.cancel()
	n.wg.Wait()
	n.pipeline.Stop()
	errs = multierr.Append(errs, n.release())

	if errs != nil {
		n.logger.Warn().Err(errs).Msg("Shutdown finished with errors")
	}
	n.logger.Info().Msg("Goodbye!")
	return errs
}

// release frees keys and closes the database.
func (n *Node) release() error {
	if s, ok := n.signer.(*wallet.LocalSigner); ok {
		s.Lock()
	}
	if n.nodeKey != nil {
		n.nodeKey.Zero()
		n.nodeKey = nil
	}
	if n.db != nil {
		err := n.db.Close()
		n.db = nil
		return err
	}
	return nil
}

// RPCAddr returns the address the admin RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Relay returns the relay core.
func (n *Node) Relay() *relay.Relay {
	return n.relay
}

// Command testnet runs two simulated chains joined by a pair of relays.
//
// Usage: go run ./cmd/testnet/ [--blocks N] [--interval D] [--confirmations N]
//
// Each chain gets an in-memory host, a transaction pipeline and a relay.
// The relays connect over loopback, both chains produce blocks, and the
// run succeeds once each relay has irreversibly relayed every block the
// other chain finalized while producing. Ctrl+C for early shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	"github.com/Klingon-tech/klingnet-icp/internal/chain"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/relay"
	"github.com/Klingon-tech/klingnet-icp/internal/storage"
	"github.com/Klingon-tech/klingnet-icp/internal/syncer"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

var contract = types.MustName("cochainioicp")

// side groups the components for one chain.
type side struct {
	name     string
	sim      *chain.Sim
	pipeline *txrelay.Pipeline
	relay    *relay.Relay
}

func main() {
	numBlocks := pflag.Int("blocks", 20, "Blocks to produce on each chain")
	interval := pflag.Duration("interval", 300*time.Millisecond, "Block interval")
	confirmations := pflag.Uint64("confirmations", 3, "Blocks before a block is irreversible")
	level := pflag.String("log-level", "info", "Log level")
	pflag.Parse()

	klog.Init(*level, false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== ICP 2-Chain Local Testnet ===")

	// ── Phase 1: Build both sides ───────────────────────────────────────

	idA, idB := chain.SimChainID("testnet-a"), chain.SimChainID("testnet-b")
	a, err := buildSide("chain-a", idA, idB, *interval, *confirmations, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("build chain-a")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start chain-a")
	}
	listen := a.relay.Network().Addr().String()

	b, err := buildSide("chain-b", idB, idA, *interval, *confirmations, []string{listen})
	if err != nil {
		logger.Fatal().Err(err).Msg("build chain-b")
	}
	if err := b.start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start chain-b")
	}
	defer cleanup(a, b)

	logger.Info().
		Str("chain_a", idA.String()[:16]+"...").
		Str("chain_b", idB.String()[:16]+"...").
		Str("relay_a", listen).
		Msg("Relays started")

	// ── Phase 2: Signal handling ─────────────────────────────────────────

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 3: Block production ────────────────────────────────────────

	logger.Info().Int("blocks", *numBlocks).Dur("interval", *interval).Msg("Starting block production")

	prodCtx, stopProduction := context.WithCancel(ctx)
	go a.sim.Run(prodCtx)
	go b.sim.Run(prodCtx)

	for {
		if head(a) >= uint64(*numBlocks) && head(b) >= uint64(*numBlocks) {
			break
		}
		select {
		case <-ctx.Done():
			stopProduction()
			logger.Info().Msg("Production interrupted")
			os.Exit(1)
		case <-time.After(*interval):
		}
	}

	// Remote progress is measured against what each chain finalized by
	// now. Production keeps running so relay batches can become final.
	targetA, targetB := lib(b), lib(a)
	logger.Info().
		Uint64("chain_a_lib", targetB).
		Uint64("chain_b_lib", targetA).
		Msg("Production target reached, waiting for relays")

	// ── Phase 4: Verification ────────────────────────────────────────────

	deadline := time.Now().Add(time.Duration(*numBlocks+20) * *interval * 4)
	for {
		stA, stB := a.relay.Status(), b.relay.Status()
		if stA.Relayed >= targetA && stB.Relayed >= targetB {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			stopProduction()
			logger.Error().
				Uint64("a_relayed", stA.Relayed).
				Uint64("a_target", targetA).
				Uint64("b_relayed", stB.Relayed).
				Uint64("b_target", targetB).
				Msg("FAILURE: relays did not catch up")
			os.Exit(1)
		}
		time.Sleep(*interval)
	}
	stopProduction()

	logger.Info().Msg("SUCCESS: both relays caught up with the remote chain")
	for _, s := range []*side{a, b} {
		st := s.relay.Status()
		fmt.Println()
		fmt.Printf("  %s\n", s.name)
		fmt.Printf("    Head / irreversible:  %d / %d\n", head(s), lib(s))
		fmt.Printf("    Sent through:         %d\n", st.SendPointer)
		fmt.Printf("    Remote relayed:       %d\n", st.Relayed)
		fmt.Printf("    Transactions applied: %d\n", s.sim.Included())
	}
	fmt.Println()
}

// buildSide creates the chain, pipeline and relay of one side. The relay
// signs nothing; the simulated chain accepts unsigned transactions.
func buildSide(name string, local, peer types.ChainID, interval time.Duration,
	confirmations uint64, peers []string) (*side, error) {

	desc, err := abi.Parse([]byte(relay.ContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract interface: %w", err)
	}
	sim := chain.NewSim(chain.SimConfig{
		ChainID:       local,
		Producer:      types.MustName("producer"),
		Confirmations: confirmations,
		Interval:      interval,
	})
	sim.SetInterface(contract, desc)

	pipeline, err := txrelay.New(txrelay.Config{SkipSign: true}, sim, sim, nil)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	db := storage.NewMemory()
	r, err := relay.New(relay.Config{
		LocalContract: contract,
		PeerContract:  contract,
		Signer:        types.PermissionLevel{Actor: types.MustName("relayer"), Permission: types.MustName("active")},
		MaxSendBlocks: 10,
		DB:            storage.NewPrefixDB(db, []byte("relay/")),
		Net: p2p.Config{
			ListenAddr:       "127.0.0.1:0",
			Agent:            name,
			Peers:            peers,
			ChainID:          local,
			PeerChainID:      peer,
			NodeKey:          key,
			Policy:           p2p.PolicyAny,
			RetryWait:        time.Second,
			HandshakeTimeout: 5 * time.Second,
			DB:               storage.NewPrefixDB(db, []byte("net/")),
		},
		Sync: syncer.Config{Span: 10, Timeout: 5 * time.Second},
	}, sim, pipeline)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}
	return &side{name: name, sim: sim, pipeline: pipeline, relay: r}, nil
}

func (s *side) start(ctx context.Context) error {
	s.pipeline.Start()
	return s.relay.Start(ctx)
}

func head(s *side) uint64 {
	info, _ := s.sim.HeadInfo(context.Background())
	return info.HeadBlockNum
}

func lib(s *side) uint64 {
	info, _ := s.sim.HeadInfo(context.Background())
	return info.LastIrreversibleBlockNum
}

// cleanup stops every relay and pipeline.
func cleanup(sides ...*side) {
	var err error
	for _, s := range sides {
		err = multierr.Append(err, s.relay.Stop())
		s.pipeline.Stop()
	}
	if err != nil {
		logger := klog.WithComponent("testnet")
		logger.Warn().Err(err).Msg("Shutdown errors")
	}
}

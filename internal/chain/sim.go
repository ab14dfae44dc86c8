package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// SimConfig configures a simulated chain.
type SimConfig struct {
	ChainID  types.ChainID
	Producer types.Name
	// Confirmations is how many blocks a block trails the head before it
	// becomes irreversible.
	Confirmations uint64
	// Interval between blocks produced by Run.
	Interval time.Duration
	Clock    clock.Clock
}

type simPending struct {
	id   types.Hash
	done func(*Trace, error)
}

// Sim is an in-memory host chain with a single producer. Submitted
// transactions are included in the next produced block. A block payload
// is the chain id followed by the ids of its transactions.
type Sim struct {
	*Feed
	cfg    SimConfig
	logger zerolog.Logger

	mu       sync.Mutex
	blocks   []*block.Block
	lib      uint64
	abis     map[types.Name]*abi.Description
	pending  []simPending
	included int
}

// NewSim creates a simulated chain holding only its first block.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Producer == 0 {
		cfg.Producer = types.MustName("producer")
	}
	s := &Sim{
		Feed:   NewFeed(),
		cfg:    cfg,
		logger: klog.WithComponent(klog.ComponentChain).With().Str("chain", cfg.ChainID.String()[:8]).Logger(),
		abis:   make(map[types.Name]*abi.Description),
	}
	s.blocks = append(s.blocks, block.New(1, types.Hash{}, cfg.Clock.Now(), cfg.Producer, cfg.ChainID[:]))
	s.lib = 1
	return s
}

// SetInterface publishes the contract interface of account.
func (s *Sim) SetInterface(account types.Name, d *abi.Description) {
	s.mu.Lock()
	s.abis[account] = d
	s.mu.Unlock()
}

// Included returns how many submitted transactions have been applied.
func (s *Sim) Included() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.included
}

// Produce appends a block holding every pending transaction, advances
// irreversibility and emits the resulting events.
func (s *Sim) Produce() *block.Block {
	s.mu.Lock()
	head := s.blocks[len(s.blocks)-1]
	pending := s.pending
	s.pending = nil

	payload := make([]byte, 0, (len(pending)+1)*types.HashSize)
	payload = append(payload, s.cfg.ChainID[:]...)
	ids := make([]types.Hash, 0, len(pending))
	for _, p := range pending {
		payload = append(payload, p.id[:]...)
		ids = append(ids, p.id)
	}
	blk := block.New(head.Num+1, head.ID, s.cfg.Clock.Now(), s.cfg.Producer, payload)
	s.blocks = append(s.blocks, blk)
	s.included += len(pending)

	var final []*block.Block
	if blk.Num > s.cfg.Confirmations {
		for target := blk.Num - s.cfg.Confirmations; s.lib < target; {
			s.lib++
			final = append(final, s.blocks[s.lib-1])
		}
	}
	s.mu.Unlock()

	s.EmitAcceptedBlock(&BlockEvent{Num: blk.Num, ID: blk.ID, Timestamp: blk.Time(), Transactions: ids})
	for _, p := range pending {
		trace := &Trace{ID: p.id, BlockNum: blk.Num, BlockTime: blk.Time(), Status: StatusExecuted}
		s.EmitAppliedTransaction(trace)
		p.done(trace, nil)
	}
	for _, f := range final {
		s.EmitIrreversibleBlock(&BlockEvent{Num: f.Num, ID: f.ID, Timestamp: f.Time()})
	}
	return blk
}

// Run produces a block every interval until ctx is done.
func (s *Sim) Run(ctx context.Context) {
	ticker := s.cfg.Clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Simulated chain producing")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blk := s.Produce()
			s.logger.Debug().Uint64("num", blk.Num).Msg("Block produced")
		}
	}
}

func (s *Sim) ResolveInterface(_ context.Context, account types.Name) (*abi.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.abis[account]
	if !ok {
		return nil, fmt.Errorf("%s: %w", account, ErrUnknownAbi)
	}
	return d, nil
}

func (s *Sim) HeadInfo(context.Context) (*HeadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.blocks[len(s.blocks)-1]
	return &HeadInfo{
		ChainID:                  s.cfg.ChainID,
		HeadBlockNum:             head.Num,
		HeadBlockID:              head.ID,
		HeadBlockTime:            head.Time(),
		LastIrreversibleBlockNum: s.lib,
		LastIrreversibleBlockID:  s.blocks[s.lib-1].ID,
	}, nil
}

func (s *Sim) FetchBlockByNumber(_ context.Context, n uint64) (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 || n > uint64(len(s.blocks)) {
		return nil, fmt.Errorf("block %d: %w", n, ErrBlockMissing)
	}
	return s.blocks[n-1], nil
}

// RequiredKeys accepts any single key.
func (s *Sim) RequiredKeys(_ context.Context, _ *tx.Transaction, available []string) ([]string, error) {
	if len(available) == 0 {
		return nil, nil
	}
	return available[:1], nil
}

func (s *Sim) ProducerKeys(context.Context) ([]string, error) { return nil, nil }

func (s *Sim) ReadMode(context.Context) (ReadMode, error) { return ReadModeHead, nil }

// Submit queues p for the next block. Expired and malformed transactions
// fail immediately.
func (s *Sim) Submit(_ context.Context, p *tx.PackedTransaction, done func(*Trace, error)) {
	st, err := p.Unpack()
	if err != nil {
		go done(nil, fmt.Errorf("unpack: %w", err))
		return
	}
	id, err := p.ID()
	if err != nil {
		go done(nil, err)
		return
	}
	if now := s.cfg.Clock.Now(); !st.ExpiresAt().After(now) {
		go done(&Trace{ID: id, Status: StatusExpired, Except: "expired"}, nil)
		return
	}
	if len(st.Actions) == 0 {
		go done(&Trace{ID: id, Status: StatusHardFail, Except: "no actions"}, nil)
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, simPending{id: id, done: done})
	s.mu.Unlock()
}

// SimChainID derives a stable chain id from a label.
func SimChainID(label string) types.ChainID {
	return types.ChainID(crypto.Hash([]byte(label)))
}

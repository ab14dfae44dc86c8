// Package relay is the relay core. It connects the host chain's events to
// the peer network: local irreversible blocks are pushed to peers and
// served on request, and remote blocks collected by the sync manager are
// relayed to the local contract through the transaction pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/Klingon-tech/klingnet-icp/internal/blockcache"
	"github.com/Klingon-tech/klingnet-icp/internal/chain"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/storage"
	"github.com/Klingon-tech/klingnet-icp/internal/syncer"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// ErrIncompatibleReadMode is returned by Start when the host node cannot
// report irreversible blocks.
var ErrIncompatibleReadMode = errors.New("host chain read mode does not track irreversibility")

// Relay limits.
const (
	DefaultMaxSendBlocks = 100
	maxServeBlocks       = 200

	// waitTimeout bounds one host chain call made from a relay round.
	waitTimeout = 10 * time.Second
)

// Admin replies to Connect and Disconnect.
const (
	ReplyAlreadyConnected  = "already connected"
	ReplyAddedConnection   = "added connection"
	ReplyNotConnected      = "not connected"
	ReplyRemovedConnection = "removed connection"
)

// Config holds relay core settings.
type Config struct {
	LocalContract types.Name // receives addblocks and addnode
	PeerContract  types.Name // the contract on the remote chain
	Signer        types.PermissionLevel
	MaxSendBlocks int    // blocks per push round and per addblocks batch
	RelayNodeID   uint64 // registered with addnode at startup when non-zero

	Net  p2p.Config
	Sync syncer.Config

	DB    storage.DB // relay state, nil keeps it in memory
	Clock clock.Clock
}

// batch is an addblocks submission in flight.
type batch struct {
	seq       uint64
	from, to  uint64
	confirmed bool
	rejected  bool
	blockNum  uint64 // local block that included the transaction
}

// Relay is the relay core.
type Relay struct {
	cfg      Config
	host     chain.Host
	pipeline *txrelay.Pipeline
	net      *p2p.Manager
	cache    *blockcache.Cache
	sync     *syncer.Manager
	store    *stateStore
	logger   zerolog.Logger

	head atomic.Uint64
	lib  atomic.Uint64

	subs   []chain.Subscription
	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	inflight *batch
	peers    map[p2p.ConnID]*p2p.Handshake
	started  bool
	restored bool // state loaded, so Stop may save it
	stopped  bool
}

// New creates the relay core and its connection and sync managers. The
// pipeline is started and stopped by the caller.
func New(cfg Config, host chain.Host, pipeline *txrelay.Pipeline) (*Relay, error) {
	if host == nil || pipeline == nil {
		return nil, fmt.Errorf("relay: host and pipeline required")
	}
	if cfg.MaxSendBlocks <= 0 {
		cfg.MaxSendBlocks = DefaultMaxSendBlocks
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Net.Clock == nil {
		cfg.Net.Clock = cfg.Clock
	}
	if cfg.Sync.Clock == nil {
		cfg.Sync.Clock = cfg.Clock
	}
	if cfg.Net.DB == nil {
		cfg.Net.DB = cfg.DB
	}
	db := cfg.DB
	if db == nil {
		db = storage.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		host:     host,
		pipeline: pipeline,
		cache:    blockcache.New(),
		store:    &stateStore{db: db},
		logger:   klog.WithComponent(klog.ComponentRelay),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[p2p.ConnID]*p2p.Handshake),
	}
	mgr, err := p2p.NewManager(cfg.Net, r)
	if err != nil {
		cancel()
		return nil, err
	}
	r.net = mgr
	r.sync = syncer.New(cfg.Sync, r.cache, mgr)
	return r, nil
}

// Start checks the host's read mode, restores progress, subscribes to
// chain events and starts the network.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("relay: already started")
	}
	r.started = true
	r.mu.Unlock()

	mode, err := r.host.ReadMode(ctx)
	if err != nil {
		return fmt.Errorf("read mode: %w", err)
	}
	if !mode.TracksIrreversibility() {
		return fmt.Errorf("%w: %s", ErrIncompatibleReadMode, mode)
	}

	st, err := r.store.load()
	if err != nil {
		return err
	}
	info, err := r.host.HeadInfo(ctx)
	if err != nil {
		return fmt.Errorf("head info: %w", err)
	}
	r.head.Store(info.HeadBlockNum)
	r.lib.Store(info.LastIrreversibleBlockNum)
	if st.SendPointer == 0 {
		// Older blocks reach peers through their sync requests.
		st.SendPointer = info.LastIrreversibleBlockNum
	}
	r.mu.Lock()
	r.state = st
	r.restored = true
	r.mu.Unlock()
	r.sync.SetWatermark(st.Relayed)
	r.cache.RemoveThrough(st.Relayed)
	metrics.SendPointer.Set(float64(st.SendPointer))
	metrics.RelayedPointer.Set(float64(st.Relayed))

	r.net.SetStatusFunc(func() (uint64, uint64) { return r.head.Load(), r.lib.Load() })
	r.net.SetProducerKeysFunc(r.host.ProducerKeys)

	r.subs = append(r.subs,
		r.host.OnAppliedTransaction(r.onAppliedTransaction),
		r.host.OnAcceptedBlock(r.onAcceptedBlock),
		r.host.OnIrreversibleBlock(r.onIrreversibleBlock),
	)

	r.wg.Add(1)
	go r.reactor()

	if err := r.net.Start(); err != nil {
		r.unsubscribe()
		return fmt.Errorf("start network: %w", err)
	}

	r.logger.Info().
		Str("node", r.net.Identity().NodeID()).
		Str("read_mode", string(mode)).
		Uint64("send_pointer", st.SendPointer).
		Uint64("relayed", st.Relayed).
		Str("contract", r.cfg.LocalContract.String()).
		Msg("Relay started")

	if r.cfg.RelayNodeID > 0 {
		r.registerNode(info.LastIrreversibleBlockNum)
	}
	return nil
}

func (r *Relay) unsubscribe() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.subs = nil
}

// Stop unsubscribes from the chain, closes the network (acceptor first)
// and saves progress.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.unsubscribe()
	r.cancel()

	var errs error
	errs = multierr.Append(errs, r.net.Stop())
	r.sync.Stop()
	r.wg.Wait()

	r.mu.Lock()
	st := r.state
	restored := r.restored
	r.mu.Unlock()
	if restored {
		errs = multierr.Append(errs, r.store.save(st))
	}
	r.logger.Info().Msg("Relay stopped")
	return errs
}

func (r *Relay) onAppliedTransaction(t *chain.Trace) {
	r.logger.Debug().Str("id", t.ID.Short()).Str("status", string(t.Status)).Uint64("block", t.BlockNum).Msg("Transaction applied")
}

func (r *Relay) onAcceptedBlock(ev *chain.BlockEvent) {
	if ev.Num > r.head.Load() {
		r.head.Store(ev.Num)
	}
	r.sync.Opportunity()
}

func (r *Relay) onIrreversibleBlock(ev *chain.BlockEvent) {
	if ev.Num > r.lib.Load() {
		r.lib.Store(ev.Num)
	}
	r.poke()
}

// poke schedules a relay round. Rounds coalesce: a round always works
// from the latest irreversible number.
func (r *Relay) poke() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Relay) reactor() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.kick:
			r.round(r.ctx)
		}
	}
}

// Connect adds a runtime peer.
func (r *Relay) Connect(addr string) (string, error) {
	err := r.net.Connect(addr)
	switch {
	case errors.Is(err, p2p.ErrAlreadyConnected):
		return ReplyAlreadyConnected, nil
	case err != nil:
		return "", err
	}
	return ReplyAddedConnection, nil
}

// Disconnect removes a peer.
func (r *Relay) Disconnect(addr string) (string, error) {
	err := r.net.Disconnect(addr)
	switch {
	case errors.Is(err, p2p.ErrNotConnected):
		return ReplyNotConnected, nil
	case err != nil:
		return "", err
	}
	return ReplyRemovedConnection, nil
}

// Connections returns every tracked peer connection.
func (r *Relay) Connections() []p2p.ConnInfo {
	return r.net.Connections()
}

// Transactions returns pipeline records, newest first.
func (r *Relay) Transactions() []txrelay.Record {
	return r.pipeline.Transactions()
}

// Network returns the connection manager.
func (r *Relay) Network() *p2p.Manager { return r.net }

// BatchInfo describes the addblocks batch in flight.
type BatchInfo struct {
	Seq       uint64 `json:"seq"`
	From      uint64 `json:"from"`
	To        uint64 `json:"to"`
	Confirmed bool   `json:"confirmed"`
	BlockNum  uint64 `json:"block_num,omitempty"`
}

// Status is a snapshot of relay progress.
type Status struct {
	NodeID        string          `json:"node_id"`
	LocalContract string          `json:"local_contract"`
	PeerContract  string          `json:"peer_contract"`
	Head          uint64          `json:"head"`
	LIB           uint64          `json:"lib"`
	SendPointer   uint64          `json:"send_pointer"`
	Relayed       uint64          `json:"relayed"`
	Watermark     uint64          `json:"watermark"`
	CachedBlocks  int             `json:"cached_blocks"`
	Peers         int             `json:"peers"`
	Batch         *BatchInfo      `json:"batch,omitempty"`
	Sync          syncer.Status   `json:"sync"`
	Pipeline      txrelay.Stats   `json:"pipeline"`
	Banned        []p2p.BanRecord `json:"banned,omitempty"`
}

// Status returns a snapshot.
func (r *Relay) Status() Status {
	r.mu.Lock()
	st := Status{
		NodeID:        r.net.Identity().NodeID(),
		LocalContract: r.cfg.LocalContract.String(),
		PeerContract:  r.cfg.PeerContract.String(),
		SendPointer:   r.state.SendPointer,
		Relayed:       r.state.Relayed,
		Peers:         len(r.peers),
	}
	if b := r.inflight; b != nil {
		st.Batch = &BatchInfo{Seq: b.seq, From: b.from, To: b.to, Confirmed: b.confirmed, BlockNum: b.blockNum}
	}
	r.mu.Unlock()

	st.Head = r.head.Load()
	st.LIB = r.lib.Load()
	st.Watermark = r.sync.Watermark()
	st.CachedBlocks = r.cache.Len()
	st.Sync = r.sync.Status()
	st.Pipeline = r.pipeline.Stats()
	st.Banned = r.net.Bans().BanList()
	return st
}

// Package txrelay turns relay intents into signed transactions on the
// local chain. Each transaction moves through build, key resolution,
// signing, packing and submission on a worker pool and ends Confirmed or
// Rejected with exactly one completion callback.
package txrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	"github.com/Klingon-tech/klingnet-icp/internal/chain"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/internal/wallet"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Pipeline errors. A rejected transaction's error wraps one of these or a
// collaborator error such as chain.ErrUnknownAbi.
var (
	ErrKeys          = errors.New("required key resolution failed")
	ErrSigning       = errors.New("signing failed")
	ErrSubmission    = errors.New("submission failed")
	ErrRawNotAllowed = errors.New("raw action data not permitted")
	ErrQueueFull     = errors.New("pipeline queue full")
	ErrStopped       = errors.New("pipeline stopped")
	ErrPanic         = errors.New("collaborator panic")
)

// State is a transaction's position in the pipeline.
type State string

// Pipeline states in order. Confirmed and Rejected are final.
const (
	StateQueued        State = "queued"
	StateBuilt         State = "built"
	StateKeysResolving State = "keys_resolving"
	StateSigning       State = "signing"
	StatePacked        State = "packed"
	StateSubmitted     State = "submitted"
	StateConfirmed     State = "confirmed"
	StateRejected      State = "rejected"
)

// Final reports whether s is Confirmed or Rejected.
func (s State) Final() bool {
	return s == StateConfirmed || s == StateRejected
}

// Defaults applied to zero Config fields.
const (
	DefaultExpiration   = 30 * time.Second
	DefaultWorkers      = 2
	DefaultAbiCacheSize = 128
	DefaultHistorySize  = 256
	DefaultQueueSize    = 64
)

// Config holds pipeline settings.
type Config struct {
	Expiration   time.Duration // added to the head block time
	SkipSign     bool
	Compression  tx.Compression
	Workers      int
	AbiCacheSize int
	HistorySize  int // finished transactions kept for queries
	QueueSize    int
	AllowRaw     bool // accept pre-encoded action data
	Clock        clock.Clock
}

// ActionRequest is one action to relay. Args are JSON arguments encoded
// with the contract interface; Raw is pre-encoded data, honored only when
// the pipeline allows it.
type ActionRequest struct {
	Account       types.Name
	Name          types.Name
	Authorization []types.PermissionLevel
	Args          json.RawMessage
	Raw           types.HexBytes
}

// Record is a snapshot of one relay transaction.
type Record struct {
	Seq      uint64     `json:"seq"`
	ID       types.Hash `json:"id"`
	State    State      `json:"state"`
	Actions  []string   `json:"actions"`
	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
	BlockNum uint64     `json:"block_num,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Callback receives the final record. It is called exactly once per
// submitted intent.
type Callback func(rec Record, err error)

// Stats counts pipeline outcomes.
type Stats struct {
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Confirmed uint64 `json:"confirmed"`
	Rejected  uint64 `json:"rejected"`
	AbiCached int    `json:"abi_cached"`
}

type job struct {
	actions []ActionRequest
	done    Callback
	once    sync.Once

	mu  sync.Mutex
	rec Record
}

func (j *job) setState(s State, now time.Time) {
	j.mu.Lock()
	j.rec.State = s
	j.rec.Updated = now
	j.mu.Unlock()
}

func (j *job) snapshot() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.rec
	rec.Actions = append([]string(nil), j.rec.Actions...)
	return rec
}

// Pipeline is the transaction relay pipeline.
type Pipeline struct {
	cfg       Config
	query     chain.Query
	submitter chain.Submitter
	signer    wallet.Signer
	clock     clock.Clock
	logger    zerolog.Logger

	abis    *lru.Cache[types.Name, *abi.Description]
	history *lru.Cache[uint64, *job]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan *job

	mu        sync.Mutex
	seq       uint64
	pending   map[uint64]*job
	confirmed uint64
	rejected  uint64
	started   bool
	stopped   bool
}

// New creates a pipeline. signer may be nil only when signing is skipped.
func New(cfg Config, query chain.Query, submitter chain.Submitter, signer wallet.Signer) (*Pipeline, error) {
	if query == nil || submitter == nil {
		return nil, fmt.Errorf("txrelay: chain query and submitter required")
	}
	if signer == nil && !cfg.SkipSign {
		return nil, fmt.Errorf("txrelay: signer required unless signing is skipped")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.AbiCacheSize <= 0 {
		cfg.AbiCacheSize = DefaultAbiCacheSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	abis, err := lru.New[types.Name, *abi.Description](cfg.AbiCacheSize)
	if err != nil {
		return nil, fmt.Errorf("abi cache: %w", err)
	}
	history, err := lru.New[uint64, *job](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("history cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		query:     query,
		submitter: submitter,
		signer:    signer,
		clock:     cfg.Clock,
		logger:    klog.WithComponent(klog.ComponentTxn),
		abis:      abis,
		history:   history,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan *job, cfg.QueueSize),
		pending:   make(map[uint64]*job),
	}, nil
}

// Start launches the workers.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Bool("skip_sign", p.cfg.SkipSign).Msg("Transaction pipeline started")
}

// Stop rejects queued intents and waits for the workers. Submitted
// transactions still complete through their callbacks.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	p.cancel()
	if !started {
		for j := range p.queue {
			p.finish(j, StateRejected, nil, ErrStopped)
		}
	}
	p.wg.Wait()
}

// Submit queues an intent and returns its sequence number. done may be
// nil.
func (p *Pipeline) Submit(actions []ActionRequest, done Callback) (uint64, error) {
	if len(actions) == 0 {
		return 0, tx.ErrNoActions
	}
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0, ErrStopped
	}
	p.seq++
	j := &job{
		actions: actions,
		done:    done,
		rec: Record{
			Seq:     p.seq,
			State:   StateQueued,
			Actions: actionNames(actions),
			Created: now,
			Updated: now,
		},
	}
	select {
	case p.queue <- j:
	default:
		p.seq--
		return 0, ErrQueueFull
	}
	p.pending[j.rec.Seq] = j
	metrics.TransactionsInFlight.Inc()
	return j.rec.Seq, nil
}

func actionNames(actions []ActionRequest) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Account.String() + "::" + a.Name.String()
	}
	return out
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		if p.ctx.Err() != nil {
			p.finish(j, StateRejected, nil, ErrStopped)
			continue
		}
		p.process(j)
	}
}

// process runs one intent up to submission. Any failure or collaborator
// panic rejects the transaction.
func (p *Pipeline) process(j *job) {
	defer func() {
		if r := recover(); r != nil {
			p.finish(j, StateRejected, nil, fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	packed, err := p.prepare(p.ctx, j)
	if err != nil {
		p.finish(j, StateRejected, nil, err)
		return
	}

	j.setState(StateSubmitted, p.clock.Now())
	p.logger.Debug().Uint64("seq", j.rec.Seq).Str("id", j.snapshot().ID.Short()).Msg("Transaction submitted")
	// Submission is not cancellable once handed over.
	p.submitter.Submit(context.WithoutCancel(p.ctx), packed, func(trace *chain.Trace, err error) {
		switch {
		case err != nil:
			p.finish(j, StateRejected, trace, fmt.Errorf("%w: %w", ErrSubmission, err))
		case !trace.Succeeded():
			p.finish(j, StateRejected, trace, fmt.Errorf("%w: status %s: %s", ErrSubmission, traceStatus(trace), traceExcept(trace)))
		default:
			p.finish(j, StateConfirmed, trace, nil)
		}
	})
}

func traceStatus(t *chain.Trace) chain.TxStatus {
	if t == nil {
		return "unknown"
	}
	return t.Status
}

func traceExcept(t *chain.Trace) string {
	if t == nil || t.Except == "" {
		return "no trace"
	}
	return t.Except
}

// prepare builds, signs and packs the transaction.
func (p *Pipeline) prepare(ctx context.Context, j *job) (*tx.PackedTransaction, error) {
	b := tx.NewBuilder()
	for _, req := range j.actions {
		a, err := p.buildAction(ctx, req)
		if err != nil {
			return nil, err
		}
		b.AddAction(a)
	}

	head, err := p.query.HeadInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("head info: %w", err)
	}
	t := b.SetExpiration(head.HeadBlockTime.Add(p.cfg.Expiration)).
		SetReferenceBlock(head.LastIrreversibleBlockID).
		Build()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	j.mu.Lock()
	j.rec.ID = t.ID()
	j.mu.Unlock()
	j.setState(StateBuilt, p.clock.Now())

	signed := &tx.SignedTransaction{Transaction: *t}
	if !p.cfg.SkipSign {
		j.setState(StateKeysResolving, p.clock.Now())
		available, err := p.signer.PublicKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: wallet keys: %w", ErrKeys, err)
		}
		required, err := p.query.RequiredKeys(ctx, t, available)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeys, err)
		}

		j.setState(StateSigning, p.clock.Now())
		signed, err = p.signer.SignTransaction(ctx, t, required, head.ChainID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSigning, err)
		}
	}

	packed, err := tx.Pack(signed, p.cfg.Compression)
	if err != nil {
		return nil, err
	}
	j.setState(StatePacked, p.clock.Now())
	return packed, nil
}

func (p *Pipeline) buildAction(ctx context.Context, req ActionRequest) (tx.Action, error) {
	a := tx.Action{
		Account:       req.Account,
		Name:          req.Name,
		Authorization: req.Authorization,
	}
	if req.Raw != nil {
		if !p.cfg.AllowRaw {
			return a, fmt.Errorf("%s::%s: %w", req.Account, req.Name, ErrRawNotAllowed)
		}
		a.Data = req.Raw
		return a, nil
	}

	desc, err := p.resolveInterface(ctx, req.Account)
	if err != nil {
		return a, fmt.Errorf("resolve interface of %s: %w", req.Account, err)
	}
	data, err := desc.EncodeAction(req.Name, req.Args)
	if err != nil {
		if errors.Is(err, abi.ErrUnknownAction) {
			// The contract may have been updated since it was cached.
			p.InvalidateInterface(req.Account)
		}
		return a, fmt.Errorf("encode %s::%s: %w", req.Account, req.Name, err)
	}
	a.Data = data
	return a, nil
}

// resolveInterface returns the cached interface of account, fetching it on
// a miss. Failures are not cached.
func (p *Pipeline) resolveInterface(ctx context.Context, account types.Name) (*abi.Description, error) {
	if desc, ok := p.abis.Get(account); ok {
		return desc, nil
	}
	desc, err := p.query.ResolveInterface(ctx, account)
	if err != nil {
		return nil, err
	}
	p.abis.Add(account, desc)
	return desc, nil
}

// InvalidateInterface drops the cached interface of account.
func (p *Pipeline) InvalidateInterface(account types.Name) {
	if p.abis.Remove(account) {
		p.logger.Debug().Str("account", account.String()).Msg("Contract interface invalidated")
	}
}

// finish moves j to a final state and runs its callback once.
func (p *Pipeline) finish(j *job, state State, trace *chain.Trace, err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.rec.State = state
		j.rec.Updated = p.clock.Now()
		if trace != nil {
			j.rec.BlockNum = trace.BlockNum
		}
		if err != nil {
			j.rec.Error = err.Error()
		}
		rec := j.rec
		j.mu.Unlock()

		p.mu.Lock()
		delete(p.pending, rec.Seq)
		if state == StateConfirmed {
			p.confirmed++
		} else {
			p.rejected++
		}
		p.mu.Unlock()
		p.history.Add(rec.Seq, j)
		metrics.TransactionsInFlight.Dec()
		metrics.TransactionsFinished.WithLabelValues(string(state)).Inc()

		if state == StateConfirmed {
			p.logger.Info().
				Uint64("seq", rec.Seq).
				Str("id", rec.ID.Short()).
				Uint64("block", rec.BlockNum).
				Strs("actions", rec.Actions).
				Msg("Transaction confirmed")
		} else {
			p.logger.Error().
				Err(err).
				Uint64("seq", rec.Seq).
				Strs("actions", rec.Actions).
				Msg("Transaction rejected")
		}
		p.callback(j, rec, err)
	})
}

func (p *Pipeline) callback(j *job, rec Record, err error) {
	if j.done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Uint64("seq", rec.Seq).Msg("Transaction callback panicked")
		}
	}()
	j.done(rec, err)
}

// Transaction returns the record of seq if it is pending or still in the
// history.
func (p *Pipeline) Transaction(seq uint64) (Record, bool) {
	p.mu.Lock()
	j, ok := p.pending[seq]
	p.mu.Unlock()
	if ok {
		return j.snapshot(), true
	}
	if j, ok := p.history.Peek(seq); ok {
		return j.snapshot(), true
	}
	return Record{}, false
}

// Transactions returns pending and recently finished records, newest
// first.
func (p *Pipeline) Transactions() []Record {
	p.mu.Lock()
	jobs := make([]*job, 0, len(p.pending)+p.history.Len())
	for _, j := range p.pending {
		jobs = append(jobs, j)
	}
	p.mu.Unlock()
	for _, seq := range p.history.Keys() {
		if j, ok := p.history.Peek(seq); ok {
			jobs = append(jobs, j)
		}
	}

	out := make([]Record, len(jobs))
	for i, j := range jobs {
		out[i] = j.snapshot()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq > out[k].Seq })
	return out
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Confirmed: p.confirmed,
		Rejected:  p.rejected,
		AbiCached: p.abis.Len(),
	}
	for _, j := range p.pending {
		j.mu.Lock()
		if j.rec.State == StateQueued {
			st.Queued++
		} else {
			st.InFlight++
		}
		j.mu.Unlock()
	}
	return st
}

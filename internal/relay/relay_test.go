package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	"github.com/Klingon-tech/klingnet-icp/internal/chain"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/storage"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// submission is an action the host received, with the block count of
// addblocks calls.
type submission struct {
	action string
	blocks int
}

// fakeHost is an in-memory chain with manually driven irreversibility.
// Submitted transactions are included in the block after the head.
type fakeHost struct {
	*chain.Feed
	id types.ChainID

	mu        sync.Mutex
	blocks    []*block.Block
	lib       uint64
	mode      chain.ReadMode
	submitted []submission
}

func newFakeHost(t *testing.T, seed byte, n int) *fakeHost {
	t.Helper()
	h := &fakeHost{Feed: chain.NewFeed(), mode: chain.ReadModeHead}
	h.id[0] = seed
	for i := 0; i < n; i++ {
		h.extend()
	}
	h.lib = uint64(n)
	return h
}

// extend appends a block and returns its number.
func (h *fakeHost) extend() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	num := uint64(len(h.blocks)) + 1
	var prev types.Hash
	if len(h.blocks) > 0 {
		prev = h.blocks[len(h.blocks)-1].ID
	}
	ts := time.UnixMilli(1_700_000_000_000 + int64(num)*500)
	h.blocks = append(h.blocks, block.New(num, prev, ts, types.MustName("prod"), []byte{h.id[0], byte(num), byte(num >> 8)}))
	return num
}

// finalize makes every block up to n irreversible and emits the event.
func (h *fakeHost) finalize(n uint64) {
	h.mu.Lock()
	for uint64(len(h.blocks)) < n {
		h.mu.Unlock()
		h.extend()
		h.mu.Lock()
	}
	h.lib = n
	ev := &chain.BlockEvent{Num: n, ID: h.blocks[n-1].ID, Timestamp: h.blocks[n-1].Time()}
	h.mu.Unlock()
	h.EmitIrreversibleBlock(ev)
}

func (h *fakeHost) submissions() []submission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]submission(nil), h.submitted...)
}

func (h *fakeHost) ResolveInterface(_ context.Context, account types.Name) (*abi.Description, error) {
	return abi.Parse([]byte(ContractABI))
}

func (h *fakeHost) HeadInfo(context.Context) (*chain.HeadInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	head := h.blocks[len(h.blocks)-1]
	info := &chain.HeadInfo{
		ChainID:                  h.id,
		HeadBlockNum:             head.Num,
		HeadBlockID:              head.ID,
		HeadBlockTime:            head.Time(),
		LastIrreversibleBlockNum: h.lib,
	}
	if h.lib > 0 {
		info.LastIrreversibleBlockID = h.blocks[h.lib-1].ID
	}
	return info, nil
}

func (h *fakeHost) FetchBlockByNumber(_ context.Context, n uint64) (*block.Block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 || n > uint64(len(h.blocks)) {
		return nil, chain.ErrBlockMissing
	}
	return h.blocks[n-1], nil
}

func (h *fakeHost) RequiredKeys(_ context.Context, _ *tx.Transaction, available []string) ([]string, error) {
	return available, nil
}

func (h *fakeHost) ProducerKeys(context.Context) ([]string, error) { return nil, nil }

func (h *fakeHost) ReadMode(context.Context) (chain.ReadMode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode, nil
}

func (h *fakeHost) Submit(_ context.Context, p *tx.PackedTransaction, done func(*chain.Trace, error)) {
	st, err := p.Unpack()
	if err != nil {
		go done(nil, err)
		return
	}
	id, _ := p.ID()

	h.mu.Lock()
	for _, a := range st.Actions {
		sub := submission{action: a.Name.String()}
		if a.Name == ActionAddBlocks {
			d := tx.NewDecoder(a.Data)
			if _, err := d.Name(); err == nil {
				if n, err := d.Varuint32(); err == nil {
					sub.blocks = int(n)
				}
			}
		}
		h.submitted = append(h.submitted, sub)
	}
	included := uint64(len(h.blocks)) + 1
	h.mu.Unlock()

	go done(&chain.Trace{ID: id, BlockNum: included, Status: chain.StatusExecuted}, nil)
}

type testRelay struct {
	*Relay
	host     *fakeHost
	pipeline *txrelay.Pipeline
	db       storage.DB
}

func newTestRelay(t *testing.T, host *fakeHost, peer types.ChainID, mutate func(*Config)) *testRelay {
	t.Helper()
	klog.Disable()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pipeline, err := txrelay.New(txrelay.Config{SkipSign: true}, host, host, nil)
	if err != nil {
		t.Fatalf("txrelay.New() error: %v", err)
	}
	pipeline.Start()

	db := storage.NewMemory()
	cfg := Config{
		LocalContract: types.MustName("cochainioicp"),
		PeerContract:  types.MustName("cochainioicp"),
		Signer:        types.PermissionLevel{Actor: types.MustName("relayer"), Permission: types.MustName("active")},
		MaxSendBlocks: 100,
		DB:            db,
		Net: p2p.Config{
			ListenAddr:       "127.0.0.1:0",
			Agent:            "test",
			ChainID:          host.id,
			PeerChainID:      peer,
			NodeKey:          key,
			Policy:           p2p.PolicyAny,
			RetryWait:        50 * time.Millisecond,
			HandshakeTimeout: 2 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, host, pipeline)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		r.Stop()
		pipeline.Stop()
	})
	return &testRelay{Relay: r, host: host, pipeline: pipeline, db: db}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelay_IncompatibleReadMode(t *testing.T) {
	host := newFakeHost(t, 1, 3)
	host.mode = chain.ReadModeIrreversible
	r := newTestRelay(t, host, types.ChainID{2}, nil)

	err := r.Start(context.Background())
	if !errors.Is(err, ErrIncompatibleReadMode) {
		t.Fatalf("Start() error = %v, want ErrIncompatibleReadMode", err)
	}
	if n := host.Subscribers(); n != 0 {
		t.Errorf("%d event subscriptions after failed start, want 0", n)
	}
}

func TestRelay_StartStop(t *testing.T) {
	host := newFakeHost(t, 1, 7)
	r := newTestRelay(t, host, types.ChainID{2}, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if n := host.Subscribers(); n != 3 {
		t.Errorf("Subscribers() = %d, want 3", n)
	}
	st := r.Status()
	if st.SendPointer != 7 || st.LIB != 7 || st.Head != 7 {
		t.Errorf("Status() = %+v, want send pointer, lib and head at 7", st)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
	if n := host.Subscribers(); n != 0 {
		t.Errorf("Subscribers() after Stop = %d, want 0", n)
	}

	var saved State
	if err := storage.GetJSON(r.db, stateKey, &saved); err != nil {
		t.Fatalf("state not saved: %v", err)
	}
	if saved.SendPointer != 7 {
		t.Errorf("saved send pointer = %d, want 7", saved.SendPointer)
	}
}

func TestRelay_RestoresState(t *testing.T) {
	host := newFakeHost(t, 1, 20)
	r := newTestRelay(t, host, types.ChainID{2}, nil)
	if err := storage.PutJSON(r.db, stateKey, State{SendPointer: 12, Relayed: 30}); err != nil {
		t.Fatalf("PutJSON() error: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st := r.Status()
	if st.Relayed != 30 || st.Watermark != 30 {
		t.Errorf("relayed=%d watermark=%d, want 30 and 30", st.Relayed, st.Watermark)
	}
	if st.SendPointer != 12 {
		t.Errorf("send pointer = %d, want 12 (restored)", st.SendPointer)
	}
}

func TestRelay_AdminReplies(t *testing.T) {
	a := newTestRelay(t, newFakeHost(t, 1, 2), types.ChainID{2}, nil)
	b := newTestRelay(t, newFakeHost(t, 2, 2), types.ChainID{1}, nil)
	for _, r := range []*testRelay{a, b} {
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	}
	addr := b.Network().Addr().String()

	tests := []struct {
		name string
		op   func(string) (string, error)
		want string
	}{
		{"connect", a.Connect, ReplyAddedConnection},
		{"connect again", a.Connect, ReplyAlreadyConnected},
		{"disconnect", a.Disconnect, ReplyRemovedConnection},
		{"disconnect again", a.Disconnect, ReplyNotConnected},
	}
	for _, tt := range tests {
		got, err := tt.op(addr)
		if err != nil {
			t.Fatalf("%s: error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}

	if _, err := a.Connect("not an address"); err == nil {
		t.Error("Connect() with a malformed address should fail")
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	const remoteBlocks = 30

	hostA := newFakeHost(t, 1, 5)
	hostB := newFakeHost(t, 2, remoteBlocks)
	a := newTestRelay(t, hostA, hostB.id, func(c *Config) { c.MaxSendBlocks = 20 })
	b := newTestRelay(t, hostB, hostA.id, nil)
	for _, r := range []*testRelay{a, b} {
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	}

	if _, err := a.Connect(b.Network().Addr().String()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, "sync of remote chain", func() bool { return a.Status().Watermark == remoteBlocks })

	// The first local irreversible event moves the first batch.
	hostA.finalize(6)
	waitFor(t, "first addblocks", func() bool {
		st := a.Status()
		return st.Batch != nil && st.Batch.Confirmed
	})
	st := a.Status()
	if st.Batch.From != 1 || st.Batch.To != 20 {
		t.Fatalf("first batch = [%d,%d], want [1,20]", st.Batch.From, st.Batch.To)
	}
	if st.Relayed != 0 {
		t.Fatalf("relayed = %d before inclusion is irreversible, want 0", st.Relayed)
	}

	// Irreversible inclusion releases the batch and submits the rest.
	hostA.finalize(st.Batch.BlockNum)
	waitFor(t, "second addblocks", func() bool {
		st := a.Status()
		return st.Relayed == 20 && st.Batch != nil && st.Batch.From == 21 && st.Batch.Confirmed
	})
	if got := a.Status().CachedBlocks; got != remoteBlocks-20 {
		t.Errorf("cached blocks = %d, want %d", got, remoteBlocks-20)
	}

	hostA.finalize(a.Status().Batch.BlockNum)
	waitFor(t, "everything relayed", func() bool { return a.Status().Relayed == remoteBlocks })
	if got := a.Status().CachedBlocks; got != 0 {
		t.Errorf("cached blocks = %d after relaying, want 0", got)
	}

	var batches []int
	for _, s := range hostA.submissions() {
		if s.action == ActionAddBlocks.String() {
			batches = append(batches, s.blocks)
		}
	}
	if fmt.Sprint(batches) != "[20 10]" {
		t.Errorf("addblocks batch sizes = %v, want [20 10]", batches)
	}

	// A new remote irreversible block is pushed to a.
	next := hostB.extend()
	hostB.finalize(next)
	waitFor(t, "pushed block", func() bool { return a.Status().Watermark == next })
	if got := b.Status().SendPointer; got != next {
		t.Errorf("remote send pointer = %d, want %d", got, next)
	}
}

func TestRelay_RegistersNode(t *testing.T) {
	host := newFakeHost(t, 1, 4)
	r := newTestRelay(t, host, types.ChainID{2}, func(c *Config) { c.RelayNodeID = 9 })
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "addnode", func() bool {
		for _, s := range host.submissions() {
			if s.action == ActionAddNode.String() {
				return true
			}
		}
		return false
	})
}

func TestRelay_InvalidBlockPenalized(t *testing.T) {
	host := newFakeHost(t, 1, 1)
	r := newTestRelay(t, host, types.ChainID{2}, nil)

	bad := block.New(1, types.Hash{}, time.UnixMilli(1_700_000_000_000), types.MustName("prod"), []byte{1})
	bad.Payload = []byte{2}
	r.OnMessage(42, &p2p.BlockMessage{Block: bad})
	if got := r.sync.Watermark(); got != 0 {
		t.Errorf("Watermark() = %d after invalid block, want 0", got)
	}
	if r.cache.Len() != 0 {
		t.Error("invalid block was cached")
	}
}

// Package syncer decides which remote block range to fetch next and from
// which peer. It keeps one request window in flight at a time and moves
// its watermark only when that window is contiguously filled.
package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-icp/internal/blockcache"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
)

// Defaults applied to zero Config fields.
const (
	DefaultSpan    = 100
	DefaultTimeout = 5 * time.Second
	// DefaultAheadSpans is how many spans the watermark may lead the
	// cache floor when Config.MaxAhead is zero.
	DefaultAheadSpans = 4
)

// Transport delivers sync requests. *p2p.Manager satisfies it.
type Transport interface {
	Send(id p2p.ConnID, m p2p.Message) error
}

// Config holds sync settings.
type Config struct {
	Span    uint64        // blocks per request
	Timeout time.Duration // response deadline
	// MaxAhead bounds how far the watermark may run past the cache floor,
	// the last block the consumer released. Fetching pauses at the bound.
	MaxAhead uint64
	Clock    clock.Clock
}

type peerState struct {
	lastUsed uint64 // request sequence, 0 = never asked
	stalled  bool
}

type request struct {
	id     string
	peer   p2p.ConnID
	start  uint64
	end    uint64 // exclusive
	issued time.Time
	timer  *clock.Timer
}

// Request describes the window in flight.
type Request struct {
	ID     string     `json:"id"`
	Peer   p2p.ConnID `json:"peer"`
	Start  uint64     `json:"start"`
	End    uint64     `json:"end"`
	Issued time.Time  `json:"issued"`
}

// Status is a snapshot of the sync manager.
type Status struct {
	Watermark uint64   `json:"watermark"`
	Peers     int      `json:"peers"`
	Stalled   int      `json:"stalled"`
	Timeouts  uint64   `json:"timeouts"`
	Paused    bool     `json:"paused,omitempty"`
	Active    *Request `json:"active,omitempty"`
}

// Manager is the sync manager.
type Manager struct {
	cfg       Config
	cache     *blockcache.Cache
	transport Transport
	clock     clock.Clock
	logger    zerolog.Logger

	mu        sync.Mutex
	watermark uint64
	peers     map[p2p.ConnID]*peerState
	active    *request
	seq       uint64
	timeouts  uint64
}

// New creates a sync manager that stores fetched blocks in cache.
func New(cfg Config, cache *blockcache.Cache, transport Transport) *Manager {
	if cfg.Span == 0 {
		cfg.Span = DefaultSpan
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAhead == 0 {
		cfg.MaxAhead = DefaultAheadSpans * cfg.Span
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		cfg:       cfg,
		cache:     cache,
		transport: transport,
		clock:     cfg.Clock,
		logger:    klog.WithComponent(klog.ComponentSync),
		peers:     make(map[p2p.ConnID]*peerState),
	}
}

// Watermark returns the highest block number below which every block has
// been received.
func (m *Manager) Watermark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// SetWatermark raises the watermark, typically to the last relayed block
// after a restart. Lower values are ignored.
func (m *Manager) SetWatermark(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setWatermarkLocked(n)
}

func (m *Manager) setWatermarkLocked(n uint64) {
	if n <= m.watermark {
		return
	}
	m.watermark = n
	metrics.SyncWatermark.Set(float64(n))
	m.logger.Debug().Uint64("watermark", n).Msg("Watermark advanced")
}

// PeerReady registers a connected peer and uses it if nothing is in
// flight.
func (m *Manager) PeerReady(id p2p.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; !ok {
		m.peers[id] = &peerState{}
	}
	m.issueLocked(0)
}

// PeerGone forgets a peer. A window it was serving moves to another peer.
func (m *Manager) PeerGone(id p2p.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	if m.active != nil && m.active.peer == id {
		m.active.timer.Stop()
		m.logger.Info().Uint64("peer", uint64(id)).Uint64("start", m.active.start).Msg("Sync peer gone, reissuing window")
		m.active = nil
		m.issueLocked(0)
	}
}

// Opportunity issues the next window if none is in flight. When every
// peer is stalled their marks are cleared so the window is retried.
func (m *Manager) Opportunity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return
	}
	if len(m.candidatesLocked(0)) == 0 {
		for _, p := range m.peers {
			p.stalled = false
		}
	}
	m.issueLocked(0)
}

// candidatesLocked returns eligible peers, least recently used first.
// exclude is skipped unless zero.
func (m *Manager) candidatesLocked(exclude p2p.ConnID) []p2p.ConnID {
	var out []p2p.ConnID
	for id, p := range m.peers {
		if p.stalled || (exclude != 0 && id == exclude) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := m.peers[out[i]], m.peers[out[j]]
		if pi.lastUsed != pj.lastUsed {
			return pi.lastUsed < pj.lastUsed
		}
		return out[i] < out[j]
	})
	return out
}

// issueLocked sends the window after the watermark to the least recently
// used eligible peer other than exclude.
func (m *Manager) issueLocked(exclude p2p.ConnID) {
	if m.active != nil {
		return
	}
	if m.aheadLocked(m.watermark) {
		m.logger.Debug().
			Uint64("watermark", m.watermark).
			Uint64("floor", m.cache.Floor()).
			Msg("Sync paused until cached blocks are consumed")
		return
	}
	start := m.watermark + 1
	end := start + m.cfg.Span
	for _, id := range m.candidatesLocked(exclude) {
		req := &request{
			id:     uuid.NewString(),
			peer:   id,
			start:  start,
			end:    end,
			issued: m.clock.Now(),
		}
		m.seq++
		m.peers[id].lastUsed = m.seq
		err := m.transport.Send(id, &p2p.SyncRequest{RequestID: req.id, Start: start, End: end})
		if err != nil {
			m.logger.Warn().Err(err).Uint64("peer", uint64(id)).Msg("Sync request not sent")
			m.peers[id].stalled = true
			continue
		}
		reqID := req.id
		req.timer = m.clock.AfterFunc(m.cfg.Timeout, func() { m.timeout(reqID) })
		m.active = req
		metrics.SyncRequests.Inc()
		m.logger.Debug().
			Str("request", req.id).
			Uint64("peer", uint64(id)).
			Uint64("start", start).
			Uint64("end", end).
			Msg("Sync request issued")
		return
	}
	m.logger.Debug().Uint64("start", start).Msg("No peer available for sync")
}

func (m *Manager) timeout(reqID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.active
	if req == nil || req.id != reqID {
		return
	}
	m.timeouts++
	metrics.SyncTimeouts.Inc()
	if p, ok := m.peers[req.peer]; ok {
		p.stalled = true
	}
	// Blocks past a gap can never be completed by a refetch.
	if dropped := m.cache.RemoveAbove(m.cache.ContiguousFrom(req.start)); dropped > 0 {
		m.logger.Debug().Int("dropped", dropped).Msg("Dropped blocks past gap")
	}
	m.logger.Warn().
		Str("request", req.id).
		Uint64("peer", uint64(req.peer)).
		Uint64("start", req.start).
		Dur("elapsed", m.clock.Since(req.issued)).
		Msg("Sync request timed out")
	// Blocks of a partial window stay cached; the watermark waits for the refetch.
	m.active = nil
	m.issueLocked(req.peer)
}

// OnBlock stores a block received from peer id. A response block is kept
// only if it answers the request in flight; an unsolicited block only if
// it is the next block expected. It reports whether the block was stored.
func (m *Manager) OnBlock(id p2p.ConnID, msg *p2p.BlockMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := msg.Block
	if msg.RequestID != "" {
		req := m.active
		if req == nil || req.id != msg.RequestID || req.peer != id {
			m.logger.Debug().Str("request", msg.RequestID).Uint64("num", b.Num).Msg("Late sync response dropped")
			return false
		}
		if b.Num < req.start || b.Num >= req.end {
			m.logger.Debug().Uint64("num", b.Num).Msg("Block outside requested range dropped")
			return false
		}
	} else if next := m.nextExpectedLocked(); b.Num != next {
		m.logger.Debug().Uint64("num", b.Num).Uint64("next", next).Msg("Unsolicited block dropped")
		return false
	} else if m.aheadLocked(next - 1) {
		m.logger.Debug().Uint64("num", b.Num).Msg("Unsolicited block dropped, consumer behind")
		return false
	}

	if err := m.cache.Insert(b); err != nil {
		return false
	}
	if p, ok := m.peers[id]; ok {
		p.stalled = false
	}
	m.advanceLocked()
	return true
}

// OnSyncDone handles the end of a response. A peer that had fewer blocks
// than asked shrinks the window; one that had none leaves the manager
// idle until the next opportunity.
func (m *Manager) OnSyncDone(id p2p.ConnID, msg *p2p.SyncDone) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := m.active
	if req == nil || req.id != msg.RequestID || req.peer != id {
		return
	}
	if msg.Last < req.start {
		req.timer.Stop()
		m.active = nil
		m.logger.Debug().Uint64("peer", uint64(id)).Uint64("start", req.start).Msg("Peer has no blocks in window")
		// Blocks pushed while the window was open still count.
		m.advanceLocked()
		return
	}
	if msg.Last+1 < req.end {
		req.end = msg.Last + 1
	}
	m.advanceLocked()
}

// aheadLocked reports whether n is as far past the cache floor as the
// consumer allows.
func (m *Manager) aheadLocked(n uint64) bool {
	return n >= m.cache.Floor()+m.cfg.MaxAhead
}

func (m *Manager) nextExpectedLocked() uint64 {
	next := m.watermark
	if max := m.cache.Max(); max > next {
		next = max
	}
	return next + 1
}

// advanceLocked completes the window once it is contiguously filled. With
// no window in flight, pushed blocks move the watermark directly.
func (m *Manager) advanceLocked() {
	req := m.active
	if req == nil {
		m.setWatermarkLocked(m.cache.ContiguousFrom(m.watermark + 1))
		return
	}
	last := m.cache.ContiguousFrom(req.start)
	if last+1 < req.end {
		return
	}
	req.timer.Stop()
	m.active = nil
	m.setWatermarkLocked(last)
	m.logger.Debug().Str("request", req.id).Uint64("watermark", m.watermark).Msg("Sync window filled")
	m.issueLocked(0)
}

// Status returns a snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Watermark: m.watermark,
		Peers:     len(m.peers),
		Timeouts:  m.timeouts,
		Paused:    m.active == nil && m.aheadLocked(m.watermark),
	}
	for _, p := range m.peers {
		if p.stalled {
			st.Stalled++
		}
	}
	if req := m.active; req != nil {
		st.Active = &Request{ID: req.id, Peer: req.peer, Start: req.start, End: req.end, Issued: req.issued}
	}
	return st
}

// Stop cancels the window in flight.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.timer.Stop()
		m.active = nil
	}
}

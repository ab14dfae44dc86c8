// Package p2p maintains the relay's peer connections: a framed TCP wire
// protocol, a handshake that pins peers to the remote chain, outbound
// pursuit with fixed backoff, inbound admission and periodic cleanup.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/metrics"
	"github.com/Klingon-tech/klingnet-icp/internal/storage"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Defaults applied to zero Config fields.
const (
	DefaultRetryWait        = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCleanupPeriod    = 30 * time.Second
	DefaultMaxCleanupTime   = 10 * time.Millisecond
)

// pursueAttempts is the number of connect attempts per retry round. A
// peer is pursued through any number of rounds.
const pursueAttempts = 10

// Config holds connection manager settings.
type Config struct {
	ListenAddr string   // empty disables inbound connections
	Address    string   // advertised in the handshake
	Agent      string   // advertised in the handshake
	Peers      []string // pursued from start until shutdown

	ChainID     types.ChainID // local chain, sent to peers
	PeerChainID types.ChainID // chain every peer must belong to
	NodeKey     *crypto.PrivateKey

	Policy      Policy
	AllowedKeys []string

	MaxClients          int // inbound limit, 0 = unlimited
	MaxNodesPerHost     int // inbound per IP, 0 = unlimited
	CleanupPeriod       time.Duration
	MaxCleanupTime      time.Duration
	RetryWait           time.Duration
	HandshakeTimeout    time.Duration
	NetworkVersionMatch bool
	MaxFrameSize        int
	MaxImplicitRequest  int // blocks larger than this are announced, 0 = never

	DB    storage.DB // bans and runtime peers, nil disables persistence
	Clock clock.Clock
}

// Handler receives session events. Events for one connection are
// delivered in order and never concurrently.
type Handler interface {
	OnConnected(id ConnID, hs *Handshake)
	OnDisconnected(id ConnID)
	OnMessage(id ConnID, m Message)
}

type pursuit struct {
	conn    *Conn
	cancel  context.CancelFunc
	runtime bool
}

// Manager owns every peer connection. Only the manager writes to or
// closes sockets.
type Manager struct {
	cfg         Config
	handler     Handler
	identity    *Identity
	allowedKeys map[string]struct{}
	clock       clock.Clock
	logger      zerolog.Logger
	bans        *BanManager
	peers       *PeerStore

	status       func() (head, lib uint64)
	producerKeys func(ctx context.Context) ([]string, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	nextID   ConnID
	conns    map[ConnID]*Conn
	outbound map[string]*pursuit
	lastAuth map[string]int64 // node id -> last accepted handshake time
	listener net.Listener
	started  bool
	stopped  bool
}

// NewManager creates a connection manager. Nothing is dialed or accepted
// until Start.
func NewManager(cfg Config, handler Handler) (*Manager, error) {
	if cfg.NodeKey == nil {
		return nil, fmt.Errorf("p2p: node key required")
	}
	if handler == nil {
		return nil, fmt.Errorf("p2p: handler required")
	}
	identity, err := NewIdentity(cfg.NodeKey)
	if err != nil {
		return nil, err
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = DefaultCleanupPeriod
	}
	if cfg.MaxCleanupTime <= 0 {
		cfg.MaxCleanupTime = DefaultMaxCleanupTime
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedKeys))
	for _, k := range cfg.AllowedKeys {
		canon, err := crypto.ParsePublicKeyHex(k)
		if err != nil {
			return nil, fmt.Errorf("p2p: peer key %q: %w", k, err)
		}
		allowed[canon] = struct{}{}
	}

	var banStore *BanStore
	var peers *PeerStore
	if cfg.DB != nil {
		banStore = NewBanStore(cfg.DB)
		peers = NewPeerStore(cfg.DB)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		handler:     handler,
		identity:    identity,
		allowedKeys: allowed,
		clock:       cfg.Clock,
		logger:      klog.WithComponent(klog.ComponentNet),
		bans:        NewBanManager(banStore, cfg.Clock),
		peers:       peers,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[ConnID]*Conn),
		outbound:    make(map[string]*pursuit),
		lastAuth:    make(map[string]int64),
	}
	return m, nil
}

// SetStatusFunc sets the source of the head and irreversible numbers
// advertised in handshakes.
func (m *Manager) SetStatusFunc(fn func() (head, lib uint64)) {
	m.status = fn
}

// SetProducerKeysFunc sets the source of producer keys for the producers
// connection policy.
func (m *Manager) SetProducerKeysFunc(fn func(ctx context.Context) ([]string, error)) {
	m.producerKeys = fn
}

// Identity returns this relay's node identity.
func (m *Manager) Identity() *Identity { return m.identity }

// Bans returns the ban manager.
func (m *Manager) Bans() *BanManager { return m.bans }

// Start opens the listener, begins pursuing configured and persisted
// peers and starts the cleanup loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("p2p: already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.bans.LoadBans(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load bans")
	}
	m.bans.SetBanHandler(m.dropIP)

	if m.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", m.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
		}
		m.mu.Lock()
		m.listener = ln
		m.mu.Unlock()
		m.wg.Add(1)
		go m.acceptLoop(ln)
		m.logger.Info().
			Str("addr", ln.Addr().String()).
			Str("policy", m.cfg.Policy.String()).
			Int("max_clients", m.cfg.MaxClients).
			Msg("Listening for relay peers")
	}

	for _, p := range m.cfg.Peers {
		host, err := ParsePeerAddress(p)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Skipping configured peer")
			continue
		}
		if err := m.startPursuit(host, false); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			m.logger.Warn().Err(err).Str("host", host).Msg("Cannot pursue peer")
		}
	}
	if m.peers != nil {
		recs, err := m.peers.LoadAll()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to load runtime peers")
		}
		for _, rec := range recs {
			if err := m.startPursuit(rec.Host, true); err != nil && !errors.Is(err, ErrAlreadyConnected) {
				m.logger.Warn().Err(err).Str("host", rec.Host).Msg("Cannot pursue peer")
			}
		}
	}

	m.wg.Add(1)
	go m.cleanupLoop()
	return nil
}

// Addr returns the listener address, or nil when not listening.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Connect starts pursuing host and remembers it across restarts. It
// returns ErrAlreadyConnected, and changes nothing, when host is already
// being pursued or is connected.
func (m *Manager) Connect(addr string) error {
	host, err := ParsePeerAddress(addr)
	if err != nil {
		return err
	}
	if err := m.startPursuit(host, true); err != nil {
		return err
	}
	if m.peers != nil {
		if err := m.peers.Add(host, m.clock.Now()); err != nil {
			m.logger.Warn().Err(err).Str("host", host).Msg("Failed to persist peer")
		}
	}
	m.logger.Info().Str("host", host).Msg("Added connection")
	return nil
}

// Disconnect stops pursuing host, closes its session and forgets it.
func (m *Manager) Disconnect(addr string) error {
	host, err := ParsePeerAddress(addr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	p, ok := m.outbound[host]
	if ok {
		delete(m.outbound, host)
		delete(m.conns, p.conn.id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", host, ErrNotConnected)
	}

	p.cancel()
	p.conn.closePending()
	if s := p.conn.currentSession(); s != nil {
		s.Send(&GoAway{Reason: ReasonNone, NodeID: m.identity.NodeID()})
		s.Close()
	}
	if m.peers != nil && p.runtime {
		if err := m.peers.Remove(host); err != nil {
			m.logger.Warn().Err(err).Str("host", host).Msg("Failed to forget peer")
		}
	}
	m.logger.Info().Str("host", host).Msg("Removed connection")
	return nil
}

func (m *Manager) startPursuit(host string, runtime bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("p2p: manager stopped")
	}
	if _, ok := m.outbound[host]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", host, ErrAlreadyConnected)
	}
	m.nextID++
	c := newConn(m.nextID, host, Outbound, m.clock.Now())
	ctx, cancel := context.WithCancel(m.ctx)
	m.outbound[host] = &pursuit{conn: c, cancel: cancel, runtime: runtime}
	m.conns[c.id] = c
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pursue(ctx, c)
	return nil
}

// pursue keeps an outbound connection alive until ctx ends. Failed
// attempts and lost sessions are retried after RetryWait.
func (m *Manager) pursue(ctx context.Context, c *Conn) {
	defer m.wg.Done()
	defer c.setState(StateClosed, m.clock.Now())

	for {
		err := retry.Do(
			func() error { return m.establish(ctx, c) },
			retry.Context(ctx),
			retry.Attempts(pursueAttempts),
			retry.Delay(m.cfg.RetryWait),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				if ctx.Err() != nil {
					return
				}
				metrics.ConnectFailures.Inc()
				retries := c.incRetries()
				c.setState(StateClosed, m.clock.Now())
				m.logger.Info().Err(err).Str("host", c.host).Int("retries", retries).Msg("Connect failed, retrying")
			}),
		)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if ended := c.endedChan(); ended != nil {
				select {
				case <-ended:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.RetryWait):
		}
	}
}

func (m *Manager) establish(ctx context.Context, c *Conn) error {
	c.setState(StateResolving, m.clock.Now())
	addr, err := resolve(ctx, c.host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrConnection, c.host, err)
	}

	c.setState(StateConnecting, m.clock.Now())
	d := net.Dialer{Timeout: m.cfg.HandshakeTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, c.host, err)
	}
	return m.handshake(ctx, c, nc)
}

func resolve(ctx context.Context, hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return hostport, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// handshake exchanges handshakes on a fresh socket and, if the peer is
// acceptable, starts its session.
func (m *Manager) handshake(ctx context.Context, c *Conn, nc net.Conn) error {
	c.setState(StateHandshaking, m.clock.Now())
	c.setPending(nc)
	ip := hostIP(nc.RemoteAddr())

	s := NewSession(nc, m.cfg.MaxFrameSize)
	fail := func(err error) error {
		c.setState(StateClosing, m.clock.Now())
		c.closePending()
		s.Close()
		return err
	}

	s.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	local, err := m.localHandshake()
	if err != nil {
		return fail(err)
	}
	if err := s.WriteMessage(local); err != nil {
		return fail(fmt.Errorf("%w: send handshake to %s: %v", ErrConnection, c.host, err))
	}
	msg, err := s.ReadMessage()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			m.bans.RecordOffense(ip, PenaltyBadFrame, err.Error())
			return fail(err)
		}
		return fail(fmt.Errorf("%w: read handshake from %s: %v", ErrConnection, c.host, err))
	}

	hs, ok := msg.(*Handshake)
	if !ok {
		if ga, isGoAway := msg.(*GoAway); isGoAway {
			return fail(fmt.Errorf("%w: %s sent go away: %s", ErrRejected, c.host, ga.Reason))
		}
		m.bans.RecordOffense(ip, PenaltyBadFrame, "message before handshake")
		return fail(fmt.Errorf("%w: expected handshake, got %s", ErrProtocol, msg.Type()))
	}

	herr := m.validateHandshake(ctx, c, hs)
	ended := make(chan struct{})
	if herr == nil {
		herr = m.attach(c, s, hs, ended)
	}
	if herr != nil {
		s.WriteMessage(&GoAway{Reason: herr.reason, NodeID: m.identity.NodeID()})
		metrics.HandshakeRejections.WithLabelValues(herr.reason.String()).Inc()
		if herr.offense() {
			m.bans.RecordOffense(ip, PenaltyHandshakeFail, herr.Error())
		}
		m.logger.Warn().Str("host", c.host).Str("node", hs.NodeID).Err(herr).Msg("Handshake rejected")
		return fail(herr)
	}
	s.SetDeadline(time.Time{})

	m.logger.Info().
		Uint64("conn", uint64(c.id)).
		Str("host", c.host).
		Str("dir", c.dir.String()).
		Str("node", hs.NodeID).
		Str("agent", hs.Agent).
		Uint64("head", hs.Head).
		Msg("Peer connected")

	metrics.PeersConnected.Inc()
	m.wg.Add(1)
	m.handler.OnConnected(c.id, hs)
	s.Start(
		func(msg Message) { m.dispatch(c, s, msg) },
		func(err error) { m.sessionEnded(c, err, ended) },
	)
	return nil
}

// attach binds a validated session to c unless another connection
// already carries the same node.
func (m *Manager) attach(c *Conn, s *Session, hs *Handshake, ended chan struct{}) *handshakeError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return rejectHandshake(ReasonShutdown, "manager stopped")
	}
	if cur, ok := m.conns[c.id]; !ok || cur != c {
		return rejectHandshake(ReasonNone, "connection removed")
	}
	for id, other := range m.conns {
		if id != c.id && other.State() == StateConnected && other.remoteNodeID() == hs.NodeID {
			return rejectHandshake(ReasonDuplicate, "node %s already on connection %d", hs.NodeID, id)
		}
	}
	c.attach(s, hs, ended, m.clock.Now())
	return nil
}

func (m *Manager) dispatch(c *Conn, s *Session, msg Message) {
	c.touch(m.clock.Now())
	switch v := msg.(type) {
	case *GoAway:
		m.logger.Info().Str("host", c.host).Str("reason", v.Reason.String()).Msg("Peer going away")
		s.Close()
	case *Handshake:
		m.protocolViolation(c, s, "repeated handshake")
	case *BlockMessage:
		if v.ChainID != m.cfg.PeerChainID {
			m.protocolViolation(c, s, "block from wrong chain")
			return
		}
		m.handler.OnMessage(c.id, msg)
	default:
		m.handler.OnMessage(c.id, msg)
	}
}

func (m *Manager) protocolViolation(c *Conn, s *Session, reason string) {
	c.mu.Lock()
	ip := c.ip
	c.mu.Unlock()
	m.logger.Warn().Str("host", c.host).Str("reason", reason).Msg("Protocol violation")
	m.bans.RecordOffense(ip, PenaltyBadFrame, reason)
	s.Send(&GoAway{Reason: ReasonProtocol, NodeID: m.identity.NodeID()})
	s.Close()
}

func (m *Manager) sessionEnded(c *Conn, err error, ended chan struct{}) {
	defer m.wg.Done()
	c.setState(StateClosing, m.clock.Now())
	c.detach()
	if err != nil && errors.Is(err, ErrProtocol) {
		c.mu.Lock()
		ip := c.ip
		c.mu.Unlock()
		m.bans.RecordOffense(ip, PenaltyBadFrame, err.Error())
	}
	c.setState(StateClosed, m.clock.Now())
	metrics.PeersConnected.Dec()
	m.handler.OnDisconnected(c.id)

	if c.dir == Inbound {
		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()
	}
	ev := m.logger.Info().Uint64("conn", uint64(c.id)).Str("host", c.host)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		ev = ev.Err(err)
	}
	ev.Msg("Peer disconnected")
	close(ended)
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.acceptConn(nc)
		}()
	}
}

func (m *Manager) acceptConn(nc net.Conn) {
	ip := hostIP(nc.RemoteAddr())

	m.mu.Lock()
	reason, err := m.admitLocked(ip)
	var c *Conn
	if err == nil {
		m.nextID++
		c = newConn(m.nextID, nc.RemoteAddr().String(), Inbound, m.clock.Now())
		c.ip = ip
		m.conns[c.id] = c
	}
	m.mu.Unlock()

	if err != nil {
		if reason != ReasonNone {
			nc.SetWriteDeadline(time.Now().Add(flushTimeout))
			WriteMessage(nc, &GoAway{Reason: reason, NodeID: m.identity.NodeID()})
		}
		nc.Close()
		m.logger.Debug().Str("ip", ip).Err(err).Msg("Inbound connection refused")
		return
	}

	if err := m.handshake(m.ctx, c, nc); err != nil {
		c.setState(StateClosed, m.clock.Now())
		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()
		m.logger.Debug().Str("ip", ip).Err(err).Msg("Inbound handshake failed")
	}
}

// admitLocked decides whether an inbound socket from ip may proceed to
// the handshake. m.mu must be held.
func (m *Manager) admitLocked(ip string) (GoAwayReason, error) {
	if m.stopped {
		return ReasonShutdown, fmt.Errorf("%w: shutting down", ErrRejected)
	}
	if m.cfg.Policy.AllowsNone() {
		return ReasonNone, fmt.Errorf("%w: inbound connections disabled", ErrRejected)
	}
	if m.bans.IsBanned(ip) {
		return ReasonBanned, fmt.Errorf("%w: %s is banned", ErrRejected, ip)
	}
	inbound, fromIP := 0, 0
	for _, c := range m.conns {
		if c.dir != Inbound || c.State() == StateClosed {
			continue
		}
		inbound++
		if c.ip == ip {
			fromIP++
		}
	}
	if m.cfg.MaxClients > 0 && inbound >= m.cfg.MaxClients {
		return ReasonCapacity, fmt.Errorf("%w: %d clients connected", ErrRejected, inbound)
	}
	if m.cfg.MaxNodesPerHost > 0 && fromIP >= m.cfg.MaxNodesPerHost {
		return ReasonCapacity, fmt.Errorf("%w: %d connections from %s", ErrRejected, fromIP, ip)
	}
	return ReasonNone, nil
}

// Penalize records an offense against the IP behind connection id.
func (m *Manager) Penalize(id ConnID, penalty int, reason string) {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	ip := c.ip
	c.mu.Unlock()
	if ip != "" {
		m.bans.RecordOffense(ip, penalty, reason)
	}
}

// dropIP closes every connection from a newly banned IP.
func (m *Manager) dropIP(ip string) {
	for _, c := range m.snapshot() {
		c.mu.Lock()
		match := c.ip == ip
		c.mu.Unlock()
		if !match {
			continue
		}
		c.closePending()
		if s := c.currentSession(); s != nil {
			s.Send(&GoAway{Reason: ReasonBanned, NodeID: m.identity.NodeID()})
			s.Close()
		}
	}
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := m.clock.Ticker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
			m.bans.PruneExpired()
		}
	}
}

// Cleanup aborts handshakes that outlived the handshake timeout and
// forgets closed inbound connections. A run stops once MaxCleanupTime has
// elapsed; the rest waits for the next period. It returns the number of
// connections acted on.
func (m *Manager) Cleanup() int {
	start := m.clock.Now()
	acted := 0
	for i, c := range m.snapshot() {
		now := m.clock.Now()
		if i > 0 && now.Sub(start) > m.cfg.MaxCleanupTime {
			m.logger.Debug().Int("examined", i).Msg("Cleanup budget exhausted")
			break
		}
		state, age := c.stateAge(now)
		switch {
		case (state == StateConnecting || state == StateHandshaking) && age > m.cfg.HandshakeTimeout:
			c.setState(StateClosing, now)
			c.closePending()
			acted++
		case state == StateClosing && age > m.cfg.HandshakeTimeout:
			c.closePending()
			if s := c.currentSession(); s != nil {
				s.Close()
			}
			acted++
		case state == StateClosed && c.dir == Inbound:
			m.mu.Lock()
			delete(m.conns, c.id)
			m.mu.Unlock()
			acted++
		}
	}
	return acted
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) sessionOf(id ConnID) (*Session, error) {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, ErrNotConnected)
	}
	s := c.currentSession()
	if s == nil {
		return nil, fmt.Errorf("connection %d: %w", id, ErrNotConnected)
	}
	return s, nil
}

// Send queues msg on connection id without waiting.
func (m *Manager) Send(id ConnID, msg Message) error {
	s, err := m.sessionOf(id)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// SendContext queues msg on connection id, waiting for queue space until
// ctx is done.
func (m *Manager) SendContext(ctx context.Context, id ConnID, msg Message) error {
	s, err := m.sessionOf(id)
	if err != nil {
		return err
	}
	return s.SendContext(ctx, msg)
}

// Broadcast queues msg on every connected session and returns how many
// accepted it.
func (m *Manager) Broadcast(msg Message) int {
	sent := 0
	for _, id := range m.Connected() {
		if m.Send(id, msg) == nil {
			sent++
		}
	}
	return sent
}

func (m *Manager) blockMessage(b *block.Block, requestID string) *BlockMessage {
	return &BlockMessage{
		NetworkVersion: NetworkVersion,
		ChainID:        m.cfg.ChainID,
		RequestID:      requestID,
		Block:          b,
	}
}

// SendBlock sends b in answer to a sync request. Unlike pushes it waits
// for queue space until ctx is done.
func (m *Manager) SendBlock(ctx context.Context, id ConnID, b *block.Block, requestID string) error {
	return m.SendContext(ctx, id, m.blockMessage(b, requestID))
}

// PushBlock sends b unsolicited. Blocks above MaxImplicitRequest are
// announced with a notice instead.
func (m *Manager) PushBlock(id ConnID, b *block.Block) error {
	if m.cfg.MaxImplicitRequest > 0 && b.Size() > m.cfg.MaxImplicitRequest {
		return m.Send(id, &BlockNotice{Num: b.Num, ID: b.ID, Size: b.Size()})
	}
	return m.Send(id, m.blockMessage(b, ""))
}

// Connected returns the ids of connected sessions, ascending.
func (m *Manager) Connected() []ConnID {
	var out []ConnID
	for _, c := range m.snapshot() {
		if c.State() == StateConnected {
			out = append(out, c.id)
		}
	}
	return out
}

// Connections returns a snapshot of every tracked connection.
func (m *Manager) Connections() []ConnInfo {
	conns := m.snapshot()
	out := make([]ConnInfo, len(conns))
	for i, c := range conns {
		out[i] = c.Info()
	}
	return out
}

// Stop closes the listener first, then every session, and waits for all
// connection goroutines.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	ln := m.listener
	m.mu.Unlock()

	var errs error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	m.cancel()

	var g errgroup.Group
	for _, c := range m.snapshot() {
		c := c
		g.Go(func() error {
			c.closePending()
			s := c.currentSession()
			if s == nil {
				return nil
			}
			s.Send(&GoAway{Reason: ReasonShutdown, NodeID: m.identity.NodeID()})
			if err := s.Close(); err != nil {
				return fmt.Errorf("close %s: %w", c.host, err)
			}
			return nil
		})
	}
	errs = multierr.Append(errs, g.Wait())
	m.wg.Wait()
	m.logger.Info().Msg("Connection manager stopped")
	return errs
}

package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// ConnID identifies a connection for the lifetime of the process.
type ConnID uint64

// State is a connection lifecycle state.
type State int

const (
	StateResolving State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Direction says who opened the connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Conn is one peer connection. Outbound connections survive their
// sockets: after a disconnect the same Conn goes back to Resolving.
type Conn struct {
	id   ConnID
	host string
	dir  Direction

	mu         sync.Mutex
	state      State
	stateSince time.Time
	retries    int
	lastActive time.Time
	session    *Session
	pending    net.Conn // socket of an unfinished handshake
	ended      chan struct{}
	remote     *Handshake
	remoteAddr string
	ip         string
}

func newConn(id ConnID, host string, dir Direction, now time.Time) *Conn {
	state := StateResolving
	if dir == Inbound {
		state = StateHandshaking
	}
	return &Conn{id: id, host: host, dir: dir, state: state, stateSince: now, lastActive: now}
}

// ID returns the connection id.
func (c *Conn) ID() ConnID { return c.id }

// Host returns the configured address, or the remote address for inbound.
func (c *Conn) Host() string { return c.host }

// Direction returns who opened the connection.
func (c *Conn) Direction() Direction { return c.dir }

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		c.state = s
		c.stateSince = now
	}
}

// stateAge returns the state and how long it has been held.
func (c *Conn) stateAge(now time.Time) (State, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, now.Sub(c.stateSince)
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

func (c *Conn) incRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return c.retries
}

func (c *Conn) setPending(nc net.Conn) {
	c.mu.Lock()
	c.pending = nc
	c.mu.Unlock()
}

// closePending aborts an unfinished handshake.
func (c *Conn) closePending() {
	c.mu.Lock()
	nc := c.pending
	c.pending = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

func (c *Conn) attach(s *Session, hs *Handshake, ended chan struct{}, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.ended = ended
	c.session = s
	c.remote = hs
	c.remoteAddr = remoteMultiaddr(s.RemoteAddr())
	c.ip = hostIP(s.RemoteAddr())
	c.state = StateConnected
	c.stateSince = now
	c.lastActive = now
	c.retries = 0
}

// detach drops the session and returns it.
func (c *Conn) detach() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	c.remote = nil
	return s
}

func (c *Conn) endedChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Conn) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) remoteNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ""
	}
	return c.remote.NodeID
}

// ConnInfo is a snapshot of a connection for status queries.
type ConnInfo struct {
	ID             ConnID    `json:"id"`
	Host           string    `json:"host"`
	Direction      string    `json:"direction"`
	State          string    `json:"state"`
	Retries        int       `json:"retries"`
	LastActivity   time.Time `json:"last_activity"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	NetworkVersion uint16    `json:"network_version,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	Agent          string    `json:"agent,omitempty"`
	Head           uint64    `json:"head,omitempty"`
	LIB            uint64    `json:"lib,omitempty"`
}

// Info returns a snapshot.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnInfo{
		ID:           c.id,
		Host:         c.host,
		Direction:    c.dir.String(),
		State:        c.state.String(),
		Retries:      c.retries,
		LastActivity: c.lastActive,
		RemoteAddr:   c.remoteAddr,
	}
	if c.remote != nil {
		info.NetworkVersion = c.remote.NetworkVersion
		info.NodeID = c.remote.NodeID
		info.Agent = c.remote.Agent
		info.Head = c.remote.Head
		info.LIB = c.remote.LIB
	}
	return info
}

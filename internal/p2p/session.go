package p2p

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	sendQueueSize = 256
	flushTimeout  = time.Second
)

// Session is one framed message stream over a socket. Before Start it is
// used synchronously for the handshake. After Start a reader goroutine
// delivers messages in order and a writer goroutine drains the send queue.
type Session struct {
	conn     net.Conn
	maxFrame int

	out       chan []byte
	closing   chan struct{}
	done      chan struct{} // closed once the socket is closed
	closeOnce sync.Once
	startOnce sync.Once
	started   bool
	mu        sync.Mutex
}

// NewSession wraps conn.
func NewSession(conn net.Conn, maxFrame int) *Session {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Session{
		conn:     conn,
		maxFrame: maxFrame,
		out:      make(chan []byte, sendQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RemoteAddr returns the peer's socket address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SetDeadline sets the socket read and write deadline.
func (s *Session) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// WriteMessage writes m directly to the socket. Only valid before Start.
func (s *Session) WriteMessage(m Message) error {
	return WriteMessage(s.conn, m)
}

// ReadMessage reads one message directly. Only valid before Start.
func (s *Session) ReadMessage() (Message, error) {
	return ReadMessage(s.conn, s.maxFrame)
}

// Start launches the reader and writer. onMessage is called for every
// message in arrival order. onClose is called exactly once, with the read
// error that ended the session (nil after a local Close).
func (s *Session) Start(onMessage func(Message), onClose func(error)) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.writeLoop()
		go s.readLoop(onMessage, onClose)
	})
}

func (s *Session) readLoop(onMessage func(Message), onClose func(error)) {
	var readErr error
	for {
		m, err := ReadMessage(s.conn, s.maxFrame)
		if err != nil {
			readErr = err
			break
		}
		onMessage(m)
	}
	select {
	case <-s.closing:
		readErr = nil
	default:
	}
	s.Close()
	onClose(readErr)
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if _, err := s.conn.Write(frame); err != nil {
				s.closeSocket()
				return
			}
		case <-s.closing:
			s.flush()
			s.closeSocket()
			return
		}
	}
}

// flush writes whatever is queued, bounded by flushTimeout.
func (s *Session) flush() {
	s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case frame := <-s.out:
			if _, err := s.conn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) closeSocket() {
	select {
	case <-s.done:
	default:
		s.conn.Close()
		close(s.done)
	}
}

// Send queues m. It never blocks.
func (s *Session) Send(m Message) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// SendContext queues m, waiting for queue space until ctx is done.
func (s *Session) SendContext(ctx context.Context, m Message) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued messages on a best-effort basis and closes the
// socket. It is idempotent and waits for the socket to close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			s.flush()
			s.closeSocket()
		}
	})
	<-s.done
	return nil
}

// Done is closed once the socket has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

package p2p

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSession_OrderedDelivery(t *testing.T) {
	a, b := net.Pipe()
	sa := NewSession(a, 0)
	sb := NewSession(b, 0)

	got := make(chan Message, 8)
	closed := make(chan error, 1)
	sb.Start(func(m Message) { got <- m }, func(err error) { closed <- err })
	sa.Start(func(Message) {}, func(error) {})

	for i := uint64(1); i <= 5; i++ {
		if err := sa.Send(&SyncDone{RequestID: "r", Last: i}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	for i := uint64(1); i <= 5; i++ {
		select {
		case m := <-got:
			if done := m.(*SyncDone); done.Last != i {
				t.Fatalf("message %d has Last %d", i, done.Last)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	sa.Close()
	select {
	case err := <-closed:
		if err == nil {
			t.Error("remote close should report the read error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not called")
	}
}

func TestSession_LocalCloseReportsNil(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	s := NewSession(a, 0)
	closed := make(chan error, 1)
	s.Start(func(Message) {}, func(err error) { closed <- err })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("onClose(%v), want nil after local close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not called")
	}
	if err := s.Send(&GoAway{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_SendQueueFull(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	s := NewSession(a, 0)
	defer s.Close()

	// Not started: nothing drains the queue.
	var err error
	for i := 0; i <= sendQueueSize; i++ {
		if err = s.Send(&GoAway{}); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("Send() on full queue = %v, want ErrSendQueueFull", err)
	}
}

func TestSession_SendContextWaitsForSpace(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	s := NewSession(a, 0)
	defer s.Close()

	for i := 0; i < sendQueueSize; i++ {
		if err := s.Send(&GoAway{}); err != nil {
			t.Fatalf("Send() %d error: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.SendContext(ctx, &GoAway{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendContext() on full queue = %v, want DeadlineExceeded", err)
	}

	result := make(chan error, 1)
	go func() { result <- s.SendContext(context.Background(), &SyncDone{RequestID: "r", Last: 9}) }()
	<-s.out
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("SendContext() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendContext() did not return once space freed")
	}
}

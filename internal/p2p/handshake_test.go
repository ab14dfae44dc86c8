package p2p

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// dialHandshake opens a raw socket to addr and writes hs as its first
// frame, without a manager on the dialing side.
func dialHandshake(t *testing.T, addr string, hs *Handshake) net.Conn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	if err := WriteMessage(nc, hs); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	return nc
}

func TestManager_OldHandshakeRefused(t *testing.T) {
	allowedKey := testKey(t)
	server, serverH := newTestManager(t, chainA, chainB, func(c *Config) {
		c.Policy = PolicySpecified
		c.AllowedKeys = []string{allowedKey.PublicKeyHex()}
	})
	addr := server.Addr().String()

	id, err := NewIdentity(allowedKey)
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}
	signedAt := func(at time.Time) *Handshake {
		hs := &Handshake{NetworkVersion: NetworkVersion, ChainID: chainB, Agent: "raw"}
		if err := id.signHandshake(hs, at); err != nil {
			t.Fatalf("signHandshake() error: %v", err)
		}
		return hs
	}

	dialHandshake(t, addr, signedAt(time.Now().AddDate(-1, 0, 0)))
	expectNone(t, serverH.connected, 300*time.Millisecond, "connect with year-old handshake")

	server.Bans().Unban("127.0.0.1")
	fresh := signedAt(time.Now())
	first := dialHandshake(t, addr, fresh)
	expectID(t, serverH.connected, "connect with fresh handshake")
	first.Close()
	expectID(t, serverH.disconnected, "disconnect")

	// Same bytes again, well inside the time window.
	dialHandshake(t, addr, fresh)
	expectNone(t, serverH.connected, 300*time.Millisecond, "connect with repeated handshake")
}

func TestCheckFresh(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	m := newIdleManager(t, mock) // handshake timeout 1s
	now := mock.Now()

	tests := []struct {
		name string
		at   time.Time
		ok   bool
	}{
		{"too far ahead", now.Add(2 * time.Second), false},
		{"too old", now.Add(-2 * time.Second), false},
		{"current", now, true},
		{"same time again", now, false},
		{"earlier than last", now.Add(-time.Millisecond), false},
		{"later than last", now.Add(time.Millisecond), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.checkFresh(&Handshake{NodeID: "node-1", Time: tt.at.UnixNano()})
			if (err == nil) != tt.ok {
				t.Errorf("checkFresh() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}

	if err := m.checkFresh(&Handshake{NodeID: "node-2", Time: now.UnixNano()}); err != nil {
		t.Errorf("checkFresh(other node) error: %v", err)
	}
}

func TestKeyAllowed_CaseInsensitive(t *testing.T) {
	allowed, producer := testKey(t), testKey(t)
	m, _ := newUnstartedManager(t, chainA, chainB, func(c *Config) {
		c.Policy = PolicySpecified | PolicyProducers
		c.AllowedKeys = []string{allowed.PublicKeyHex()}
	})
	m.SetProducerKeysFunc(func(context.Context) ([]string, error) {
		return []string{strings.ToUpper(producer.PublicKeyHex())}, nil
	})

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"allowed lower", allowed.PublicKeyHex(), true},
		{"allowed upper", strings.ToUpper(allowed.PublicKeyHex()), true},
		{"producer lower", producer.PublicKeyHex(), true},
		{"stranger", testKey(t).PublicKeyHex(), false},
		{"malformed", "zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.keyAllowed(context.Background(), tt.key); got != tt.want {
				t.Errorf("keyAllowed(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

package p2p

import (
	"bytes"
	"testing"
)

// FuzzReadMessage tests that arbitrary bytes never panic the frame
// decoder.
func FuzzReadMessage(f *testing.F) {
	for _, m := range []Message{
		&Handshake{NetworkVersion: NetworkVersion, NodeID: "n"},
		&GoAway{Reason: ReasonShutdown},
		&SyncRequest{RequestID: "r", Start: 1, End: 2},
	} {
		frame, err := EncodeFrame(m)
		if err != nil {
			f.Fatalf("EncodeFrame() error: %v", err)
		}
		f.Add(frame)
	}
	f.Add([]byte{})
	f.Add([]byte{1, 0, 0, 0, 4})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := ReadMessage(bytes.NewReader(data), 1<<16)
		if err != nil {
			return
		}
		if _, err := EncodeFrame(m); err != nil {
			t.Fatalf("EncodeFrame() of decoded %s error: %v", m.Type(), err)
		}
	})
}

// FuzzParsePeerAddress tests that arbitrary input never panics the
// address parser.
func FuzzParsePeerAddress(f *testing.F) {
	f.Add("127.0.0.1:9876")
	f.Add("/ip4/10.0.0.1/tcp/9876")
	f.Add("/dns4/relay.example.com/tcp/1")
	f.Add("")

	f.Fuzz(func(t *testing.T, s string) {
		ParsePeerAddress(s)
	})
}

// FuzzParsePolicy tests that policy parsing never panics.
func FuzzParsePolicy(f *testing.F) {
	f.Add("any")
	f.Add("producers,specified")
	f.Add("none")

	f.Fuzz(func(t *testing.T, s string) {
		p, err := ParsePolicy([]string{s})
		if err == nil {
			_ = p.String()
		}
	})
}

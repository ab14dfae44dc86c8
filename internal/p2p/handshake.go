package p2p

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Identity is this relay's node key and the node id derived from it.
type Identity struct {
	key       *crypto.PrivateKey
	nodeID    string
	publicKey string
}

// NewIdentity derives the node id for key.
func NewIdentity(key *crypto.PrivateKey) (*Identity, error) {
	id, err := crypto.NodeID(key.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	return &Identity{key: key, nodeID: id.String(), publicKey: key.PublicKeyHex()}, nil
}

// NodeID returns the node id string.
func (id *Identity) NodeID() string { return id.nodeID }

// PublicKey returns the hex public key.
func (id *Identity) PublicKey() string { return id.publicKey }

func handshakeToken(chainID types.ChainID, unixNano int64, nodeID string) types.Hash {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(unixNano))
	return crypto.HashParts(chainID[:], ts[:], []byte(nodeID))
}

// signHandshake fills the identity fields of hs and signs its token.
func (id *Identity) signHandshake(hs *Handshake, now time.Time) error {
	hs.NodeID = id.nodeID
	hs.Key = id.publicKey
	hs.Time = now.UnixNano()
	hs.Token = handshakeToken(hs.ChainID, hs.Time, hs.NodeID)
	sig, err := id.key.Sign(hs.Token[:])
	if err != nil {
		return fmt.Errorf("sign handshake: %w", err)
	}
	hs.Signature = hex.EncodeToString(sig)
	return nil
}

// verifyIdentity checks that the node id derives from the declared key
// and that the token signature is valid.
func verifyIdentity(hs *Handshake) error {
	pub, err := hex.DecodeString(hs.Key)
	if err != nil || len(pub) != crypto.PublicKeySize {
		return fmt.Errorf("malformed key %q", hs.Key)
	}
	if !crypto.NodeIDMatches(hs.NodeID, pub) {
		return fmt.Errorf("node id %s does not match key", hs.NodeID)
	}
	if hs.Token != handshakeToken(hs.ChainID, hs.Time, hs.NodeID) {
		return fmt.Errorf("token mismatch")
	}
	sig, err := hex.DecodeString(hs.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature")
	}
	if !crypto.VerifySignature(hs.Token[:], sig, pub) {
		return fmt.Errorf("bad signature")
	}
	return nil
}

// handshakeError is a rejected handshake with the go-away reason to send.
type handshakeError struct {
	reason GoAwayReason
	msg    string
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.msg)
}

func (e *handshakeError) Unwrap() error { return ErrProtocol }

// offense reports whether the rejection should count against the IP.
func (e *handshakeError) offense() bool {
	switch e.reason {
	case ReasonWrongChain, ReasonAuthentication, ReasonProtocol:
		return true
	}
	return false
}

func rejectHandshake(reason GoAwayReason, format string, args ...any) *handshakeError {
	return &handshakeError{reason: reason, msg: fmt.Sprintf(format, args...)}
}

// localHandshake builds and signs this relay's handshake.
func (m *Manager) localHandshake() (*Handshake, error) {
	hs := &Handshake{
		NetworkVersion: NetworkVersion,
		ChainID:        m.cfg.ChainID,
		Address:        m.cfg.Address,
		Agent:          m.cfg.Agent,
	}
	if m.status != nil {
		hs.Head, hs.LIB = m.status()
	}
	if err := m.identity.signHandshake(hs, m.clock.Now()); err != nil {
		return nil, err
	}
	return hs, nil
}

// validateHandshake decides whether a peer may stay connected. Key policy
// only applies to inbound peers.
func (m *Manager) validateHandshake(ctx context.Context, c *Conn, hs *Handshake) *handshakeError {
	if hs.ChainID != m.cfg.PeerChainID {
		return rejectHandshake(ReasonWrongChain, "peer chain %s, want %s", hs.ChainID.String()[:16], m.cfg.PeerChainID.String()[:16])
	}
	if m.cfg.NetworkVersionMatch && hs.NetworkVersion != NetworkVersion {
		return rejectHandshake(ReasonWrongVersion, "peer version %d, want %d", hs.NetworkVersion, NetworkVersion)
	}
	if hs.NodeID == m.identity.NodeID() {
		return rejectHandshake(ReasonSelf, "connected to self")
	}

	if c.Direction() == Inbound && m.cfg.Policy.RequiresKey() {
		if err := verifyIdentity(hs); err != nil {
			return rejectHandshake(ReasonAuthentication, "%v", err)
		}
		if !m.keyAllowed(ctx, hs.Key) {
			return rejectHandshake(ReasonAuthentication, "key %s not allowed", hs.Key)
		}
		if err := m.checkFresh(hs); err != nil {
			return rejectHandshake(ReasonAuthentication, "%v", err)
		}
	} else if hs.Signature != "" {
		if err := verifyIdentity(hs); err != nil {
			return rejectHandshake(ReasonAuthentication, "%v", err)
		}
	}
	return nil
}

func (m *Manager) keyAllowed(ctx context.Context, key string) bool {
	key, err := crypto.ParsePublicKeyHex(key)
	if err != nil {
		return false
	}
	if m.cfg.Policy.Has(PolicySpecified) {
		if _, ok := m.allowedKeys[key]; ok {
			return true
		}
	}
	if m.cfg.Policy.Has(PolicyProducers) && m.producerKeys != nil {
		keys, err := m.producerKeys(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Producer keys unavailable")
			return false
		}
		for _, k := range keys {
			if canon, err := crypto.ParsePublicKeyHex(k); err == nil && canon == key {
				return true
			}
		}
	}
	return false
}

// checkFresh rejects an authenticated handshake dated further than the
// handshake timeout from now, or not later than the last one accepted
// from the same node.
func (m *Manager) checkFresh(hs *Handshake) error {
	at := time.Unix(0, hs.Time)
	skew := m.clock.Now().Sub(at)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.cfg.HandshakeTimeout {
		return fmt.Errorf("handshake time %s is %s off", at.UTC().Format(time.RFC3339), skew.Round(time.Second))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastAuth[hs.NodeID]; ok && hs.Time <= last {
		return fmt.Errorf("replayed handshake from %s", hs.NodeID)
	}
	m.lastAuth[hs.NodeID] = hs.Time
	return nil
}

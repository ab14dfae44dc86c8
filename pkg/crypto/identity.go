package crypto

import (
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeID derives the peer identity advertised in handshakes from a
// compressed secp256k1 public key.
func NodeID(publicKey []byte) (peer.ID, error) {
	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("derive peer id: %w", err)
	}
	return id, nil
}

// NodeIDMatches reports whether id was derived from publicKey.
func NodeIDMatches(id string, publicKey []byte) bool {
	pid, err := peer.Decode(id)
	if err != nil {
		return false
	}
	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(publicKey)
	if err != nil {
		return false
	}
	return pid.MatchesPublicKey(pub)
}

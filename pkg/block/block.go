// Package block defines the block record exchanged between relays.
package block

import (
	"encoding/binary"
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Block is a finalized block of one chain as carried to the other side.
// The payload is the signed block exactly as the producing chain serialized
// it. The relay does not interpret it beyond hashing.
type Block struct {
	Num       uint64     `json:"num"`
	ID        types.Hash `json:"id"`
	Previous  types.Hash `json:"previous"`
	Timestamp int64      `json:"timestamp"` // unix milliseconds
	Producer  types.Name `json:"producer"`
	Payload   []byte     `json:"payload"`
}

// New builds a block record and derives its id from num and payload.
func New(num uint64, previous types.Hash, ts time.Time, producer types.Name, payload []byte) *Block {
	return &Block{
		Num:       num,
		ID:        ComputeID(num, payload),
		Previous:  previous,
		Timestamp: ts.UnixMilli(),
		Producer:  producer,
		Payload:   payload,
	}
}

// ComputeID hashes the payload and stamps the block number into the first
// four bytes, so the number can be recovered from the id alone.
func ComputeID(num uint64, payload []byte) types.Hash {
	id := crypto.Hash(payload)
	binary.BigEndian.PutUint32(id[:4], uint32(num))
	return id
}

// Time returns the block timestamp.
func (b *Block) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Size approximates the encoded size of the block. It is used to decide
// whether a block is pushed inline or announced with a notice.
func (b *Block) Size() int {
	return 8 + 2*types.HashSize + 8 + 8 + len(b.Payload)
}

// Package tx defines the transactions the relay submits to its local chain:
// actions, the unsigned envelope, and the signed and packed forms.
package tx

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Action is one contract call inside a transaction. Data is the binary
// encoding of the action's arguments.
type Action struct {
	Account       types.Name              `json:"account"`
	Name          types.Name              `json:"name"`
	Authorization []types.PermissionLevel `json:"authorization"`
	Data          types.HexBytes          `json:"data"`
}

// Header carries the expiration and TaPoS reference fields.
type Header struct {
	Expiration       uint32 `json:"expiration"` // unix seconds
	RefBlockNum      uint16 `json:"ref_block_num"`
	RefBlockPrefix   uint32 `json:"ref_block_prefix"`
	MaxNetUsageWords uint32 `json:"max_net_usage_words"`
	MaxCPUUsageMs    uint8  `json:"max_cpu_usage_ms"`
	DelaySec         uint32 `json:"delay_sec"`
}

// Transaction is an unsigned transaction.
type Transaction struct {
	Header
	ContextFreeActions []Action `json:"context_free_actions"`
	Actions            []Action `json:"actions"`
}

// SetExpiration sets the expiration, truncated to whole seconds.
func (t *Transaction) SetExpiration(at time.Time) {
	t.Expiration = uint32(at.Unix())
}

// ExpiresAt returns the expiration time.
func (t *Transaction) ExpiresAt() time.Time {
	return time.Unix(int64(t.Expiration), 0).UTC()
}

// SetReferenceBlock binds the transaction to a block: the low 16 bits of
// the block number and 32 bits of the block id.
func (t *Transaction) SetReferenceBlock(id types.Hash) {
	t.RefBlockNum = uint16(id.BlockNum())
	t.RefBlockPrefix = binary.LittleEndian.Uint32(id[8:12])
}

// Serialize returns the canonical binary encoding.
func (t *Transaction) Serialize() []byte {
	e := NewEncoder()
	e.Uint32(t.Expiration)
	e.Uint16(t.RefBlockNum)
	e.Uint32(t.RefBlockPrefix)
	e.Varuint32(t.MaxNetUsageWords)
	e.Uint8(t.MaxCPUUsageMs)
	e.Varuint32(t.DelaySec)
	encodeActions(e, t.ContextFreeActions)
	encodeActions(e, t.Actions)
	e.Varuint32(0) // extensions
	return e.Bytes()
}

func encodeActions(e *Encoder, actions []Action) {
	e.Varuint32(uint32(len(actions)))
	for _, a := range actions {
		e.Name(a.Account)
		e.Name(a.Name)
		e.Varuint32(uint32(len(a.Authorization)))
		for _, p := range a.Authorization {
			e.Name(p.Actor)
			e.Name(p.Permission)
		}
		e.LenBytes(a.Data)
	}
}

// Deserialize decodes a transaction produced by Serialize.
func Deserialize(b []byte) (*Transaction, error) {
	d := NewDecoder(b)
	t := &Transaction{}
	var err error
	if t.Expiration, err = d.Uint32(); err != nil {
		return nil, err
	}
	if t.RefBlockNum, err = d.Uint16(); err != nil {
		return nil, err
	}
	if t.RefBlockPrefix, err = d.Uint32(); err != nil {
		return nil, err
	}
	if t.MaxNetUsageWords, err = d.Varuint32(); err != nil {
		return nil, err
	}
	if t.MaxCPUUsageMs, err = d.Uint8(); err != nil {
		return nil, err
	}
	if t.DelaySec, err = d.Varuint32(); err != nil {
		return nil, err
	}
	if t.ContextFreeActions, err = decodeActions(d); err != nil {
		return nil, fmt.Errorf("context free actions: %w", err)
	}
	if t.Actions, err = decodeActions(d); err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	ext, err := d.Varuint32()
	if err != nil {
		return nil, err
	}
	if ext != 0 || d.Remaining() != 0 {
		return nil, fmt.Errorf("unexpected trailing data in transaction")
	}
	return t, nil
}

func decodeActions(d *Decoder) ([]Action, error) {
	n, err := d.Varuint32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.Remaining() {
		return nil, fmt.Errorf("%w: %d actions", ErrShortBuffer, n)
	}
	actions := make([]Action, 0, n)
	for i := uint32(0); i < n; i++ {
		var a Action
		if a.Account, err = d.Name(); err != nil {
			return nil, err
		}
		if a.Name, err = d.Name(); err != nil {
			return nil, err
		}
		auths, err := d.Varuint32()
		if err != nil {
			return nil, err
		}
		if int(auths) > d.Remaining() {
			return nil, fmt.Errorf("%w: %d authorizations", ErrShortBuffer, auths)
		}
		for j := uint32(0); j < auths; j++ {
			var p types.PermissionLevel
			if p.Actor, err = d.Name(); err != nil {
				return nil, err
			}
			if p.Permission, err = d.Name(); err != nil {
				return nil, err
			}
			a.Authorization = append(a.Authorization, p)
		}
		if a.Data, err = d.LenBytes(); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ID returns the transaction id: the hash of the serialized transaction.
func (t *Transaction) ID() types.Hash {
	return crypto.Hash(t.Serialize())
}

// SigningDigest is the digest every required key signs. It commits to the
// chain id so a signature is not replayable on another chain.
func (t *Transaction) SigningDigest(chainID types.ChainID) types.Hash {
	var cfdDigest types.Hash
	return crypto.HashParts(chainID[:], t.Serialize(), cfdDigest[:])
}

// SignedTransaction is a transaction plus its hex-encoded signatures.
type SignedTransaction struct {
	Transaction
	Signatures []string `json:"signatures"`
}

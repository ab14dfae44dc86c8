// Package chain defines what the relay needs from the host chain node:
// read access to its state, transaction submission and block events.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-icp/internal/abi"
	"github.com/Klingon-tech/klingnet-icp/pkg/block"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Errors returned by chain collaborators.
var (
	ErrUnknownAbi   = errors.New("contract has no interface")
	ErrBlockMissing = errors.New("block not available")
)

// ReadMode is the host node's database read mode.
type ReadMode string

// Read modes reported by the host node.
const (
	ReadModeSpeculative  ReadMode = "speculative"
	ReadModeHead         ReadMode = "head"
	ReadModeReadOnly     ReadMode = "read-only"
	ReadModeIrreversible ReadMode = "irreversible"
)

// ParseReadMode validates s.
func ParseReadMode(s string) (ReadMode, error) {
	switch m := ReadMode(s); m {
	case ReadModeSpeculative, ReadModeHead, ReadModeReadOnly, ReadModeIrreversible:
		return m, nil
	}
	return "", fmt.Errorf("unknown read mode %q", s)
}

// TracksIrreversibility reports whether irreversible-block events are
// delivered in this mode. An irreversible-mode node never sees a block
// before it is final, so it cannot report both.
func (m ReadMode) TracksIrreversibility() bool {
	return m != ReadModeIrreversible
}

// HeadInfo is a snapshot of the host chain's head.
type HeadInfo struct {
	ChainID                  types.ChainID `json:"chain_id"`
	HeadBlockNum             uint64        `json:"head_block_num"`
	HeadBlockID              types.Hash    `json:"head_block_id"`
	HeadBlockTime            time.Time     `json:"head_block_time"`
	LastIrreversibleBlockNum uint64        `json:"last_irreversible_block_num"`
	LastIrreversibleBlockID  types.Hash    `json:"last_irreversible_block_id"`
}

// Query is read access to the host chain.
type Query interface {
	// ResolveInterface returns the contract interface of account, or
	// ErrUnknownAbi when the account has none.
	ResolveInterface(ctx context.Context, account types.Name) (*abi.Description, error)
	HeadInfo(ctx context.Context) (*HeadInfo, error)
	// FetchBlockByNumber returns ErrBlockMissing when n is not known.
	FetchBlockByNumber(ctx context.Context, n uint64) (*block.Block, error)
	// RequiredKeys returns the subset of available needed to authorize t.
	RequiredKeys(ctx context.Context, t *tx.Transaction, available []string) ([]string, error)
	// ProducerKeys returns the signing keys of the active producer schedule.
	ProducerKeys(ctx context.Context) ([]string, error)
	ReadMode(ctx context.Context) (ReadMode, error)
}

// TxStatus is the outcome of an applied transaction.
type TxStatus string

// Transaction outcomes.
const (
	StatusExecuted TxStatus = "executed"
	StatusSoftFail TxStatus = "soft_fail"
	StatusHardFail TxStatus = "hard_fail"
	StatusExpired  TxStatus = "expired"
)

// Trace describes an applied transaction.
type Trace struct {
	ID        types.Hash `json:"id"`
	BlockNum  uint64     `json:"block_num"`
	BlockTime time.Time  `json:"block_time"`
	Status    TxStatus   `json:"status"`
	Except    string     `json:"except,omitempty"`
}

// Succeeded reports whether the transaction executed.
func (t *Trace) Succeeded() bool {
	return t != nil && t.Status == StatusExecuted
}

// Submitter hands packed transactions to the host node.
type Submitter interface {
	// Submit returns immediately. done is called exactly once, from any
	// goroutine, with the trace or the failure.
	Submit(ctx context.Context, p *tx.PackedTransaction, done func(*Trace, error))
}

// BlockEvent announces an accepted or irreversible block.
type BlockEvent struct {
	Num          uint64       `json:"num"`
	ID           types.Hash   `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	Transactions []types.Hash `json:"transactions,omitempty"`
}

// Subscription is a registered event handler.
type Subscription interface {
	Unsubscribe()
}

// Events delivers host chain signals. Handlers run on the emitter's
// goroutine and must return quickly.
type Events interface {
	OnAppliedTransaction(fn func(*Trace)) Subscription
	OnAcceptedBlock(fn func(*BlockEvent)) Subscription
	OnIrreversibleBlock(fn func(*BlockEvent)) Subscription
}

// Host bundles every collaborator the relay core uses.
type Host interface {
	Query
	Submitter
	Events
}

package tx

import (
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{}}
}

// AddAction appends an action.
func (b *Builder) AddAction(a Action) *Builder {
	b.tx.Actions = append(b.tx.Actions, a)
	return b
}

// SetExpiration sets the expiration time.
func (b *Builder) SetExpiration(at time.Time) *Builder {
	b.tx.SetExpiration(at)
	return b
}

// SetReferenceBlock binds the transaction to the given block id.
func (b *Builder) SetReferenceBlock(id types.Hash) *Builder {
	b.tx.SetReferenceBlock(id)
	return b
}

// SetLimits sets the resource limits. Zero means no explicit limit.
func (b *Builder) SetLimits(maxNetWords uint32, maxCPUMs uint8) *Builder {
	b.tx.MaxNetUsageWords = maxNetWords
	b.tx.MaxCPUUsageMs = maxCPUMs
	return b
}

// Build returns the built transaction.
func (b *Builder) Build() *Transaction {
	return b.tx
}

package block

import (
	"errors"
	"fmt"
)

// MaxPayloadSize bounds a single block payload.
const MaxPayloadSize = 4 << 20

// Validation errors.
var (
	ErrNilBlock         = errors.New("nil block")
	ErrZeroNumber       = errors.New("block number is zero")
	ErrBadID            = errors.New("block id mismatch")
	ErrEmptyPayload     = errors.New("block payload is empty")
	ErrPayloadTooLarge  = errors.New("block payload too large")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrPreviousMismatch = errors.New("block does not link to previous")
)

// Validate checks the block record for internal consistency.
func (b *Block) Validate() error {
	if b == nil {
		return ErrNilBlock
	}
	if b.Num == 0 {
		return ErrZeroNumber
	}
	if b.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(b.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(b.Payload), MaxPayloadSize)
	}
	if want := ComputeID(b.Num, b.Payload); b.ID != want {
		return fmt.Errorf("%w: block %d has %s, want %s", ErrBadID, b.Num, b.ID.Short(), want.Short())
	}
	return nil
}

// LinksTo reports whether b directly follows prev.
func (b *Block) LinksTo(prev *Block) error {
	if prev == nil {
		return nil
	}
	if b.Num != prev.Num+1 || b.Previous != prev.ID {
		return fmt.Errorf("%w: %d does not follow %d", ErrPreviousMismatch, b.Num, prev.Num)
	}
	return nil
}

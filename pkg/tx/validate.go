package tx

import (
	"errors"
	"fmt"
)

// MaxActions bounds the number of actions in one relay transaction.
const MaxActions = 64

// Validation errors.
var (
	ErrNoActions        = errors.New("transaction has no actions")
	ErrTooManyActions   = errors.New("too many actions")
	ErrNoAuthorization  = errors.New("action has no authorization")
	ErrZeroExpiration   = errors.New("transaction expiration not set")
	ErrEmptyActionNames = errors.New("action account or name is empty")
)

// Validate checks the transaction structure before signing.
func (t *Transaction) Validate() error {
	if len(t.Actions) == 0 {
		return ErrNoActions
	}
	if len(t.Actions) > MaxActions {
		return fmt.Errorf("%w: %d, max %d", ErrTooManyActions, len(t.Actions), MaxActions)
	}
	if t.Expiration == 0 {
		return ErrZeroExpiration
	}
	for i, a := range t.Actions {
		if a.Account.IsEmpty() || a.Name.IsEmpty() {
			return fmt.Errorf("action %d: %w", i, ErrEmptyActionNames)
		}
		if len(a.Authorization) == 0 {
			return fmt.Errorf("action %d (%s::%s): %w", i, a.Account, a.Name, ErrNoAuthorization)
		}
	}
	return nil
}

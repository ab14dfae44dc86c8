// Package wallet provides the signing collaborators of the relay: a
// client for a remote wallet service and a local encrypted keystore.
package wallet

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// ErrKeyNotFound is returned when asked to sign with a key the wallet
// does not hold.
var ErrKeyNotFound = errors.New("key not in wallet")

// Signer lists keys and signs transactions.
type Signer interface {
	PublicKeys(ctx context.Context) ([]string, error)
	SignTransaction(ctx context.Context, t *tx.Transaction, keys []string, chainID types.ChainID) (*tx.SignedTransaction, error)
}

package wallet

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-icp/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Wallet service JSON-RPC methods.
const (
	MethodGetPublicKeys   = "wallet_getPublicKeys"
	MethodSignTransaction = "wallet_signTransaction"
)

// Remote is a Signer backed by a wallet service.
type Remote struct {
	rpc *rpcclient.Client
}

// NewRemote creates a remote signer.
func NewRemote(rpc *rpcclient.Client) *Remote {
	return &Remote{rpc: rpc}
}

// PublicKeys implements Signer.
func (r *Remote) PublicKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := r.rpc.CallContext(ctx, MethodGetPublicKeys, nil, &keys); err != nil {
		return nil, fmt.Errorf("wallet public keys: %w", err)
	}
	return keys, nil
}

type signParams struct {
	Transaction *tx.Transaction `json:"transaction"`
	Keys        []string        `json:"keys"`
	ChainID     types.ChainID   `json:"chain_id"`
}

// SignTransaction implements Signer.
func (r *Remote) SignTransaction(ctx context.Context, t *tx.Transaction, keys []string, chainID types.ChainID) (*tx.SignedTransaction, error) {
	var signed tx.SignedTransaction
	params := signParams{Transaction: t, Keys: keys, ChainID: chainID}
	if err := r.rpc.CallContext(ctx, MethodSignTransaction, params, &signed); err != nil {
		return nil, fmt.Errorf("wallet sign: %w", err)
	}
	if len(signed.Signatures) != len(keys) {
		return nil, fmt.Errorf("wallet returned %d signatures for %d keys", len(signed.Signatures), len(keys))
	}
	return &signed, nil
}

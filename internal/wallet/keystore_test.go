package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

func testTx() *tx.Transaction {
	return tx.NewBuilder().AddAction(tx.Action{
		Account:       types.MustName("cochainioicp"),
		Name:          types.MustName("addnode"),
		Authorization: []types.PermissionLevel{{Actor: types.MustName("cochainrelay"), Permission: types.MustName("active")}},
		Data:          []byte{1, 2, 3},
	}).Build()
}

func TestKeystore_ImportUnlockSign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.keystore")
	ks, err := CreateKeystore(path)
	if err != nil {
		t.Fatalf("CreateKeystore() error: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pub, err := ks.Import(key, []byte("pw"), fastParams())
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if _, err := ks.Import(key, []byte("pw"), fastParams()); err == nil {
		t.Error("second Import() of the same key should fail")
	}

	reopened, err := OpenKeystore(path)
	if err != nil {
		t.Fatalf("OpenKeystore() error: %v", err)
	}
	if keys := reopened.PublicKeys(); len(keys) != 1 || keys[0] != pub {
		t.Fatalf("PublicKeys() = %v, want [%s]", keys, pub)
	}

	signer, err := reopened.Unlock([]byte("pw"))
	if err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	defer signer.Lock()

	var chainID types.ChainID
	chainID[0] = 7
	trx := testTx()
	signed, err := signer.SignTransaction(context.Background(), trx, []string{pub}, chainID)
	if err != nil {
		t.Fatalf("SignTransaction() error: %v", err)
	}
	if len(signed.Signatures) != 1 {
		t.Fatalf("signatures = %d, want 1", len(signed.Signatures))
	}
	sig, _ := hex.DecodeString(signed.Signatures[0])
	digest := trx.SigningDigest(chainID)
	if !crypto.VerifySignature(digest[:], sig, key.PublicKey()) {
		t.Error("signature does not verify")
	}
}

func TestKeystore_WrongPassword(t *testing.T) {
	ks, err := CreateKeystore(filepath.Join(t.TempDir(), "k"))
	if err != nil {
		t.Fatalf("CreateKeystore() error: %v", err)
	}
	key, _ := crypto.GenerateKey()
	if _, err := ks.Import(key, []byte("pw"), fastParams()); err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if _, err := ks.Unlock([]byte("nope")); !errors.Is(err, ErrBadPassword) {
		t.Errorf("Unlock() error = %v, want ErrBadPassword", err)
	}
}

func TestKeystore_CreateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k")
	if _, err := CreateKeystore(path); err != nil {
		t.Fatalf("CreateKeystore() error: %v", err)
	}
	if _, err := CreateKeystore(path); err == nil {
		t.Error("CreateKeystore() over an existing file should fail")
	}
}

func TestLocalSigner_UnknownKey(t *testing.T) {
	ks, _ := CreateKeystore(filepath.Join(t.TempDir(), "k"))
	signer, err := ks.Unlock([]byte("pw"))
	if err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	_, err = signer.SignTransaction(context.Background(), testTx(), []string{"02abcd"}, types.ChainID{})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("SignTransaction() error = %v, want ErrKeyNotFound", err)
	}
}

func TestLocalSigner_Lock(t *testing.T) {
	ks, _ := CreateKeystore(filepath.Join(t.TempDir(), "k"))
	key, _ := crypto.GenerateKey()
	ks.Import(key, []byte("pw"), fastParams())
	signer, err := ks.Unlock([]byte("pw"))
	if err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	signer.Lock()
	keys, _ := signer.PublicKeys(context.Background())
	if len(keys) != 0 {
		t.Errorf("PublicKeys() after Lock = %v, want none", keys)
	}
}

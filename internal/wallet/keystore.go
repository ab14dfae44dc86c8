package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

const keystoreVersion = 1

// keystoreFile is the on-disk JSON format.
type keystoreFile struct {
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	Keys      []keyEntry `json:"keys"`
}

type keyEntry struct {
	PublicKey    string    `json:"public_key"`
	EncryptedKey []byte    `json:"encrypted_key"`
	AddedAt      time.Time `json:"added_at"`
}

// Keystore is a file of password-sealed signing keys.
type Keystore struct {
	path string

	mu sync.Mutex
	kf keystoreFile
}

// CreateKeystore writes an empty keystore at path. It fails if the file
// already exists.
func CreateKeystore(path string) (*Keystore, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("keystore %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	ks := &Keystore{
		path: path,
		kf:   keystoreFile{Version: keystoreVersion, CreatedAt: time.Now().UTC(), Keys: []keyEntry{}},
	}
	if err := ks.save(); err != nil {
		return nil, err
	}
	return ks, nil
}

// OpenKeystore reads an existing keystore.
func OpenKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if kf.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", kf.Version)
	}
	return &Keystore{path: path, kf: kf}, nil
}

// Path returns the keystore file path.
func (ks *Keystore) Path() string {
	return ks.path
}

// PublicKeys returns the hex public keys held, sorted.
func (ks *Keystore) PublicKeys() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]string, len(ks.kf.Keys))
	for i, e := range ks.kf.Keys {
		out[i] = e.PublicKey
	}
	sort.Strings(out)
	return out
}

// Import seals key under password and adds it. Importing a key twice is
// an error.
func (ks *Keystore) Import(key *crypto.PrivateKey, password []byte, params EncryptionParams) (string, error) {
	pub := key.PublicKeyHex()

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, e := range ks.kf.Keys {
		if e.PublicKey == pub {
			return "", fmt.Errorf("key %s already imported", pub)
		}
	}
	sealed, err := Encrypt(key.Serialize(), password, params)
	if err != nil {
		return "", fmt.Errorf("seal key: %w", err)
	}
	ks.kf.Keys = append(ks.kf.Keys, keyEntry{PublicKey: pub, EncryptedKey: sealed, AddedAt: time.Now().UTC()})
	if err := ks.save(); err != nil {
		ks.kf.Keys = ks.kf.Keys[:len(ks.kf.Keys)-1]
		return "", err
	}
	return pub, nil
}

// Unlock opens every key with password and returns a signer holding them.
func (ks *Keystore) Unlock(password []byte) (*LocalSigner, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	s := &LocalSigner{keys: make(map[string]*crypto.PrivateKey, len(ks.kf.Keys))}
	for _, e := range ks.kf.Keys {
		raw, err := Decrypt(e.EncryptedKey, password)
		if err != nil {
			s.Lock()
			return nil, fmt.Errorf("unlock %s: %w", e.PublicKey, err)
		}
		key, err := crypto.PrivateKeyFromBytes(raw)
		clear(raw)
		if err != nil {
			s.Lock()
			return nil, fmt.Errorf("unlock %s: %w", e.PublicKey, err)
		}
		if key.PublicKeyHex() != e.PublicKey {
			s.Lock()
			return nil, fmt.Errorf("unlock %s: stored public key mismatch", e.PublicKey)
		}
		s.keys[e.PublicKey] = key
	}
	return s, nil
}

func (ks *Keystore) save() error {
	data, err := json.MarshalIndent(&ks.kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("rename keystore: %w", err)
	}
	return nil
}

// LocalSigner signs with unlocked keystore keys.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]*crypto.PrivateKey
}

// PublicKeys implements Signer.
func (s *LocalSigner) PublicKeys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for pub := range s.keys {
		out = append(out, pub)
	}
	sort.Strings(out)
	return out, nil
}

// SignTransaction implements Signer. Every listed key must be held.
func (s *LocalSigner) SignTransaction(_ context.Context, t *tx.Transaction, keys []string, chainID types.ChainID) (*tx.SignedTransaction, error) {
	digest := t.SigningDigest(chainID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	signed := &tx.SignedTransaction{Transaction: *t, Signatures: make([]string, 0, len(keys))}
	for _, pub := range keys {
		key, ok := s.keys[pub]
		if !ok {
			return nil, fmt.Errorf("%s: %w", pub, ErrKeyNotFound)
		}
		sig, err := key.Sign(digest[:])
		if err != nil {
			return nil, fmt.Errorf("sign with %s: %w", pub, err)
		}
		signed.Signatures = append(signed.Signatures, hex.EncodeToString(sig))
	}
	return signed, nil
}

// Lock zeroes and drops every key.
func (s *LocalSigner) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pub, key := range s.keys {
		key.Zero()
		delete(s.keys, pub)
	}
}

package wallet

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the length of the random Argon2id salt.
const SaltSize = 32

// A sealed key is laid out as
//
//	salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
const headerSize = SaltSize + 4 + 4 + 1

// ErrBadPassword is returned when a sealed key does not open.
var ErrBadPassword = errors.New("wrong password or corrupted key")

// EncryptionParams holds Argon2id parameters.
type EncryptionParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the parameters used for new keystores.
func DefaultParams() EncryptionParams {
	return EncryptionParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

func (p EncryptionParams) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, p.Memory)
	b = binary.LittleEndian.AppendUint32(b, p.Iterations)
	return append(b, p.Parallelism)
}

func readParams(b []byte) EncryptionParams {
	return EncryptionParams{
		Memory:      binary.LittleEndian.Uint32(b[0:4]),
		Iterations:  binary.LittleEndian.Uint32(b[4:8]),
		Parallelism: b[8],
	}
}

func newAEAD(password, salt []byte, p EncryptionParams) (cipher.AEAD, func(), error) {
	key := argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
	wipe := func() { clear(key) }
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, wipe, nil
}

// Encrypt seals data under password with Argon2id and XChaCha20-Poly1305.
func Encrypt(data, password []byte, params EncryptionParams) ([]byte, error) {
	out := make([]byte, SaltSize, headerSize+chacha20poly1305.NonceSizeX+len(data)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	salt := out[:SaltSize]
	out = params.appendTo(out)

	aead, wipe, err := newAEAD(password, salt, params)
	if err != nil {
		return nil, err
	}
	defer wipe()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data sealed by Encrypt.
func Decrypt(sealed, password []byte) ([]byte, error) {
	nonceEnd := headerSize + chacha20poly1305.NonceSizeX
	if len(sealed) < nonceEnd+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed key too short: %d bytes", len(sealed))
	}

	aead, wipe, err := newAEAD(password, sealed[:SaltSize], readParams(sealed[SaltSize:headerSize]))
	if err != nil {
		return nil, err
	}
	defer wipe()

	plain, err := aead.Open(nil, sealed[headerSize:nonceEnd], sealed[nonceEnd:], nil)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plain, nil
}

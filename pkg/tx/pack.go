package tx

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/Klingon-tech/klingnet-icp/pkg/types"
	"github.com/klauspost/compress/zlib"
)

// maxUnpackedSize bounds decompression of a packed transaction.
const maxUnpackedSize = 8 << 20

// Compression selects how the serialized transaction is packed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZlib
)

// ParseCompression accepts "none" or "zlib".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want none or zlib)", s)
}

// String returns the option name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(b []byte) error {
	parsed, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// PackedTransaction is the submission form of a signed transaction.
type PackedTransaction struct {
	Signatures  []string       `json:"signatures"`
	Compression Compression    `json:"compression"`
	PackedTrx   types.HexBytes `json:"packed_trx"`
}

// Pack serializes and optionally compresses a signed transaction.
func Pack(st *SignedTransaction, c Compression) (*PackedTransaction, error) {
	raw := st.Transaction.Serialize()
	packed := &PackedTransaction{
		Signatures:  append([]string(nil), st.Signatures...),
		Compression: c,
	}
	switch c {
	case CompressionNone:
		packed.PackedTrx = raw
	case CompressionZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		packed.PackedTrx = buf.Bytes()
	default:
		return nil, fmt.Errorf("pack: unsupported compression %d", c)
	}
	return packed, nil
}

// Unpack restores the signed transaction.
func (p *PackedTransaction) Unpack() (*SignedTransaction, error) {
	raw, err := p.raw()
	if err != nil {
		return nil, err
	}
	t, err := Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	return &SignedTransaction{Transaction: *t, Signatures: append([]string(nil), p.Signatures...)}, nil
}

// ID returns the id of the packed transaction.
func (p *PackedTransaction) ID() (types.Hash, error) {
	st, err := p.Unpack()
	if err != nil {
		return types.Hash{}, err
	}
	return st.ID(), nil
}

func (p *PackedTransaction) raw() ([]byte, error) {
	switch p.Compression {
	case CompressionNone:
		return p.PackedTrx, nil
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(p.PackedTrx))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		raw, err := io.ReadAll(io.LimitReader(r, maxUnpackedSize+1))
		if err != nil {
			return nil, fmt.Errorf("zlib read: %w", err)
		}
		if len(raw) > maxUnpackedSize {
			return nil, fmt.Errorf("unpacked transaction exceeds %d bytes", maxUnpackedSize)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("unpack: unsupported compression %d", p.Compression)
}

package tx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-icp/pkg/types"
	"github.com/multiformats/go-varint"
)

// ErrShortBuffer is returned when a decoder runs out of input.
var ErrShortBuffer = errors.New("unexpected end of buffer")

// Encoder appends the little-endian binary form used for transactions
// and action data. Lengths and counts are varuint32.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) Uint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) Uint16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) Uint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) Uint64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// Bool encodes a boolean as one byte.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

// Varuint32 encodes an unsigned LEB128 length or count.
func (e *Encoder) Varuint32(v uint32) {
	e.buf = append(e.buf, varint.ToUvarint(uint64(v))...)
}

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// LenBytes appends a length-prefixed byte string.
func (e *Encoder) LenBytes(b []byte) {
	e.Varuint32(uint32(len(b)))
	e.Raw(b)
}

// Str appends a length-prefixed UTF-8 string.
func (e *Encoder) Str(s string) { e.LenBytes([]byte(s)) }

// Name appends a packed name.
func (e *Encoder) Name(n types.Name) { e.Uint64(uint64(n)) }

// Hash appends a 32-byte digest.
func (e *Encoder) Hash(h types.Hash) { e.Raw(h[:]) }

// Decoder reads values written by Encoder.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d at offset %d", ErrShortBuffer, n, d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Varuint32 reads an unsigned LEB128 value that must fit in 32 bits.
func (d *Decoder) Varuint32() (uint32, error) {
	v, n, err := varint.FromUvarint(d.buf[d.pos:])
	if err != nil {
		return 0, fmt.Errorf("varuint32 at offset %d: %w", d.pos, err)
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("varuint32 at offset %d overflows", d.pos)
	}
	d.pos += n
	return uint32(v), nil
}

// LenBytes reads a length-prefixed byte string.
func (d *Decoder) LenBytes() ([]byte, error) {
	n, err := d.Varuint32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Name reads a packed name.
func (d *Decoder) Name() (types.Name, error) {
	v, err := d.Uint64()
	return types.Name(v), err
}

// Hash reads a 32-byte digest.
func (d *Decoder) Hash() (types.Hash, error) {
	var h types.Hash
	b, err := d.take(types.HashSize)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

package abi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-icp/pkg/tx"
	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// EncodeAction encodes JSON arguments for action.
func (d *Description) EncodeAction(action types.Name, args json.RawMessage) ([]byte, error) {
	typ, ok := d.ActionType(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return d.Encode(typ, args)
}

// Encode encodes a JSON value as typ.
func (d *Description) Encode(typ string, value json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode arguments: %v", ErrEncode, err)
	}
	e := tx.NewEncoder()
	if err := d.encode(e, typ, v, 0); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

func (d *Description) encode(e *tx.Encoder, typ string, v any, depth int) error {
	if depth > maxTypeDepth {
		return fmt.Errorf("%w: nesting too deep", ErrEncode)
	}
	typ, err := d.resolve(typ)
	if err != nil {
		return err
	}

	if strings.HasSuffix(typ, "[]") {
		items, ok := v.([]any)
		if !ok {
			return typeErr(typ, v)
		}
		e.Varuint32(uint32(len(items)))
		for i, item := range items {
			if err := d.encode(e, strings.TrimSuffix(typ, "[]"), item, depth+1); err != nil {
				return fmt.Errorf("%s[%d]: %w", typ, i, err)
			}
		}
		return nil
	}
	if strings.HasSuffix(typ, "?") {
		if v == nil {
			e.Uint8(0)
			return nil
		}
		e.Uint8(1)
		return d.encode(e, strings.TrimSuffix(typ, "?"), v, depth+1)
	}

	if s, ok := d.structs[typ]; ok {
		obj, ok := v.(map[string]any)
		if !ok {
			return typeErr(typ, v)
		}
		return d.encodeStruct(e, s, obj, depth)
	}
	return encodeBuiltin(e, typ, v)
}

func (d *Description) encodeStruct(e *tx.Encoder, s *Struct, obj map[string]any, depth int) error {
	if s.Base != "" {
		base, ok := d.structs[s.Base]
		if !ok {
			return fmt.Errorf("%w: base %q of %q", ErrUnknownType, s.Base, s.Name)
		}
		if err := d.encodeStruct(e, base, obj, depth+1); err != nil {
			return err
		}
	}
	for _, f := range s.Fields {
		fv, ok := obj[f.Name]
		if !ok && !strings.HasSuffix(f.Type, "?") {
			return fmt.Errorf("%w: %s missing field %q", ErrEncode, s.Name, f.Name)
		}
		if err := d.encode(e, f.Type, fv, depth+1); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
	}
	return nil
}

func encodeBuiltin(e *tx.Encoder, typ string, v any) error {
	switch typ {
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return typeErr(typ, v)
		}
		e.Bool(b)
	case "uint8", "uint16", "uint32", "uint64", "varuint32":
		n, err := toUint(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
		}
		return putUint(e, typ, n)
	case "int8", "int16", "int32", "int64":
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
		}
		return putInt(e, typ, n)
	case "float64":
		f, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
		}
		e.Uint64(math.Float64bits(f))
	case "string":
		s, ok := v.(string)
		if !ok {
			return typeErr(typ, v)
		}
		e.Str(s)
	case "bytes":
		s, ok := v.(string)
		if !ok {
			return typeErr(typ, v)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: bytes: %v", ErrEncode, err)
		}
		e.LenBytes(b)
	case "name":
		s, ok := v.(string)
		if !ok {
			return typeErr(typ, v)
		}
		n, err := types.ParseName(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncode, err)
		}
		e.Name(n)
	case "checksum256":
		s, ok := v.(string)
		if !ok {
			return typeErr(typ, v)
		}
		h, err := types.HexToHash(s)
		if err != nil {
			return fmt.Errorf("%w: checksum256: %v", ErrEncode, err)
		}
		e.Hash(h)
	case "time_point_sec":
		sec, err := toSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: time_point_sec: %v", ErrEncode, err)
		}
		e.Uint32(sec)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return nil
}

func putUint(e *tx.Encoder, typ string, n uint64) error {
	limit := map[string]uint64{
		"uint8": math.MaxUint8, "uint16": math.MaxUint16, "uint32": math.MaxUint32,
		"varuint32": math.MaxUint32, "uint64": math.MaxUint64,
	}[typ]
	if n > limit {
		return fmt.Errorf("%w: %d overflows %s", ErrEncode, n, typ)
	}
	switch typ {
	case "uint8":
		e.Uint8(uint8(n))
	case "uint16":
		e.Uint16(uint16(n))
	case "uint32":
		e.Uint32(uint32(n))
	case "varuint32":
		e.Varuint32(uint32(n))
	default:
		e.Uint64(n)
	}
	return nil
}

func putInt(e *tx.Encoder, typ string, n int64) error {
	var lo, hi int64
	switch typ {
	case "int8":
		lo, hi = math.MinInt8, math.MaxInt8
	case "int16":
		lo, hi = math.MinInt16, math.MaxInt16
	case "int32":
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		lo, hi = math.MinInt64, math.MaxInt64
	}
	if n < lo || n > hi {
		return fmt.Errorf("%w: %d overflows %s", ErrEncode, n, typ)
	}
	switch typ {
	case "int8":
		e.Uint8(uint8(int8(n)))
	case "int16":
		e.Uint16(uint16(int16(n)))
	case "int32":
		e.Uint32(uint32(int32(n)))
	default:
		e.Uint64(uint64(n))
	}
	return nil
}

// Integers may arrive as JSON numbers or as decimal strings (64-bit values
// are commonly quoted).
func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 64)
	case string:
		return strconv.ParseUint(x, 10, 64)
	}
	return 0, fmt.Errorf("want unsigned integer, got %T", v)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return strconv.ParseInt(x.String(), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

func toSeconds(v any) (uint32, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			if t.Unix() < 0 || t.Unix() > math.MaxUint32 {
				return 0, fmt.Errorf("%s out of range", s)
			}
			return uint32(t.Unix()), nil
		}
	}
	n, err := toUint(v)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return uint32(n), nil
}

func typeErr(typ string, v any) error {
	return fmt.Errorf("%w: %s cannot hold %T", ErrEncode, typ, v)
}

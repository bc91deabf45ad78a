// Package entry implements the on-disk log record format: a CRC-checked,
// TTL-bearing record wrapping an opaque, deterministically serialized
// application value. yonwoo9/go-bitcask stores a raw []byte as the
// value; beetle generalizes that byte slice into a tagged value universe
// so RESP's richer reply types (maps, sets, sequences) round-trip
// through the log unharmed.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Kind discriminates the tagged value union.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBytes
	KindSequence
	KindMapping
	KindSet
)

// MapEntry is one key-value pair inside a Mapping value.
type MapEntry struct {
	Key Value
	Val Value
}

// Value is the tagged sum every value blob in the log (and every RESP
// reply) is built from: null | bool | int | float | bytes | sequence |
// mapping | set.
type Value struct {
	Kind Kind
	Bool bool
	Int  int64
	Flt  float64
	Raw  []byte
	Seq  []Value
	Map  []MapEntry
	Set  []Value
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(n int64) Value          { return Value{Kind: KindInt, Int: n} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Flt: f} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Raw: b} }
func BytesString(s string) Value { return Value{Kind: KindBytes, Raw: []byte(s)} }
func Sequence(xs []Value) Value  { return Value{Kind: KindSequence, Seq: xs} }
func Mapping(m []MapEntry) Value { return Value{Kind: KindMapping, Map: m} }
func SetOf(xs []Value) Value     { return Value{Kind: KindSet, Set: xs} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String returns the byte-string payload as a Go string; it is the
// caller's responsibility to know v is a KindBytes value.
func (v Value) String() string { return string(v.Raw) }

// ErrUnsupportedValue is returned by SerializeValue for a Value whose Kind
// is not one of the eight recognized tags (a programmer bug, never
// user-triggerable).
var ErrUnsupportedValue = errors.New("entry: unsupported value kind")

// SerializeValue deterministically encodes v into the value-blob format
// framed inside a log entry. Equal values always produce identical bytes,
// which is what makes the entry's CRC and merge-time comparison
// well-defined.
func SerializeValue(v Value) ([]byte, error) {
	buf := make([]byte, 0, 32)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		return buf, nil
	case KindBool:
		if v.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindInt:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Int))
		return append(buf, tmp[:]...), nil
	case KindFloat:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], floatBits(v.Flt))
		return append(buf, tmp[:]...), nil
	case KindBytes:
		return appendLenPrefixed(buf, v.Raw), nil
	case KindSequence:
		buf = appendUint32(buf, uint32(len(v.Seq)))
		var err error
		for _, x := range v.Seq {
			buf, err = appendValue(buf, x)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindSet:
		elems := make([][]byte, len(v.Set))
		for i, x := range v.Set {
			b, err := SerializeValue(x)
			if err != nil {
				return nil, err
			}
			elems[i] = b
		}
		sort.Slice(elems, func(i, j int) bool { return lessBytes(elems[i], elems[j]) })
		buf = appendUint32(buf, uint32(len(elems)))
		for _, b := range elems {
			buf = append(buf, b...)
		}
		return buf, nil
	case KindMapping:
		type kv struct{ kb, vb []byte }
		pairs := make([]kv, len(v.Map))
		for i, e := range v.Map {
			kb, err := SerializeValue(e.Key)
			if err != nil {
				return nil, err
			}
			vb, err := SerializeValue(e.Val)
			if err != nil {
				return nil, err
			}
			pairs[i] = kv{kb, vb}
		}
		sort.Slice(pairs, func(i, j int) bool { return lessBytes(pairs[i].kb, pairs[j].kb) })
		buf = appendUint32(buf, uint32(len(pairs)))
		for _, p := range pairs {
			buf = append(buf, p.kb...)
			buf = append(buf, p.vb...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedValue, v.Kind)
	}
}

// DeserializeValue parses a value blob produced by SerializeValue.
func DeserializeValue(b []byte) (Value, error) {
	v, n, err := readValue(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedValue, len(b)-n)
	}
	return v, nil
}

// ErrMalformedValue signals a value blob that is truncated or otherwise
// not well-formed.
var ErrMalformedValue = errors.New("entry: malformed value blob")

func readValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, ErrMalformedValue
	}
	kind := Kind(b[0])
	rest := b[1:]
	off := 1
	switch kind {
	case KindNull:
		return Null(), off, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, ErrMalformedValue
		}
		return Bool(rest[0] != 0), off + 1, nil
	case KindInt:
		if len(rest) < 8 {
			return Value{}, 0, ErrMalformedValue
		}
		return Int(int64(binary.BigEndian.Uint64(rest[:8]))), off + 8, nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, 0, ErrMalformedValue
		}
		return Float(bitsFloat(binary.BigEndian.Uint64(rest[:8]))), off + 8, nil
	case KindBytes:
		raw, n, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Bytes(raw), off + n, nil
	case KindSequence:
		if len(rest) < 4 {
			return Value{}, 0, ErrMalformedValue
		}
		count := binary.BigEndian.Uint32(rest[:4])
		p := rest[4:]
		consumed := 4
		xs := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			x, n, err := readValue(p)
			if err != nil {
				return Value{}, 0, err
			}
			xs = append(xs, x)
			p = p[n:]
			consumed += n
		}
		return Sequence(xs), off + consumed, nil
	case KindSet:
		if len(rest) < 4 {
			return Value{}, 0, ErrMalformedValue
		}
		count := binary.BigEndian.Uint32(rest[:4])
		p := rest[4:]
		consumed := 4
		xs := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			x, n, err := readValue(p)
			if err != nil {
				return Value{}, 0, err
			}
			xs = append(xs, x)
			p = p[n:]
			consumed += n
		}
		return SetOf(xs), off + consumed, nil
	case KindMapping:
		if len(rest) < 4 {
			return Value{}, 0, ErrMalformedValue
		}
		count := binary.BigEndian.Uint32(rest[:4])
		p := rest[4:]
		consumed := 4
		m := make([]MapEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			k, n, err := readValue(p)
			if err != nil {
				return Value{}, 0, err
			}
			p = p[n:]
			consumed += n
			val, n2, err := readValue(p)
			if err != nil {
				return Value{}, 0, err
			}
			p = p[n2:]
			consumed += n2
			m = append(m, MapEntry{Key: k, Val: val})
		}
		return Mapping(m), off + consumed, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag %d", ErrMalformedValue, kind)
	}
}

func appendUint32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readLenPrefixed(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, ErrMalformedValue
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	if n < 0 || len(b) < 4+n {
		return nil, 0, ErrMalformedValue
	}
	out := make([]byte, n)
	copy(out, b[4:4+n])
	return out, 4 + n, nil
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

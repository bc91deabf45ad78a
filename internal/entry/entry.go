package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/s2"
)

// HeaderSize is the fixed 20-byte header: 4 (crc32) + 8 (expiration_ms) +
// 4 (key_size) + 4 (value_size). yonwoo9/go-bitcask's headerSize
// constant covers the same fields but with a 32-bit timestamp; this uses
// a wider 64-bit expiration field instead.
const HeaderSize = 20

// TombstoneBlob is the designated sentinel value blob that marks a key as
// deleted. It deliberately bypasses the compression/serialization framing
// normal values go through so IsTombstone never needs to decompress or
// deserialize to recognize it.
var TombstoneBlob = []byte{0x00}

var (
	// ErrChecksumMismatch is returned by Decode when the recomputed CRC
	// does not match the stored one.
	ErrChecksumMismatch = errors.New("entry: checksum mismatch")
	// ErrMalformedEntry is returned by Decode for truncated or
	// structurally invalid records.
	ErrMalformedEntry = errors.New("entry: malformed entry")
)

// Entry is one decoded log record. Decode does not filter expired or
// tombstoned entries; that is the caller's duty so merge can still see
// them.
type Entry struct {
	Key          []byte
	ValueBlob    []byte // raw on-disk value bytes, still framed/compressed
	ExpirationMs int64
}

// Encode serializes value (compressing it with S2 first when compress is
// true) and frames it with key and expirationMs into a full log record:
// crc32 | expiration_ms | key_size | value_size | key | value blob.
func Encode(key []byte, value Value, expirationMs int64, compress bool) ([]byte, error) {
	serialized, err := SerializeValue(value)
	if err != nil {
		return nil, fmt.Errorf("entry: encode value: %w", err)
	}
	blob := frameValue(serialized, compress)
	return encodeRaw(key, blob, expirationMs), nil
}

// EncodeTombstone builds the sentinel deletion record for key.
func EncodeTombstone(key []byte) []byte {
	return encodeRaw(key, TombstoneBlob, 0)
}

func encodeRaw(key, valueBlob []byte, expirationMs int64) []byte {
	total := HeaderSize + len(key) + len(valueBlob)
	buf := make([]byte, total)

	binary.BigEndian.PutUint64(buf[4:12], uint64(expirationMs))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(valueBlob)))
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], valueBlob)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

// Decode parses one complete record. It requires len(b) to exactly match
// the record's declared size; callers that only know a record's start
// must first read HeaderSize bytes to compute that size (see
// internal/datafile.Scan).
func Decode(b []byte) (Entry, error) {
	if len(b) < HeaderSize {
		return Entry{}, ErrMalformedEntry
	}
	expirationMs := int64(binary.BigEndian.Uint64(b[4:12]))
	keySize := binary.BigEndian.Uint32(b[12:16])
	valueSize := binary.BigEndian.Uint32(b[16:20])
	if keySize == 0 {
		return Entry{}, fmt.Errorf("%w: zero key size", ErrMalformedEntry)
	}
	want := HeaderSize + int(keySize) + int(valueSize)
	if len(b) != want {
		return Entry{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedEntry, want, len(b))
	}

	gotCRC := binary.BigEndian.Uint32(b[0:4])
	wantCRC := crc32.ChecksumIEEE(b[4:])
	if gotCRC != wantCRC {
		return Entry{}, ErrChecksumMismatch
	}

	key := make([]byte, keySize)
	copy(key, b[HeaderSize:HeaderSize+keySize])
	valueBlob := make([]byte, valueSize)
	copy(valueBlob, b[HeaderSize+keySize:])

	return Entry{Key: key, ValueBlob: valueBlob, ExpirationMs: expirationMs}, nil
}

// RecordSize returns the total on-disk size of a record given its header,
// i.e. the 20 header bytes already read.
func RecordSize(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, ErrMalformedEntry
	}
	keySize := binary.BigEndian.Uint32(header[12:16])
	valueSize := binary.BigEndian.Uint32(header[16:20])
	return HeaderSize + int(keySize) + int(valueSize), nil
}

// IsExpired reports whether e's expiration deadline has passed.
func IsExpired(e Entry, nowMs int64) bool {
	return e.ExpirationMs != 0 && nowMs >= e.ExpirationMs
}

// IsTombstone reports whether e's value blob is the deletion sentinel.
func IsTombstone(e Entry) bool {
	return len(e.ValueBlob) == len(TombstoneBlob) && e.ValueBlob[0] == TombstoneBlob[0]
}

// DecodeValue unframes and deserializes e's value blob. Callers must not
// call this on a tombstone entry.
func DecodeValue(valueBlob []byte) (Value, error) {
	payload, err := unframeValue(valueBlob)
	if err != nil {
		return Value{}, err
	}
	return DeserializeValue(payload)
}

// frameValue prepends a one-byte compression flag and, when requested,
// S2-compresses the serialized payload. Grounded in AmrMurad1-Go-Store's
// sstable/writer.go, which S2-encodes each data block before it is
// written; beetle applies the same codec at value granularity instead of
// block granularity, and generalizes yonwoo9/go-bitcask's own zlib-based
// CompressData flag onto the faster S2 dependency.
func frameValue(serialized []byte, compress bool) []byte {
	if !compress {
		return append([]byte{0}, serialized...)
	}
	compressed := s2.Encode(nil, serialized)
	out := make([]byte, 1+len(compressed))
	out[0] = 1
	copy(out[1:], compressed)
	return out
}

func unframeValue(blob []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrMalformedEntry
	}
	flag, payload := blob[0], blob[1:]
	switch flag {
	case 0:
		return payload, nil
	case 1:
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: s2 decode: %v", ErrMalformedEntry, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression flag %d", ErrMalformedEntry, flag)
	}
}

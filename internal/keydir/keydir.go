// Package keydir implements the in-memory index from key to the
// location of its newest live record, plus the hints-file persistence
// that bounds restart time. Grounded in yonwoo9/go-bitcask's inline
// map[string]entry plus writeHintEntry/loadHintFile/rebuildHintFile
// (file.go); beetle pulls that logic into its own package so the store
// and the merge path share one implementation instead of a copy living
// directly on the Bitcask struct.
package keydir

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/beetledb/beetle/internal/datafile"
	"github.com/beetledb/beetle/internal/entry"
)

// Location is where the newest live record for a key lives.
type Location struct {
	FileID      int64
	ValuePos    int64
	ValueSize   int64
	TimestampMs int64
}

// Keydir is a concurrency-safe key -> Location index.
type Keydir struct {
	mu sync.RWMutex
	m  map[string]Location
}

// New returns an empty Keydir.
func New() *Keydir {
	return &Keydir{m: make(map[string]Location)}
}

// Put records (or overwrites) key's location.
func (k *Keydir) Put(key []byte, loc Location) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[string(key)] = loc
}

// Get looks up key's location.
func (k *Keydir) Get(key []byte) (Location, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	loc, ok := k.m[string(key)]
	return loc, ok
}

// Remove deletes key from the index.
func (k *Keydir) Remove(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, string(key))
}

// Keys returns every key currently indexed, in no particular order.
func (k *Keydir) Keys() [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([][]byte, 0, len(k.m))
	for s := range k.m {
		out = append(out, []byte(s))
	}
	return out
}

// Len reports how many keys are indexed.
func (k *Keydir) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.m)
}

// Snapshot returns a defensive copy of every (key, Location) pair,
// sorted by key, for callers (merge, persist) that need a stable view.
func (k *Keydir) Snapshot() []struct {
	Key []byte
	Loc Location
} {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]struct {
		Key []byte
		Loc Location
	}, 0, len(k.m))
	for s, loc := range k.m {
		out = append(out, struct {
			Key []byte
			Loc Location
		}{Key: []byte(s), Loc: loc})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Key) < string(out[j].Key)
	})
	return out
}

// hintRecordSize is key_size(4) + file_id(8) + value_pos(8) +
// value_size(8) + timestamp(8), followed by the raw key bytes.
const hintRecordSize = 36

// ErrFormat is returned by Load when the hints file is structurally
// invalid or contains an entry that fails Location's invariants
// (file_id >= 0, value_position >= 0, value_size > 0).
var ErrFormat = fmt.Errorf("keydir: malformed hints file")

// Persist writes a full snapshot of k to path, atomically (write to a
// temp file, then rename), so a crash mid-write never leaves a partial
// hints file that Load would choke on.
func (k *Keydir) Persist(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("keydir: create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, kv := range k.Snapshot() {
		rec := make([]byte, hintRecordSize)
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(kv.Key)))
		binary.BigEndian.PutUint64(rec[4:12], uint64(kv.Loc.FileID))
		binary.BigEndian.PutUint64(rec[12:20], uint64(kv.Loc.ValuePos))
		binary.BigEndian.PutUint64(rec[20:28], uint64(kv.Loc.ValueSize))
		binary.BigEndian.PutUint64(rec[28:36], uint64(kv.Loc.TimestampMs))
		if _, err := w.Write(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("keydir: write hint record: %w", err)
		}
		if _, err := w.Write(kv.Key); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("keydir: write hint key: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("keydir: flush hints: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("keydir: fsync hints: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keydir: close hints: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load parses a hints file produced by Persist. Every entry is validated
//: file_id >= 0, value_position >= 0, value_size > 0.
func Load(path string) (*Keydir, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keydir: open %s: %w", path, err)
	}
	defer f.Close()

	k := New()
	r := bufio.NewReader(f)
	for {
		rec := make([]byte, hintRecordSize)
		if _, err := io.ReadFull(r, rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		keySize := binary.BigEndian.Uint32(rec[0:4])
		loc := Location{
			FileID:      int64(binary.BigEndian.Uint64(rec[4:12])),
			ValuePos:    int64(binary.BigEndian.Uint64(rec[12:20])),
			ValueSize:   int64(binary.BigEndian.Uint64(rec[20:28])),
			TimestampMs: int64(binary.BigEndian.Uint64(rec[28:36])),
		}
		if loc.FileID < 0 || loc.ValuePos < 0 || loc.ValueSize <= 0 {
			return nil, fmt.Errorf("%w: invalid location %+v", ErrFormat, loc)
		}
		key := make([]byte, keySize)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("%w: short key: %v", ErrFormat, err)
		}
		k.m[string(key)] = loc
	}
	return k, nil
}

// BuildFromDatafiles reconstructs a Keydir by scanning datafiles in
// ascending file_id order, and within each file in ascending offset
// order. Because file_id increases monotonically with rotation, this
// order reproduces last-writer-wins semantics: a later file (or a later
// offset within the same file) always overwrites an earlier mapping, and
// a tombstone removes the key outright.
func BuildFromDatafiles(paths map[int64]string) (*Keydir, error) {
	fileIDs := make([]int64, 0, len(paths))
	for id := range paths {
		fileIDs = append(fileIDs, id)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	k := New()
	for _, fileID := range fileIDs {
		path := paths[fileID]
		err := datafile.Scan(path, func(r datafile.ScannedRecord) error {
			if entry.IsTombstone(r.Entry) {
				k.Remove(r.Entry.Key)
				return nil
			}
			k.Put(r.Entry.Key, Location{
				FileID:      fileID,
				ValuePos:    r.Position,
				ValueSize:   r.Size,
				TimestampMs: r.Entry.ExpirationMs,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("keydir: build from %s: %w", path, err)
		}
	}
	return k, nil
}

// Package store implements the Bitcask store, the engine's central
// per-shard authority orchestrating datafiles and the keydir. Grounded in
// yonwoo9/go-bitcask's bitcask.go (Open/Put/Get/Delete/Close) and
// merge.go (periodicMerge/merge), generalized from its single global
// mutex and nanosecond-timestamp file IDs into an explicit state machine
// and a monotonic `file_id = max(existing)+1` scheme, and from a single
// combined read/write *os.File per datafile into the datafile package's
// split writer/reader handles.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/beetledb/beetle/internal/datafile"
	"github.com/beetledb/beetle/internal/entry"
	"github.com/beetledb/beetle/internal/keydir"
	"github.com/beetledb/beetle/internal/logging"
)

// Options configures a Store. It is the store package's own small typed
// record rather than a dependency on internal/config, so the storage
// engine stays usable independent of the RESP-facing configuration
// surface.
type Options struct {
	// MaxFileSize is the soft rotation threshold in bytes
	// (config.log_file_size).
	MaxFileSize int64
	// CompressValues enables S2 compression of value blobs before they
	// are framed into a log record (see internal/entry.Encode).
	CompressValues bool
}

// DefaultOptions returns the config defaults relevant to a single store.
func DefaultOptions() Options {
	return Options{MaxFileSize: 5 * 1024 * 1024}
}

var dataFileRe = regexp.MustCompile(`^beetle_(\d+)\.db$`)

const hintsFileName = "beetle.hints"

// Store is the central authority for one shard's on-disk log and
// in-memory index.
type Store struct {
	mu sync.RWMutex

	dir          string
	opts         Options
	state        State
	activeFileID int64
	files        map[int64]*datafile.Datafile // read-only + the one active
	keydir       *keydir.Keydir
}

// Open ensures dir exists, opens every existing beetle_*.db as at least a
// read handle, builds the keydir (preferring the hints file, falling back
// to a full scan), and opens a new active datafile with
// file_id = max(existing)+1.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	s := &Store{
		dir:   dir,
		opts:  opts,
		state: StateOpening,
		files: make(map[int64]*datafile.Datafile),
	}

	existingIDs, err := existingFileIDs(dir)
	if err != nil {
		return nil, err
	}

	kd, err := loadOrBuildKeydir(dir, existingIDs)
	if err != nil {
		return nil, err
	}
	s.keydir = kd

	for _, id := range existingIDs {
		df, err := datafile.Open(filepath.Join(dir, datafile.FileName(id)), false)
		if err != nil {
			return nil, fmt.Errorf("store: open stale file %d: %w", id, err)
		}
		df.FileID = id
		s.files[id] = df
	}

	nextID := int64(0)
	if len(existingIDs) > 0 {
		nextID = existingIDs[len(existingIDs)-1] + 1
	}
	active, err := datafile.OpenNew(dir, nextID)
	if err != nil {
		return nil, fmt.Errorf("store: open active file %d: %w", nextID, err)
	}
	s.files[nextID] = active
	s.activeFileID = nextID
	s.state = StateReady

	return s, nil
}

func existingFileIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir %s: %w", dir, err)
	}
	var ids []int64
	for _, e := range entries {
		m := dataFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func loadOrBuildKeydir(dir string, existingIDs []int64) (*keydir.Keydir, error) {
	hintsPath := filepath.Join(dir, hintsFileName)
	if _, err := os.Stat(hintsPath); err == nil {
		kd, err := keydir.Load(hintsPath)
		if err == nil {
			return kd, nil
		}
		logging.L().Warnw("store: hints file unreadable, rebuilding from scan", "path", hintsPath, "error", err)
	}

	paths := make(map[int64]string, len(existingIDs))
	for _, id := range existingIDs {
		paths[id] = filepath.Join(dir, datafile.FileName(id))
	}
	return keydir.BuildFromDatafiles(paths)
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// State reports the store's current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Get looks up key. A miss, an expired record, or a tombstone all report
// absent; a checksum failure is logged and also reported absent, so
// corruption on a read never propagates to neighbouring keys.
func (s *Store) Get(key []byte) (entry.Value, bool, error) {
	s.mu.RLock()
	if s.state == StateClosed {
		s.mu.RUnlock()
		return entry.Value{}, false, fmt.Errorf("store: closed")
	}
	loc, ok := s.keydir.Get(key)
	if !ok {
		s.mu.RUnlock()
		return entry.Value{}, false, nil
	}
	df, ok := s.files[loc.FileID]
	s.mu.RUnlock()
	if !ok {
		return entry.Value{}, false, nil
	}

	e, err := df.ReadAt(loc.ValuePos, loc.ValueSize)
	if err != nil {
		if err == entry.ErrChecksumMismatch {
			logging.L().Errorw("store: checksum mismatch on read", "key", string(key), "file_id", loc.FileID, "position", loc.ValuePos)
			return entry.Value{}, false, nil
		}
		return entry.Value{}, false, err
	}
	if entry.IsTombstone(e) || entry.IsExpired(e, nowMs()) {
		return entry.Value{}, false, nil
	}
	v, err := entry.DecodeValue(e.ValueBlob)
	if err != nil {
		logging.L().Errorw("store: malformed value blob", "key", string(key), "error", err)
		return entry.Value{}, false, nil
	}
	return v, true, nil
}

// TTLRemainingMs returns the milliseconds remaining until key's entry
// expires: -1 if the key has no expiration, -2 if the key is absent, and
// a non-negative remainder otherwise.
func (s *Store) TTLRemainingMs(key []byte) (int64, error) {
	s.mu.RLock()
	if s.state == StateClosed {
		s.mu.RUnlock()
		return 0, fmt.Errorf("store: closed")
	}
	loc, ok := s.keydir.Get(key)
	if !ok {
		s.mu.RUnlock()
		return -2, nil
	}
	df, ok := s.files[loc.FileID]
	s.mu.RUnlock()
	if !ok {
		return -2, nil
	}

	e, err := df.ReadAt(loc.ValuePos, loc.ValueSize)
	if err != nil {
		if err == entry.ErrChecksumMismatch {
			return -2, nil
		}
		return 0, err
	}
	now := nowMs()
	if entry.IsTombstone(e) || entry.IsExpired(e, now) {
		return -2, nil
	}
	if e.ExpirationMs == 0 {
		return -1, nil
	}
	return e.ExpirationMs - now, nil
}

// Put encodes (key, value, expirationMs) and appends it to the active
// datafile, then atomically updates the keydir to point at the new
// location. On I/O failure the keydir is left untouched.
func (s *Store) Put(key []byte, value entry.Value, expirationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value, expirationMs)
}

func (s *Store) putLocked(key []byte, value entry.Value, expirationMs int64) error {
	if s.state != StateReady {
		return fmt.Errorf("store: not ready (state=%s)", s.state)
	}

	raw, err := entry.Encode(key, value, expirationMs, s.opts.CompressValues)
	if err != nil {
		return err
	}

	active := s.files[s.activeFileID]
	if active.Size()+int64(len(raw)) > s.opts.MaxFileSize && s.opts.MaxFileSize > 0 {
		if err := s.rotateLocked(); err != nil {
			return err
		}
		active = s.files[s.activeFileID]
	}

	position, err := active.Write(raw)
	if err != nil {
		return err
	}

	s.keydir.Put(key, keydir.Location{
		FileID:      s.activeFileID,
		ValuePos:    position,
		ValueSize:   int64(len(raw)),
		TimestampMs: expirationMs,
	})
	return nil
}

// Delete tombstones every key in keys that currently has a keydir entry
// and returns how many were actually removed.
func (s *Store) Delete(keys [][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return 0, fmt.Errorf("store: not ready (state=%s)", s.state)
	}

	deleted := 0
	for _, key := range keys {
		if _, ok := s.keydir.Get(key); !ok {
			continue
		}
		raw := entry.EncodeTombstone(key)
		active := s.files[s.activeFileID]
		if active.Size()+int64(len(raw)) > s.opts.MaxFileSize && s.opts.MaxFileSize > 0 {
			if err := s.rotateLocked(); err != nil {
				return deleted, err
			}
			active = s.files[s.activeFileID]
		}
		if _, err := active.Write(raw); err != nil {
			return deleted, err
		}
		s.keydir.Remove(key)
		deleted++
	}
	return deleted, nil
}

// BatchPut writes every (key, value) pair in items under a single lock
// acquisition, all carrying the same expirationMs. Adapted from the
// teacher's BatchPut (bitcask.go), which did the same for a single
// global store; unlike Put's one-call-one-lock path, a failure partway
// through still leaves every already-written pair visible.
func (s *Store) BatchPut(items map[string]entry.Value, expirationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range items {
		if err := s.putLocked([]byte(key), value, expirationMs); err != nil {
			return fmt.Errorf("store: batch put %q: %w", key, err)
		}
	}
	return nil
}

// BatchGet looks up every key in keys under a single lock acquisition,
// adapted from yonwoo9/go-bitcask's BatchGet (bitcask.go). Absent keys are
// simply omitted from the result rather than erroring, matching Get's
// own miss behavior.
func (s *Store) BatchGet(keys [][]byte) (map[string]entry.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed {
		return nil, fmt.Errorf("store: closed")
	}

	out := make(map[string]entry.Value, len(keys))
	now := nowMs()
	for _, key := range keys {
		loc, ok := s.keydir.Get(key)
		if !ok {
			continue
		}
		df, ok := s.files[loc.FileID]
		if !ok {
			continue
		}
		e, err := df.ReadAt(loc.ValuePos, loc.ValueSize)
		if err != nil {
			if err == entry.ErrChecksumMismatch {
				logging.L().Errorw("store: checksum mismatch on batch read", "key", string(key))
				continue
			}
			return nil, err
		}
		if entry.IsTombstone(e) || entry.IsExpired(e, now) {
			continue
		}
		v, err := entry.DecodeValue(e.ValueBlob)
		if err != nil {
			logging.L().Errorw("store: malformed value blob on batch read", "key", string(key), "error", err)
			continue
		}
		out[string(key)] = v
	}
	return out, nil
}

// Keys returns every key present in the keydir. Entries referencing
// expired records may still be included; callers enumerating keys
// typically reconcile that lazily via Get.
func (s *Store) Keys() [][]byte {
	return s.keydir.Keys()
}

// Sync flushes the active datafile's buffered writes to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("store: not ready (state=%s)", s.state)
	}
	s.state = StateSyncing
	defer func() { s.state = StateReady }()
	return s.files[s.activeFileID].Sync()
}

// Rotate opens a new active datafile with file_id = activeFileID+1; the
// previous active file becomes a stale, read-only file.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("store: not ready (state=%s)", s.state)
	}
	s.state = StateRotating
	defer func() { s.state = StateReady }()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	oldActive := s.files[s.activeFileID]
	if err := oldActive.Sync(); err != nil {
		return fmt.Errorf("store: sync before rotate: %w", err)
	}

	newID := s.activeFileID + 1
	newFile, err := datafile.OpenNew(s.dir, newID)
	if err != nil {
		return fmt.Errorf("store: rotate open %d: %w", newID, err)
	}
	s.files[newID] = newFile
	s.activeFileID = newID
	return nil
}

// Close persists the keydir to the hints file, syncs, and closes every
// handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}

	if err := s.keydir.Persist(filepath.Join(s.dir, hintsFileName)); err != nil {
		logging.L().Warnw("store: failed to persist hints on close", "dir", s.dir, "error", err)
	}

	var firstErr error
	for _, df := range s.files {
		if err := df.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.state = StateClosed
	return firstErr
}

// Snapshot copies every datafile and the hints file into dstDir, adapted
// from yonwoo9/go-bitcask's Snapshot (bitcask.go).
func (s *Store) Snapshot(dstDir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}
	for id := range s.files {
		src := filepath.Join(s.dir, datafile.FileName(id))
		dst := filepath.Join(dstDir, datafile.FileName(id))
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	hints := filepath.Join(s.dir, hintsFileName)
	if _, err := os.Stat(hints); err == nil {
		if err := copyFile(hints, filepath.Join(dstDir, hintsFileName)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Package shard implements N independent Bitcask stores, a stable hash
// router that partitions keys across them, and the per-shard background
// compaction/rotation tickers. None of the retrieved examples
// shard a Bitcask-style store (yonwoo9/go-bitcask is single-instance);
// this package is grounded in AmrMurad1-Go-Store's sstable/ssManager.go,
// which owns a fixed collection of independent sub-stores and routes
// writes into the right one, generalized here from an SSTable manager
// onto Bitcask stores and keyed with murmur3 instead of that example's
// internal hashing.
package shard

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/beetledb/beetle/internal/config"
	"github.com/beetledb/beetle/internal/entry"
	"github.com/beetledb/beetle/internal/logging"
	"github.com/beetledb/beetle/internal/store"
)

// Engine owns every shard's store and routes operations to the right one.
type Engine struct {
	stores []*store.Store
	cfg    *config.Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open constructs cfg.DatabaseShards independent stores under
// <cfg.StorageDirectory>/shard_<n>/ and starts their background
// compaction and rotation tickers.
func Open(cfg *config.Config) (*Engine, error) {
	n := cfg.DatabaseShards
	if n <= 0 {
		n = 1
	}

	e := &Engine{
		stores: make([]*store.Store, n),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		dir := filepath.Join(cfg.StorageDirectory, fmt.Sprintf("shard_%d", i))
		s, err := store.Open(dir, store.Options{MaxFileSize: cfg.LogFileSize})
		if err != nil {
			e.closeOpened(i)
			return nil, fmt.Errorf("shard: open shard %d: %w", i, err)
		}
		e.stores[i] = s
	}

	e.startBackgroundTasks()
	return e, nil
}

func (e *Engine) closeOpened(upTo int) {
	for i := 0; i < upTo; i++ {
		e.stores[i].Close()
	}
}

// NumShards returns how many shards the engine is routing across.
func (e *Engine) NumShards() int { return len(e.stores) }

// ShardFor returns the index of the shard that owns key. The hash is
// frozen to murmur3's 32-bit sum so shard assignment is stable across
// restarts for a fixed database_shards count.
func (e *Engine) ShardFor(key []byte) int {
	h := murmur3.Sum32(key)
	return int(h % uint32(len(e.stores)))
}

func (e *Engine) storeFor(key []byte) *store.Store {
	return e.stores[e.ShardFor(key)]
}

// Get reads key from its owning shard.
func (e *Engine) Get(key []byte) (entry.Value, bool, error) {
	return e.storeFor(key).Get(key)
}

// TTLRemainingMs reports key's remaining TTL in milliseconds from its
// owning shard.
func (e *Engine) TTLRemainingMs(key []byte) (int64, error) {
	return e.storeFor(key).TTLRemainingMs(key)
}

// Put writes key to its owning shard.
func (e *Engine) Put(key []byte, value entry.Value, expirationMs int64) error {
	return e.storeFor(key).Put(key, value, expirationMs)
}

// groupByShard partitions keys by owning shard index, the routing step
// Delete and BatchGet share; BatchPut groups its item map the same way
// inline.
func (e *Engine) groupByShard(keys [][]byte) map[int][][]byte {
	byShard := make(map[int][][]byte)
	for _, k := range keys {
		idx := e.ShardFor(k)
		byShard[idx] = append(byShard[idx], k)
	}
	return byShard
}

// Delete groups keys by owning shard and tombstones each group on its own
// shard, summing the deleted counts. This is not atomic across shards.
func (e *Engine) Delete(keys [][]byte) (int, error) {
	total := 0
	for idx, group := range e.groupByShard(keys) {
		n, err := e.stores[idx].Delete(group)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// BatchGet groups keys by owning shard and resolves each group with one
// call into that shard's store, merging the per-shard results. Adapted
// from yonwoo9/go-bitcask's BatchGet (bitcask.go) onto the sharded engine.
func (e *Engine) BatchGet(keys [][]byte) (map[string]entry.Value, error) {
	out := make(map[string]entry.Value, len(keys))
	for idx, group := range e.groupByShard(keys) {
		partial, err := e.stores[idx].BatchGet(group)
		if err != nil {
			return out, err
		}
		for k, v := range partial {
			out[k] = v
		}
	}
	return out, nil
}

// BatchPut groups items by owning shard and writes each group with one
// call into that shard's store. Adapted from yonwoo9/go-bitcask's
// BatchPut (bitcask.go) onto the sharded engine.
func (e *Engine) BatchPut(items map[string]entry.Value, expirationMs int64) error {
	byShard := make(map[int]map[string]entry.Value)
	for k, v := range items {
		idx := e.ShardFor([]byte(k))
		if byShard[idx] == nil {
			byShard[idx] = make(map[string]entry.Value)
		}
		byShard[idx][k] = v
	}
	for idx, group := range byShard {
		if err := e.stores[idx].BatchPut(group, expirationMs); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot copies every shard's datafiles and hints file into
// <dstDir>/shard_<n>/, adapted from yonwoo9/go-bitcask's Snapshot
// (bitcask.go) onto the sharded engine.
func (e *Engine) Snapshot(dstDir string) error {
	for i, s := range e.stores {
		dir := filepath.Join(dstDir, fmt.Sprintf("shard_%d", i))
		if err := s.Snapshot(dir); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

// Keys returns every key across every shard.
func (e *Engine) Keys() [][]byte {
	var out [][]byte
	for _, s := range e.stores {
		out = append(out, s.Keys()...)
	}
	return out
}

// Iterator returns a cursor over every key in the engine, adapted from
// yonwoo9/go-bitcask's Iterator (iterator.go) onto the sharded engine: it
// snapshots every shard's key list up front, then resolves values lazily
// through Get the same way its Iterator.Value() re-reads through
// Bitcask.Get.
type Iterator struct {
	engine *Engine
	keys   [][]byte
	index  int
}

// Iterator builds a new Iterator over a snapshot of every shard's keys.
func (e *Engine) Iterator() *Iterator {
	return &Iterator{engine: e, keys: e.Keys(), index: -1}
}

// Next advances the iterator; it returns false once exhausted.
func (it *Iterator) Next() bool {
	it.index++
	return it.index < len(it.keys)
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.keys[it.index] }

// Value resolves the current key's value through the engine.
func (it *Iterator) Value() (entry.Value, bool, error) {
	return it.engine.Get(it.keys[it.index])
}

func (e *Engine) startBackgroundTasks() {
	for i, s := range e.stores {
		e.wg.Add(2)
		go e.rotationLoop(i, s)
		go e.mergeLoop(i, s)
	}
}

func (e *Engine) rotationLoop(shardIdx int, s *store.Store) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.LogRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.State() != store.StateReady {
				continue
			}
			if err := s.Rotate(); err != nil {
				logging.L().Warnw("shard: rotation failed", "shard", shardIdx, "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) mergeLoop(shardIdx int, s *store.Store) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MergeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.State() != store.StateReady {
				continue
			}
			if err := s.Merge(); err != nil {
				logging.L().Warnw("shard: merge failed", "shard", shardIdx, "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// Close cancels background tasks, flushes each shard, persists hints, and
// closes every file handle. This is the storage-layer half of graceful
// shutdown; the server package stops accepting connections and closes
// sockets before calling this.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()

	var firstErr error
	for i, s := range e.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return firstErr
}

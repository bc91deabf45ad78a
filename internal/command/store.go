// Package command implements the static command table and the handlers
// for beetle's core string commands, dispatched over whatever storage
// engine satisfies the narrow Store interface below. Grounded in
// yonwoo9/go-bitcask's bitcask.go method set (Get/Put/Delete), generalized
// from a single Bitcask instance onto the sharded engine and from raw
// []byte values onto entry.Value so replies can carry RESP's richer
// types later.
package command

import "github.com/beetledb/beetle/internal/entry"

// Store is the subset of *shard.Engine the dispatcher needs. Handlers are
// written against this interface, not the concrete engine, so they stay
// testable with a bare in-memory fake.
type Store interface {
	Get(key []byte) (entry.Value, bool, error)
	Put(key []byte, value entry.Value, expirationMs int64) error
	Delete(keys [][]byte) (int, error)
	TTLRemainingMs(key []byte) (int64, error)
}

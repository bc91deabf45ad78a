package command

import (
	"strconv"
	"strings"

	"github.com/beetledb/beetle/internal/entry"
	"github.com/beetledb/beetle/internal/resp"
)

func handlePing(args [][]byte, _ Store, _ int64) (resp.Value, error) {
	switch len(args) {
	case 0:
		return resp.SimpleString("PONG"), nil
	case 1:
		return resp.BulkString(args[0]), nil
	default:
		return wrongArity("PING"), nil
	}
}

// ttlSeconds converts the millisecond remainder Store.TTLRemainingMs
// reports into the whole seconds TTL reports, rounding a fractional
// remainder up so a key that is about to expire never reports 0 while
// still alive.
func ttlSeconds(remainingMs int64) int64 {
	switch {
	case remainingMs == -1, remainingMs == -2:
		return remainingMs
	case remainingMs <= 0:
		return 0
	default:
		return (remainingMs + 999) / 1000
	}
}

func handleTTL(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) != 1 {
		return wrongArity("TTL"), nil
	}
	remaining, err := store.TTLRemainingMs(args[0])
	if err != nil {
		return resp.Value{}, err
	}
	return resp.Int(ttlSeconds(remaining)), nil
}

func handleGet(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) != 1 {
		return wrongArity("GET"), nil
	}
	v, ok, err := store.Get(args[0])
	if err != nil {
		return resp.Value{}, err
	}
	if !ok {
		return resp.Null(), nil
	}
	return resp.BulkString(v.Raw), nil
}

type setOptions struct {
	nx, xx, get, keepttl bool
	hasExpire            bool
	expireAtMs           int64
}

func parseSetOptions(rest [][]byte, nowMs int64) (setOptions, bool) {
	var opts setOptions
	i := 0
	for i < len(rest) {
		tok := strings.ToUpper(string(rest[i]))
		switch tok {
		case "NX":
			if opts.xx {
				return opts, false
			}
			opts.nx = true
			i++
		case "XX":
			if opts.nx {
				return opts, false
			}
			opts.xx = true
			i++
		case "GET":
			opts.get = true
			i++
		case "KEEPTTL":
			if opts.hasExpire {
				return opts, false
			}
			opts.keepttl = true
			i++
		case "EX", "PX", "EXAT", "PXAT":
			if opts.hasExpire || opts.keepttl {
				return opts, false
			}
			if i+1 >= len(rest) {
				return opts, false
			}
			n, err := strconv.ParseInt(string(rest[i+1]), 10, 64)
			if err != nil {
				return opts, false
			}
			switch tok {
			case "EX":
				opts.expireAtMs = nowMs + n*1000
			case "PX":
				opts.expireAtMs = nowMs + n
			case "EXAT":
				opts.expireAtMs = n * 1000
			case "PXAT":
				opts.expireAtMs = n
			}
			opts.hasExpire = true
			i += 2
		default:
			return opts, false
		}
	}
	return opts, true
}

func handleSet(args [][]byte, store Store, nowMs int64) (resp.Value, error) {
	if len(args) < 2 {
		return wrongArity("SET"), nil
	}
	key, value := args[0], args[1]
	opts, ok := parseSetOptions(args[2:], nowMs)
	if !ok {
		return syntaxError(), nil
	}

	existing, exists, err := store.Get(key)
	if err != nil {
		return resp.Value{}, err
	}

	precondFailed := (opts.nx && exists) || (opts.xx && !exists)
	if precondFailed {
		if opts.get {
			if exists {
				return resp.BulkString(existing.Raw), nil
			}
			return resp.Null(), nil
		}
		return resp.Null(), nil
	}

	var expirationMs int64
	switch {
	case opts.keepttl:
		remaining, err := store.TTLRemainingMs(key)
		if err != nil {
			return resp.Value{}, err
		}
		if remaining > 0 {
			expirationMs = nowMs + remaining
		}
	case opts.hasExpire:
		expirationMs = opts.expireAtMs
	default:
		expirationMs = 0
	}

	if err := store.Put(key, entry.BytesString(string(value)), expirationMs); err != nil {
		return resp.Value{}, err
	}

	if opts.get {
		if exists {
			return resp.BulkString(existing.Raw), nil
		}
		return resp.Null(), nil
	}
	return resp.OK(), nil
}

func handleDel(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) == 0 {
		return wrongArity("DEL"), nil
	}
	n, err := store.Delete(args)
	if err != nil {
		return resp.Value{}, err
	}
	return resp.Int(int64(n)), nil
}

func handleAppend(args [][]byte, store Store, nowMs int64) (resp.Value, error) {
	if len(args) != 2 {
		return wrongArity("APPEND"), nil
	}
	key, addition := args[0], args[1]

	existing, exists, err := store.Get(key)
	if err != nil {
		return resp.Value{}, err
	}
	var newValue []byte
	if exists {
		newValue = append(append([]byte{}, existing.Raw...), addition...)
	} else {
		newValue = append([]byte{}, addition...)
	}

	remaining, err := store.TTLRemainingMs(key)
	if err != nil {
		return resp.Value{}, err
	}
	var expirationMs int64
	if remaining > 0 {
		expirationMs = nowMs + remaining
	}

	if err := store.Put(key, entry.Bytes(newValue), expirationMs); err != nil {
		return resp.Value{}, err
	}
	return resp.Int(int64(len(newValue))), nil
}

func handleGetDel(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) != 1 {
		return wrongArity("GETDEL"), nil
	}
	key := args[0]
	existing, exists, err := store.Get(key)
	if err != nil {
		return resp.Value{}, err
	}
	if !exists {
		return resp.Null(), nil
	}
	if _, err := store.Delete([][]byte{key}); err != nil {
		return resp.Value{}, err
	}
	return resp.BulkString(existing.Raw), nil
}

func handleGetEx(args [][]byte, store Store, nowMs int64) (resp.Value, error) {
	if len(args) < 1 {
		return wrongArity("GETEX"), nil
	}
	key := args[0]
	existing, exists, err := store.Get(key)
	if err != nil {
		return resp.Value{}, err
	}
	if !exists {
		return resp.Null(), nil
	}

	opts := args[1:]
	if len(opts) == 0 {
		return resp.BulkString(existing.Raw), nil
	}
	if len(opts) > 2 {
		return syntaxError(), nil
	}

	tok := strings.ToUpper(string(opts[0]))
	var expirationMs int64
	switch tok {
	case "PERSIST":
		if len(opts) != 1 {
			return syntaxError(), nil
		}
		expirationMs = 0
	case "EX", "PX", "EXAT", "PXAT":
		if len(opts) != 2 {
			return syntaxError(), nil
		}
		n, err := strconv.ParseInt(string(opts[1]), 10, 64)
		if err != nil {
			return syntaxError(), nil
		}
		switch tok {
		case "EX":
			expirationMs = nowMs + n*1000
		case "PX":
			expirationMs = nowMs + n
		case "EXAT":
			expirationMs = n * 1000
		case "PXAT":
			expirationMs = n
		}
	default:
		return syntaxError(), nil
	}

	if err := store.Put(key, existing, expirationMs); err != nil {
		return resp.Value{}, err
	}
	return resp.BulkString(existing.Raw), nil
}

func clampRange(idx, length int) int {
	if idx < 0 {
		idx += length
	}
	if idx < 0 {
		idx = 0
	}
	if idx > length {
		idx = length
	}
	return idx
}

func handleGetRange(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) != 3 {
		return wrongArity("GETRANGE"), nil
	}
	start, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return syntaxError(), nil
	}
	stop, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return syntaxError(), nil
	}

	existing, exists, gerr := store.Get(args[0])
	if gerr != nil {
		return resp.Value{}, gerr
	}
	if !exists {
		return resp.BulkStringS(""), nil
	}

	data := existing.Raw
	length := len(data)
	s := clampRange(start, length)
	e := clampRange(stop, length)
	e++ // stop is inclusive
	if e > length {
		e = length
	}
	if s >= e {
		return resp.BulkStringS(""), nil
	}
	return resp.BulkString(data[s:e]), nil
}

func handleStrlen(args [][]byte, store Store, _ int64) (resp.Value, error) {
	if len(args) != 1 {
		return wrongArity("STRLEN"), nil
	}
	existing, exists, err := store.Get(args[0])
	if err != nil {
		return resp.Value{}, err
	}
	if !exists {
		return resp.Int(0), nil
	}
	return resp.Int(int64(len(existing.Raw))), nil
}

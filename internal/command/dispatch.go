package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beetledb/beetle/internal/logging"
	"github.com/beetledb/beetle/internal/resp"
)

// ErrNotCommandArray is returned by ParseCommand when the top-level value
// is not an array of bulk strings.
var ErrNotCommandArray = errors.New("command: expected array of bulk strings")

// Handler executes one command's arguments against store at nowMs and
// returns the reply to encode. An error return is reserved for storage
// engine (IoError-class) failures; usage mistakes are reported as a
// resp.Error value, not a Go error.
type Handler func(args [][]byte, store Store, nowMs int64) (resp.Value, error)

var table map[string]Handler

func init() {
	table = map[string]Handler{
		"PING":     handlePing,
		"TTL":      handleTTL,
		"GET":      handleGet,
		"SET":      handleSet,
		"DEL":      handleDel,
		"APPEND":   handleAppend,
		"GETDEL":   handleGetDel,
		"GETEX":    handleGetEx,
		"GETRANGE": handleGetRange,
		"STRLEN":   handleStrlen,
	}
}

// ParseCommand validates that v is a top-level RESP array of bulk strings
// and splits it into an uppercased command name and its remaining
// argument bytes.
func ParseCommand(v resp.Value) (name string, args [][]byte, err error) {
	if v.Kind != resp.KindArray || len(v.Arr) == 0 {
		return "", nil, ErrNotCommandArray
	}
	for _, elem := range v.Arr {
		if elem.Kind != resp.KindBulkString {
			return "", nil, ErrNotCommandArray
		}
	}
	name = strings.ToUpper(string(v.Arr[0].Bulk))
	for _, elem := range v.Arr[1:] {
		args = append(args, elem.Bulk)
	}
	return name, args, nil
}

// UnknownCommandError builds the standard error reply for an
// unrecognized command.
func UnknownCommandError(name string) resp.Value {
	return resp.Error(fmt.Sprintf("ERR unknown command '%s'", name))
}

func wrongArity(name string) resp.Value {
	return resp.Error(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

func syntaxError() resp.Value {
	return resp.Error("ERR syntax error")
}

// Dispatch routes one already-parsed command at store and returns its
// reply. Storage engine errors are logged and surfaced as a generic RESP
// error rather than propagated to the caller, since a single bad command
// must never tear down the connection; the client still sees the
// failure, via the reply.
func Dispatch(name string, args [][]byte, store Store, nowMs int64) resp.Value {
	h, ok := table[name]
	if !ok {
		return UnknownCommandError(name)
	}
	v, err := h(args, store, nowMs)
	if err != nil {
		logging.L().Errorw("command: handler failed", "command", name, "error", err)
		return resp.Error("ERR " + err.Error())
	}
	return v
}

// Package server implements a per-connection handler driving the
// MULTI/EXEC/DISCARD transaction state machine over pipelined command
// batches, and the TCP acceptor pool that feeds it connections.
// Grounded in JaipreethTiruvaipati-Multithreaded_Redis_Server's
// handleConnection (app/handler.go) — a per-connection goroutine reading
// frames off a RESP parser and writing replies back — generalized from
// its blocking one-frame-at-a-time loop into a buffered streaming
// decoder that can dispatch a whole pipelined batch at once and track
// MULTI queue state.
package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/beetledb/beetle/internal/command"
	"github.com/beetledb/beetle/internal/logging"
	"github.com/beetledb/beetle/internal/resp"
)

// transaction tracks the MULTI/EXEC/DISCARD state for one connection,
//
type transaction struct {
	active bool
	queue  []resp.Value
}

// conn owns one live TCP connection: its socket, its partial-frame
// buffer, and its transaction state.
type conn struct {
	nc     net.Conn
	store  command.Store
	tx     transaction
	pend   []byte // bytes received but not yet decoded into a complete frame
	closed sync.Once
}

func newConn(nc net.Conn, store command.Store) *conn {
	return &conn{nc: nc, store: store}
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// serve runs the connection's receive loop until the socket errors or is
// closed
func (c *conn) serve() {
	defer c.Close()
	buf := make([]byte, appBufferBytes)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.pend = append(c.pend, buf[:n]...)
			if !c.drain() {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drain decodes every complete frame currently buffered and dispatches
// it, writing all resulting replies with a single socket write. It
// returns false if the connection should be torn down.
func (c *conn) drain() bool {
	var out []byte
	var pendingBatch []resp.Value

	flushBatch := func() {
		if len(pendingBatch) == 0 {
			return
		}
		replies := command.DispatchBatch(pendingBatch, c.store, nowMs())
		for _, r := range replies {
			out = c.appendReply(out, r)
		}
		pendingBatch = pendingBatch[:0]
	}

	for {
		values, rest, err := resp.Decode(c.pend)
		c.pend = rest
		if err != nil {
			flushBatch()
			out = c.appendReply(out, resp.Error("ERR "+err.Error()))
			c.pend = nil
			break
		}
		if len(values) == 0 {
			break
		}
		for _, v := range values {
			name, _, perr := command.ParseCommand(v)
			if perr != nil {
				flushBatch()
				out = c.appendReply(out, resp.Error("ERR "+perr.Error()))
				continue
			}
			switch name {
			case "MULTI":
				flushBatch()
				out = c.appendReply(out, c.handleMulti())
			case "EXEC":
				flushBatch()
				out = c.appendReply(out, c.handleExec())
			case "DISCARD":
				flushBatch()
				out = c.appendReply(out, c.handleDiscard())
			default:
				if c.tx.active {
					c.tx.queue = append(c.tx.queue, v)
					out = c.appendReply(out, resp.SimpleString("QUEUED"))
				} else {
					pendingBatch = append(pendingBatch, v)
				}
			}
		}
	}
	flushBatch()

	if len(out) == 0 {
		return true
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := c.nc.Write(out); err != nil {
		return false
	}
	_ = c.nc.SetWriteDeadline(time.Time{})
	return true
}

func (c *conn) appendReply(out []byte, v resp.Value) []byte {
	encoded, err := resp.EncodeOne(v)
	if err != nil {
		logging.L().Errorw("server: encode failure", "error", err)
		return out
	}
	return append(out, encoded...)
}

var (
	errMultiNested    = errors.New("ERR multi calls can not be nested")
	errDiscardNoMulti = errors.New("ERR discard without multi")
	errExecNoMulti    = errors.New("ERR exec without multi")
)

func (c *conn) handleMulti() resp.Value {
	if c.tx.active {
		return resp.Error(errMultiNested.Error())
	}
	c.tx.active = true
	c.tx.queue = nil
	return resp.OK()
}

func (c *conn) handleDiscard() resp.Value {
	if !c.tx.active {
		return resp.Error(errDiscardNoMulti.Error())
	}
	c.tx.active = false
	c.tx.queue = nil
	return resp.OK()
}

func (c *conn) handleExec() resp.Value {
	if !c.tx.active {
		return resp.Error(errExecNoMulti.Error())
	}
	queue := c.tx.queue
	c.tx.active = false
	c.tx.queue = nil

	results := make([]resp.Value, len(queue))
	now := nowMs()
	for i, v := range queue {
		name, args, perr := command.ParseCommand(v)
		if perr != nil {
			results[i] = resp.Error("ERR " + perr.Error())
			continue
		}
		results[i] = command.Dispatch(name, args, c.store, now)
	}
	return resp.Array(results)
}

// Close closes the underlying socket. Safe to call more than once.
func (c *conn) Close() {
	c.closed.Do(func() {
		c.nc.Close()
	})
}

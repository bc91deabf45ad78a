package command

import (
	"runtime"
	"sync"

	"github.com/beetledb/beetle/internal/resp"
)

// maxConcurrency bounds how many commands in one pipelined batch run at
// once, approximately 2x the number of CPU cores.
func maxConcurrency() int {
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	return n
}

// DispatchBatch executes a pipelined batch of commands, fanning out with
// bounded concurrency while guaranteeing replies land in cmds' original
// order, matching request arrival order. Commands that touch the same
// key run in their original relative order (so a GET following a SET on
// the same key never races ahead of it); commands touching disjoint
// keys run concurrently.
func DispatchBatch(cmds []resp.Value, store Store, nowMs int64) []resp.Value {
	if len(cmds) == 1 {
		return []resp.Value{dispatchOne(cmds[0], store, nowMs)}
	}

	replies := make([]resp.Value, len(cmds))
	sem := make(chan struct{}, maxConcurrency())
	var wg sync.WaitGroup
	wg.Add(len(cmds))

	lastForKey := make(map[string]chan struct{})
	for i, cmd := range cmds {
		name, args, _ := ParseCommand(cmd)
		keys := commandKeys(name, args)

		var waits []chan struct{}
		done := make(chan struct{})
		for _, k := range keys {
			ks := string(k)
			if w, ok := lastForKey[ks]; ok {
				waits = append(waits, w)
			}
			lastForKey[ks] = done
		}

		sem <- struct{}{}
		go func(i int, cmd resp.Value, waits []chan struct{}, done chan struct{}) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, w := range waits {
				<-w
			}
			replies[i] = dispatchOne(cmd, store, nowMs)
			close(done)
		}(i, cmd, waits, done)
	}
	wg.Wait()
	return replies
}

// commandKeys returns the keys a command reads or writes, used to order
// dependent commands within a pipelined batch. PING touches no key.
func commandKeys(name string, args [][]byte) [][]byte {
	switch name {
	case "PING":
		return nil
	case "DEL":
		return args
	default:
		if len(args) == 0 {
			return nil
		}
		return args[:1]
	}
}

func dispatchOne(cmd resp.Value, store Store, nowMs int64) resp.Value {
	name, args, err := ParseCommand(cmd)
	if err != nil {
		return resp.Error("ERR " + err.Error())
	}
	return Dispatch(name, args, store, nowMs)
}

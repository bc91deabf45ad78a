package command

import (
	"sync"
	"testing"

	"github.com/beetledb/beetle/internal/entry"
	"github.com/beetledb/beetle/internal/resp"
)

// fakeStore is a minimal in-memory Store used to exercise handler logic
// without a real Bitcask store behind it.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]entry.Value
	expiry map[string]int64 // absolute ms, 0 = none
	now    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]entry.Value{}, expiry: map[string]int64{}}
}

func (f *fakeStore) Get(key []byte) (entry.Value, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := string(key)
	if exp, ok := f.expiry[k]; ok && exp != 0 && f.now >= exp {
		delete(f.values, k)
		delete(f.expiry, k)
		return entry.Value{}, false, nil
	}
	v, ok := f.values[k]
	return v, ok, nil
}

func (f *fakeStore) Put(key []byte, value entry.Value, expirationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := string(key)
	f.values[k] = value
	f.expiry[k] = expirationMs
	return nil
}

func (f *fakeStore) Delete(keys [][]byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, key := range keys {
		k := string(key)
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			delete(f.expiry, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) TTLRemainingMs(key []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := string(key)
	if _, ok := f.values[k]; !ok {
		return -2, nil
	}
	exp := f.expiry[k]
	if exp == 0 {
		return -1, nil
	}
	return exp - f.now, nil
}

func bulkCmd(parts ...string) resp.Value {
	xs := make([]resp.Value, len(parts))
	for i, p := range parts {
		xs[i] = resp.BulkStringS(p)
	}
	return resp.Array(xs)
}

func TestPingNoArgAndEcho(t *testing.T) {
	s := newFakeStore()
	if got := Dispatch("PING", nil, s, 0); got.Str != "PONG" {
		t.Fatalf("PING = %+v", got)
	}
	got := Dispatch("PING", [][]byte{[]byte("hi")}, s, 0)
	if string(got.Bulk) != "hi" {
		t.Fatalf("PING hi = %+v", got)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("SET", [][]byte{[]byte("k"), []byte("v")}, s, 0)
	if reply.Str != "OK" {
		t.Fatalf("SET = %+v", reply)
	}
	reply = Dispatch("GET", [][]byte{[]byte("k")}, s, 0)
	if string(reply.Bulk) != "v" {
		t.Fatalf("GET = %+v", reply)
	}
}

func TestSetNXPreconditionFails(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("k"), []byte("v1")}, s, 0)
	reply := Dispatch("SET", [][]byte{[]byte("k"), []byte("v2"), []byte("NX")}, s, 0)
	if !reply.IsNull() {
		t.Fatalf("SET NX on existing key = %+v, want null", reply)
	}
	got := Dispatch("GET", [][]byte{[]byte("k")}, s, 0)
	if string(got.Bulk) != "v1" {
		t.Fatalf("value changed despite failed NX: %+v", got)
	}
}

func TestSetXXPreconditionFails(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("SET", [][]byte{[]byte("missing"), []byte("v"), []byte("XX")}, s, 0)
	if !reply.IsNull() {
		t.Fatalf("SET XX on missing key = %+v, want null", reply)
	}
}

func TestSetNXAndXXConflict(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("SET", [][]byte{[]byte("k"), []byte("v"), []byte("NX"), []byte("XX")}, s, 0)
	if reply.Kind != resp.KindError {
		t.Fatalf("SET NX XX = %+v, want syntax error", reply)
	}
}

func TestSetKeepttlWithExpiryConflict(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("SET", [][]byte{[]byte("k"), []byte("v"), []byte("KEEPTTL"), []byte("EX"), []byte("10")}, s, 0)
	if reply.Kind != resp.KindError {
		t.Fatalf("SET KEEPTTL EX = %+v, want syntax error", reply)
	}
}

func TestSetGetFlagReturnsPriorValue(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("k"), []byte("old")}, s, 0)
	reply := Dispatch("SET", [][]byte{[]byte("k"), []byte("new"), []byte("GET")}, s, 0)
	if string(reply.Bulk) != "old" {
		t.Fatalf("SET GET = %+v, want old", reply)
	}
}

func TestDelCountsRemoved(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("a"), []byte("1")}, s, 0)
	Dispatch("SET", [][]byte{[]byte("b"), []byte("2")}, s, 0)
	reply := Dispatch("DEL", [][]byte{[]byte("a"), []byte("b"), []byte("missing")}, s, 0)
	if reply.Int != 2 {
		t.Fatalf("DEL = %+v, want 2", reply)
	}
}

func TestAppendConcatenates(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("k"), []byte("Hello ")}, s, 0)
	reply := Dispatch("APPEND", [][]byte{[]byte("k"), []byte("World")}, s, 0)
	if reply.Int != 11 {
		t.Fatalf("APPEND length = %+v, want 11", reply)
	}
	got := Dispatch("GET", [][]byte{[]byte("k")}, s, 0)
	if string(got.Bulk) != "Hello World" {
		t.Fatalf("GET after APPEND = %+v", got)
	}
}

func TestGetDelRemovesKey(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("k"), []byte("v")}, s, 0)
	reply := Dispatch("GETDEL", [][]byte{[]byte("k")}, s, 0)
	if string(reply.Bulk) != "v" {
		t.Fatalf("GETDEL = %+v", reply)
	}
	got := Dispatch("GET", [][]byte{[]byte("k")}, s, 0)
	if !got.IsNull() {
		t.Fatalf("key survived GETDEL: %+v", got)
	}
}

func TestGetRangeNegativeIndices(t *testing.T) {
	s := newFakeStore()
	Dispatch("SET", [][]byte{[]byte("k"), []byte("This is a string")}, s, 0)
	reply := Dispatch("GETRANGE", [][]byte{[]byte("k"), []byte("-3"), []byte("-1")}, s, 0)
	if string(reply.Bulk) != "ing" {
		t.Fatalf("GETRANGE = %+v, want ing", reply)
	}
}

func TestStrlenAbsentKeyIsZero(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("STRLEN", [][]byte{[]byte("missing")}, s, 0)
	if reply.Int != 0 {
		t.Fatalf("STRLEN = %+v, want 0", reply)
	}
}

func TestTTLAbsentAndNoExpiry(t *testing.T) {
	s := newFakeStore()
	if got := Dispatch("TTL", [][]byte{[]byte("missing")}, s, 0); got.Int != -2 {
		t.Fatalf("TTL missing = %+v, want -2", got)
	}
	Dispatch("SET", [][]byte{[]byte("k"), []byte("v")}, s, 0)
	if got := Dispatch("TTL", [][]byte{[]byte("k")}, s, 0); got.Int != -1 {
		t.Fatalf("TTL no-expiry = %+v, want -1", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("BOGUS", nil, s, 0)
	if reply.Kind != resp.KindError {
		t.Fatalf("BOGUS = %+v, want error", reply)
	}
}

func TestWrongArity(t *testing.T) {
	s := newFakeStore()
	reply := Dispatch("GET", nil, s, 0)
	if reply.Kind != resp.KindError {
		t.Fatalf("GET with no args = %+v, want error", reply)
	}
}

func TestDispatchBatchPreservesOrder(t *testing.T) {
	s := newFakeStore()
	cmds := make([]resp.Value, 20)
	for i := range cmds {
		cmds[i] = bulkCmd("PING", string(rune('a'+i)))
	}
	replies := DispatchBatch(cmds, s, 0)
	for i, r := range replies {
		if string(r.Bulk) != string(rune('a'+i)) {
			t.Fatalf("reply %d out of order: %+v", i, r)
		}
	}
}

func TestParseCommandRejectsNonArray(t *testing.T) {
	_, _, err := ParseCommand(resp.Int(5))
	if err != ErrNotCommandArray {
		t.Fatalf("err = %v, want ErrNotCommandArray", err)
	}
}

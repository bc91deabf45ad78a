package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/beetledb/beetle/internal/entry"
)

func mustGet(t *testing.T, s *Store, key string) (string, bool) {
	t.Helper()
	v, ok, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok {
		return "", false
	}
	return v.String(), true
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put([]byte("k"), entry.BytesString("v1"), 0); err != nil {
		t.Fatal(err)
	}
	if got, ok := mustGet(t, s, "k"); !ok || got != "v1" {
		t.Fatalf("got %q, %v", got, ok)
	}

	if err := s.Put([]byte("k"), entry.BytesString("v2"), 0); err != nil {
		t.Fatal(err)
	}
	if got, ok := mustGet(t, s, "k"); !ok || got != "v2" {
		t.Fatalf("last-writer-wins failed: got %q", got)
	}

	n, err := s.Delete([][]byte{[]byte("k"), []byte("missing")})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, ok := mustGet(t, s, "k"); ok {
		t.Fatal("expected key absent after delete")
	}
	found := false
	for _, k := range s.Keys() {
		if string(k) == "k" {
			found = true
		}
	}
	if found {
		t.Fatal("deleted key must not appear in Keys()")
	}
}

func TestTTLExpiry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put([]byte("k"), entry.BytesString("v"), 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := mustGet(t, s, "k"); ok {
		t.Fatal("expected expired key to read as absent")
	}
	ttl, err := s.TTLRemainingMs([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if ttl != -2 {
		t.Fatalf("TTL = %d, want -2", ttl)
	}
}

func TestRestartRecoversData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put([]byte("x"), entry.BytesString("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if got, ok := mustGet(t, s2, "x"); !ok || got != "hello" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestMergeReducesToOneFileAndPreservesValues(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MaxFileSize = 64 // force frequent rotation
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		val := fmt.Sprintf("value-%d", i)
		if err := s.Put([]byte(key), entry.BytesString(val), 0); err != nil {
			t.Fatal(err)
		}
	}
	// overwrite half so merge has something to reclaim
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := s.Put([]byte(key), entry.BytesString("updated"), 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Delete([][]byte{[]byte("key-49")}); err != nil {
		t.Fatalf("delete returned error: %v", err)
	}

	before := make(map[string]string)
	for i := 0; i < 49; i++ {
		key := fmt.Sprintf("key-%d", i)
		v, ok := mustGet(t, s, key)
		if ok {
			before[key] = v
		}
	}

	if err := s.Merge(); err != nil {
		t.Fatal(err)
	}

	s.mu.RLock()
	numFiles := len(s.files)
	activeID := s.activeFileID
	s.mu.RUnlock()
	if numFiles != 1 {
		t.Fatalf("expected 1 file after merge, got %d", numFiles)
	}
	if activeID != 0 {
		t.Fatalf("expected active file id 0 after merge, got %d", activeID)
	}

	for key, want := range before {
		got, ok := mustGet(t, s, key)
		if !ok || got != want {
			t.Fatalf("post-merge mismatch for %q: got %q want %q (ok=%v)", key, got, want, ok)
		}
	}
	if _, ok := mustGet(t, s, "key-49"); ok {
		t.Fatal("deleted key resurrected by merge")
	}
}

func TestBatchPutBatchGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	items := map[string]entry.Value{
		"a": entry.BytesString("1"),
		"b": entry.BytesString("2"),
		"c": entry.BytesString("3"),
	}
	if err := s.BatchPut(items, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.BatchGet([][]byte{[]byte("a"), []byte("b"), []byte("missing")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got["a"].String() != "1" || got["b"].String() != "2" {
		t.Fatalf("batch get mismatch: %+v", got)
	}
}

func TestConcurrentPutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	const goroutines = 8
	const ops = 200
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				key := fmt.Sprintf("k-%d-%d", id, i)
				val := fmt.Sprintf("v-%d-%d", id, i)
				if err := s.Put([]byte(key), entry.BytesString(val), 0); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if got, ok := mustGet(t, s, key); !ok || got != val {
					t.Errorf("get mismatch: got %q want %q", got, val)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

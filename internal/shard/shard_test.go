package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beetledb/beetle/internal/config"
	"github.com/beetledb/beetle/internal/entry"
)

func testConfig(dir string) *config.Config {
	return config.New(
		config.WithStorageDirectory(dir),
		config.WithDatabaseShards(4),
		config.WithLogFileSize(1<<20),
		config.WithLogRotationInterval(time.Hour),
		config.WithMergeInterval(time.Hour),
	)
}

func TestRoutingStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e1, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	first := make(map[string]int)
	for _, k := range keys {
		first[k] = e1.ShardFor([]byte(k))
	}
	if err := e1.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	for _, k := range keys {
		if got := e2.ShardFor([]byte(k)); got != first[k] {
			t.Fatalf("shard routing for %q changed across restart: %d -> %d", k, first[k], got)
		}
	}
}

func TestPutGetAcrossShards(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k-%d", i)
		if err := e.Put([]byte(key), entry.BytesString(key), 0); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k-%d", i)
		v, ok, err := e.Get([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		if !ok || v.String() != key {
			t.Fatalf("get %q = %q, %v", key, v.String(), ok)
		}
	}
}

func TestDeleteGroupsByShardAndSumsCounts(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		if err := e.Put(k, entry.BytesString("v"), 0); err != nil {
			t.Fatal(err)
		}
	}

	n, err := e.Delete(append(keys, []byte("missing")))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("deleted = %d, want 3", n)
	}
}

func TestBatchPutBatchGetAcrossShards(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	items := map[string]entry.Value{
		"a": entry.BytesString("1"),
		"b": entry.BytesString("2"),
		"c": entry.BytesString("3"),
	}
	if err := e.BatchPut(items, 0); err != nil {
		t.Fatal(err)
	}

	got, err := e.BatchGet([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("missing")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
}

func TestSnapshotCopiesEveryShard(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), entry.BytesString("v"), 0); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	if err := e.Snapshot(dst); err != nil {
		t.Fatal(err)
	}

	found := false
	for i := 0; i < e.NumShards(); i++ {
		entries, err := os.ReadDir(filepath.Join(dst, fmt.Sprintf("shard_%d", i)))
		if err != nil {
			continue
		}
		if len(entries) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("snapshot produced no files in any shard directory")
	}
}

func TestIteratorVisitsAllKeys(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		if err := e.Put([]byte(k), entry.BytesString(k), 0); err != nil {
			t.Fatal(err)
		}
	}

	it := e.Iterator()
	got := map[string]bool{}
	for it.Next() {
		got[string(it.Key())] = true
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

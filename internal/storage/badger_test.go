package storage

import (
	"path/filepath"
	"testing"
)

func TestBadgerStorePutGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put("bucket", "key", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("bucket", "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %s", string(got))
	}
}

func TestBadgerStoreForEach(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put("bucket", "key1", []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put("bucket", "key2", []byte("value2")); err != nil {
		t.Fatalf("put: %v", err)
	}

	seen := 0
	err = store.ForEach("bucket", func(key, value []byte) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 items, got %d", seen)
	}
}

func TestBadgerStoreForEachIsBucketScoped(t *testing.T) {
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_ = store.Put("a", "k", []byte("1"))
	_ = store.Put("b", "k1", []byte("2"))
	_ = store.Put("b", "k2", []byte("3"))
	_ = store.Put("c", "k", []byte("4"))

	seen := 0
	if err := store.ForEach("b", func(key, value []byte) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 items in bucket b, got %d", seen)
	}

	if err := store.DeleteKeys("b", []string{"k1", "k2"}); err != nil {
		t.Fatalf("delete keys: %v", err)
	}
	if _, err := store.Get("b", "k1"); err != ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestBadgerStoreRejectsBadKey(t *testing.T) {
	if _, err := NewBadgerStoreWithKey(filepath.Join(t.TempDir(), "badger"), "c2hvcnQ=", nil); err == nil {
		t.Fatalf("expected short encryption key to be rejected")
	}
}

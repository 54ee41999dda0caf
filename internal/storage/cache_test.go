package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ipsix/reconsync/internal/model"
)

func openCache(t *testing.T) (*Cache, *BadgerStore) {
	t.Helper()
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewCache(store), store
}

func TestCacheSaveLoad(t *testing.T) {
	cache, _ := openCache(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := base
	cache.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	if err := cache.SaveScan(model.ScanRecord{ID: "b", Domain: "b.example", Status: model.StatusRunning}, false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cache.SaveScan(model.ScanRecord{ID: "a", Domain: "a.example", Status: model.StatusCompleted}, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cache.SaveFinding(model.Finding{ID: "v2", URL: "https://a.example"}); err != nil {
		t.Fatalf("save finding: %v", err)
	}
	if err := cache.SaveFinding(model.Finding{ID: "v1", URL: "https://b.example"}); err != nil {
		t.Fatalf("save finding: %v", err)
	}

	got, err := cache.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Active) != 1 || got.Active[0].ID != "b" {
		t.Fatalf("unexpected active scans: %+v", got.Active)
	}
	if len(got.History) != 1 || got.History[0].ID != "a" {
		t.Fatalf("unexpected history: %+v", got.History)
	}
	if len(got.Findings) != 2 || got.Findings[0].ID != "v2" || got.Findings[1].ID != "v1" {
		t.Fatalf("expected findings in save order, got %+v", got.Findings)
	}

	if err := cache.SaveScan(model.ScanRecord{ID: "b", Status: model.StatusCompleted}, true); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	if err := cache.DeleteFinding("v2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = cache.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Active) != 0 || len(got.History) != 2 || len(got.Findings) != 1 {
		t.Fatalf("unexpected state after update: %+v", got)
	}
}

func TestCachePruneKeepsActive(t *testing.T) {
	cache, _ := openCache(t)
	old := time.Now().UTC().Add(-72 * time.Hour)
	cache.now = func() time.Time { return old }
	_ = cache.SaveScan(model.ScanRecord{ID: "running", Status: model.StatusRunning}, false)
	_ = cache.SaveScan(model.ScanRecord{ID: "done", Status: model.StatusCompleted}, true)
	_ = cache.SaveFinding(model.Finding{ID: "v-old"})
	cache.now = func() time.Time { return time.Now().UTC() }
	_ = cache.SaveScan(model.ScanRecord{ID: "fresh", Status: model.StatusCompleted}, true)
	_ = cache.SaveFinding(model.Finding{ID: "v-new"})

	removed, err := cache.PruneOlderThan(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 entries pruned, got %d", removed)
	}
	got, err := cache.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Active) != 1 || len(got.History) != 1 || len(got.Findings) != 1 {
		t.Fatalf("unexpected state after prune: %+v", got)
	}
}

func TestCacheRejectsMissingIDs(t *testing.T) {
	cache, _ := openCache(t)
	if err := cache.SaveScan(model.ScanRecord{}, false); err == nil {
		t.Fatalf("expected error for scan without id")
	}
	if err := cache.SaveFinding(model.Finding{}); err == nil {
		t.Fatalf("expected error for finding without id")
	}
}

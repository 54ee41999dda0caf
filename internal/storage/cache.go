package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ipsix/reconsync/internal/model"
)

const (
	scansBucket    = "scans"
	findingsBucket = "findings"
)

type cachedScan struct {
	Record   model.ScanRecord `json:"record"`
	Archived bool             `json:"archived"`
	SavedAt  time.Time        `json:"saved_at"`
}

type cachedFinding struct {
	Finding model.Finding `json:"finding"`
	SavedAt time.Time     `json:"saved_at"`
}

// Cached is the last known reconciled state, oldest entries first.
type Cached struct {
	Active   []model.ScanRecord
	History  []model.ScanRecord
	Findings []model.Finding
}

// Cache persists reconciled scan records and findings between sessions.
type Cache struct {
	store Store
	now   func() time.Time
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (c *Cache) SaveScan(rec model.ScanRecord, archived bool) error {
	if rec.ID == "" {
		return fmt.Errorf("scan id is required")
	}
	raw, err := json.Marshal(cachedScan{Record: rec, Archived: archived, SavedAt: c.now()})
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	return c.store.Put(scansBucket, rec.ID, raw)
}

func (c *Cache) DeleteScan(id string) error {
	return c.store.Delete(scansBucket, id)
}

func (c *Cache) SaveFinding(f model.Finding) error {
	if f.ID == "" {
		return fmt.Errorf("finding id is required")
	}
	raw, err := json.Marshal(cachedFinding{Finding: f, SavedAt: c.now()})
	if err != nil {
		return fmt.Errorf("encode finding: %w", err)
	}
	return c.store.Put(findingsBucket, f.ID, raw)
}

func (c *Cache) DeleteFinding(id string) error {
	return c.store.Delete(findingsBucket, id)
}

func (c *Cache) Load() (Cached, error) {
	var scans []cachedScan
	err := c.store.ForEach(scansBucket, func(_, value []byte) error {
		var s cachedScan
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode scan: %w", err)
		}
		scans = append(scans, s)
		return nil
	})
	if err != nil && err != ErrNotFound {
		return Cached{}, err
	}
	sort.SliceStable(scans, func(i, j int) bool { return scans[i].SavedAt.Before(scans[j].SavedAt) })

	var findings []cachedFinding
	err = c.store.ForEach(findingsBucket, func(_, value []byte) error {
		var f cachedFinding
		if err := json.Unmarshal(value, &f); err != nil {
			return fmt.Errorf("decode finding: %w", err)
		}
		findings = append(findings, f)
		return nil
	})
	if err != nil && err != ErrNotFound {
		return Cached{}, err
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].SavedAt.Before(findings[j].SavedAt) })

	out := Cached{}
	for _, s := range scans {
		if s.Archived {
			out.History = append(out.History, s.Record)
		} else {
			out.Active = append(out.Active, s.Record)
		}
	}
	for _, f := range findings {
		out.Findings = append(out.Findings, f.Finding)
	}
	return out, nil
}

// PruneOlderThan drops archived scans and findings saved before cutoff.
// Active scans are kept regardless of age.
func (c *Cache) PruneOlderThan(cutoff time.Time) (int, error) {
	var scanKeys, findingKeys []string
	err := c.store.ForEach(scansBucket, func(key, value []byte) error {
		var s cachedScan
		if err := json.Unmarshal(value, &s); err != nil {
			scanKeys = append(scanKeys, string(key))
			return nil
		}
		if s.Archived && s.SavedAt.Before(cutoff) {
			scanKeys = append(scanKeys, string(key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = c.store.ForEach(findingsBucket, func(key, value []byte) error {
		var f cachedFinding
		if err := json.Unmarshal(value, &f); err != nil || f.SavedAt.Before(cutoff) {
			findingKeys = append(findingKeys, string(key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := c.deleteKeys(scansBucket, scanKeys); err != nil {
		return 0, err
	}
	if err := c.deleteKeys(findingsBucket, findingKeys); err != nil {
		return 0, err
	}
	return len(scanKeys) + len(findingKeys), nil
}

func (c *Cache) deleteKeys(bucket string, keys []string) error {
	if bulk, ok := c.store.(interface {
		DeleteKeys(bucket string, keys []string) error
	}); ok {
		return bulk.DeleteKeys(bucket, keys)
	}
	for _, key := range keys {
		if err := c.store.Delete(bucket, key); err != nil {
			return err
		}
	}
	return nil
}

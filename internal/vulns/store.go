package vulns

import (
	"sync"

	"github.com/ipsix/reconsync/internal/model"
)

type Page struct {
	Items      []model.Finding `json:"data"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	Total      int             `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
}

type View interface {
	Page(n int) Page
	Current() Page
	Goto(n int) Page
	Get(id string) (model.Finding, bool)
	Len() int
}

type item struct {
	finding model.Finding
	deleted bool
}

// Store holds findings newest first. Removal is a soft delete so a replayed
// vulnerability_found for a removed id stays a no-op and a rejected delete can
// restore the finding in place.
type Store struct {
	mu       sync.RWMutex
	items    []*item
	index    map[string]*item
	visible  int
	pageSize int
	current  int
}

func New(pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Store{
		index:    make(map[string]*item),
		pageSize: pageSize,
		current:  1,
	}
}

// Add prepends f unless a finding with the same id was ever stored.
func (s *Store) Add(f model.Finding) bool {
	if f.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[f.ID]; ok {
		return false
	}
	it := &item{finding: f.Clone()}
	s.items = append([]*item{it}, s.items...)
	s.index[f.ID] = it
	s.visible++
	s.clampLocked()
	return true
}

// SoftDelete hides a visible finding. Absent or already hidden ids report false.
func (s *Store) SoftDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[id]
	if !ok || it.deleted {
		return false
	}
	it.deleted = true
	s.visible--
	s.clampLocked()
	return true
}

func (s *Store) Restore(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[id]
	if !ok || !it.deleted {
		return false
	}
	it.deleted = false
	s.visible++
	s.clampLocked()
	return true
}

func (s *Store) Get(id string) (model.Finding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.index[id]
	if !ok || it.deleted {
		return model.Finding{}, false
	}
	return it.finding.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

func (s *Store) TotalPages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalPagesLocked()
}

func (s *Store) Page(n int) Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageLocked(n)
}

func (s *Store) Current() Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageLocked(s.current)
}

// Goto moves the page cursor, clamped into range.
func (s *Store) Goto(n int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = clamp(n, 1, s.totalPagesLocked())
	return s.pageLocked(s.current)
}

// All returns every visible finding, newest first.
func (s *Store) All() []model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Finding, 0, s.visible)
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it.finding.Clone())
		}
	}
	return out
}

func (s *Store) pageLocked(n int) Page {
	total := s.totalPagesLocked()
	n = clamp(n, 1, total)
	start := (n - 1) * s.pageSize
	items := make([]model.Finding, 0, s.pageSize)
	seen := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if seen >= start && len(items) < s.pageSize {
			items = append(items, it.finding.Clone())
		}
		seen++
	}
	return Page{
		Items:      items,
		Page:       n,
		PageSize:   s.pageSize,
		Total:      s.visible,
		TotalPages: total,
	}
}

func (s *Store) totalPagesLocked() int {
	if s.visible == 0 {
		return 1
	}
	return (s.visible + s.pageSize - 1) / s.pageSize
}

func (s *Store) clampLocked() {
	s.current = clamp(s.current, 1, s.totalPagesLocked())
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

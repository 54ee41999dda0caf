package registry

import (
	"sort"
	"sync"

	"github.com/ipsix/reconsync/internal/model"
)

// Source records which channel produced the value currently held.
type Source int

const (
	SourcePoll Source = iota
	SourcePush
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourceLocal:
		return "local"
	default:
		return "poll"
	}
}

type Intent string

const (
	IntentSubmit Intent = "submit"
	IntentPause  Intent = "pause"
	IntentResume Intent = "resume"
	IntentStop   Intent = "stop"
)

// Overlay is an optimistic status shown on top of the reconciled record.
// Once the service has accepted the request, the next reconciled update for
// the scan replaces it; a rejected request removes it.
type Overlay struct {
	Intent    Intent       `json:"intent"`
	Status    model.Status `json:"status"`
	Confirmed bool         `json:"confirmed"`
}

type Location int

const (
	Absent Location = iota
	Active
	History
)

type Entry struct {
	Record      model.ScanRecord
	Source      Source
	Overlay     *Overlay
	Pending     bool
	MissedPolls int
	Touched     bool
	seq         uint64
}

// Display is the record as the operator should see it.
func (e Entry) Display() model.ScanRecord {
	rec := e.Record.Clone()
	if e.Overlay != nil {
		rec.Status = e.Overlay.Status
	}
	return rec
}

func (e Entry) clone() Entry {
	out := e
	out.Record = e.Record.Clone()
	if e.Overlay != nil {
		o := *e.Overlay
		out.Overlay = &o
	}
	return out
}

type Counts struct {
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Queued  int `json:"queued"`
	// Stopping counts live scans shown as completed while a stop is pending.
	Stopping int `json:"stopping"`
	History  int `json:"history"`
}

type View interface {
	List() []model.ScanRecord
	Get(id string) (model.ScanRecord, bool)
	History() []model.ScanRecord
	Counts() Counts
}

type Registry struct {
	mu           sync.RWMutex
	active       map[string]Entry
	history      map[string]Entry
	historyOrder []string
	historyLimit int
	evicted      map[string]struct{}
	seq          uint64
}

func New(historyLimit int) *Registry {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Registry{
		active:       make(map[string]Entry),
		history:      make(map[string]Entry),
		historyLimit: historyLimit,
		evicted:      make(map[string]struct{}),
	}
}

// List returns the live view: running and paused scans first, then queued
// scans, each ordered by priority and then insertion order, then scans with
// a pending stop. History is excluded.
func (r *Registry) List() []model.ScanRecord {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Display(), entries[j].Display()
		ga, gb := displayGroup(a.Status), displayGroup(b.Status)
		if ga != gb {
			return ga < gb
		}
		if ga < 2 && a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]model.ScanRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Display())
	}
	return out
}

func displayGroup(status model.Status) int {
	switch {
	case status.Active():
		return 0
	case status == model.StatusQueued:
		return 1
	default:
		return 2
	}
}

func (r *Registry) Get(id string) (model.ScanRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.active[id]; ok {
		return e.Display(), true
	}
	if e, ok := r.history[id]; ok {
		return e.Display(), true
	}
	return model.ScanRecord{}, false
}

// History returns archived scans, most recently archived first.
func (r *Registry) History() []model.ScanRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ScanRecord, 0, len(r.historyOrder))
	for i := len(r.historyOrder) - 1; i >= 0; i-- {
		out = append(out, r.history[r.historyOrder[i]].Display())
	}
	return out
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{History: len(r.history)}
	for _, e := range r.active {
		switch e.Display().Status {
		case model.StatusRunning:
			c.Running++
		case model.StatusPaused:
			c.Paused++
		case model.StatusQueued:
			c.Queued++
		default:
			c.Stopping++
		}
	}
	return c
}

// The methods below are the write side and are only called by the engine.

func (r *Registry) Lookup(id string) (Entry, Location) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.active[id]; ok {
		return e.clone(), Active
	}
	if e, ok := r.history[id]; ok {
		return e.clone(), History
	}
	return Entry{}, Absent
}

// PutActive stores e in the live view, pulling it out of history if needed.
func (r *Registry) PutActive(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Record.ID
	if prev, ok := r.active[id]; ok {
		e.seq = prev.seq
	} else {
		if _, ok := r.history[id]; ok {
			r.dropHistoryLocked(id)
		}
		r.seq++
		e.seq = r.seq
	}
	delete(r.evicted, id)
	r.active[id] = e.clone()
}

// PutHistory archives e, evicting the oldest archived scan past the limit.
func (r *Registry) PutHistory(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Record.ID
	if prev, ok := r.active[id]; ok {
		e.seq = prev.seq
		delete(r.active, id)
	}
	e.Overlay = nil
	e.Pending = false
	if _, ok := r.history[id]; ok {
		r.history[id] = e.clone()
		return
	}
	delete(r.evicted, id)
	r.history[id] = e.clone()
	r.historyOrder = append(r.historyOrder, id)
	for len(r.historyOrder) > r.historyLimit {
		oldest := r.historyOrder[0]
		r.historyOrder = r.historyOrder[1:]
		delete(r.history, oldest)
		r.evicted[oldest] = struct{}{}
	}
}

// Evicted reports whether id was dropped from history to respect the limit.
func (r *Registry) Evicted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.evicted[id]
	return ok
}

// RetainEvicted forgets evicted ids for which keep returns false.
func (r *Registry) RetainEvicted(keep func(id string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.evicted {
		if !keep(id) {
			delete(r.evicted, id)
		}
	}
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		delete(r.active, id)
		return true
	}
	if _, ok := r.history[id]; ok {
		r.dropHistoryLocked(id)
		return true
	}
	return false
}

// Rekey renames an active entry, used when the service assigns the real id
// of an optimistically submitted scan.
func (r *Registry) Rekey(oldID, newID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[oldID]
	if !ok {
		return false
	}
	delete(r.active, oldID)
	e.Record.ID = newID
	r.active[newID] = e
	return true
}

func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Entries returns copies of every entry, active first then history.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.active)+len(r.history))
	for _, e := range r.active {
		out = append(out, e.clone())
	}
	for _, id := range r.historyOrder {
		out = append(out, r.history[id].clone())
	}
	return out
}

func (r *Registry) dropHistoryLocked(id string) {
	delete(r.history, id)
	for i, v := range r.historyOrder {
		if v == id {
			r.historyOrder = append(r.historyOrder[:i], r.historyOrder[i+1:]...)
			break
		}
	}
}

package activity

import (
	"sync"
	"time"
)

type Kind string

const (
	KindScan          Kind = "scan"
	KindVulnerability Kind = "vulnerability"
	KindConnection    Kind = "connection"
	KindIntent        Kind = "intent"
	KindError         Kind = "error"
)

type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	ScanID  string    `json:"scan_id,omitempty"`
	Message string    `json:"message"`
}

// View is the read side handed to the presentation layer.
type View interface {
	Entries() []Entry
	Len() int
	Capacity() int
}

// Ledger is a bounded FIFO of human readable events. Appending past capacity
// evicts the oldest entry.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	seq      uint64
	now      func() time.Time
}

func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ledger{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Append(kind Kind, scanID, message string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry := Entry{
		Seq:     l.seq,
		Time:    l.now(),
		Kind:    kind,
		ScanID:  scanID,
		Message: message,
	}
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
	return entry
}

// Entries returns a copy, newest first.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) Capacity() int {
	return l.capacity
}

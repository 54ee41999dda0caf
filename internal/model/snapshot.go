package model

import "time"

type Snapshot struct {
	ActiveScans map[string]ScanRecord `json:"active_scans"`
	ScanHistory map[string]ScanRecord `json:"scan_history"`
	FetchedAt   time.Time             `json:"-"`
}

// Normalize fills record ids from their map keys and clamps progress.
func (s *Snapshot) Normalize() {
	normalizeRecords(s.ActiveScans)
	normalizeRecords(s.ScanHistory)
}

func normalizeRecords(records map[string]ScanRecord) {
	for key, rec := range records {
		if rec.ID == "" {
			rec.ID = key
		}
		if rec.Status == "" {
			rec.Status = StatusQueued
		}
		if !rec.Priority.Valid() {
			rec.Priority = PriorityNormal
		}
		rec.Progress = ClampProgress(rec.Progress)
		records[key] = rec
	}
}

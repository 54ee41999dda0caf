package model

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventScanStarted        EventKind = "scan_started"
	EventScanProgress       EventKind = "scan_progress"
	EventScanCompleted      EventKind = "scan_completed"
	EventVulnerabilityFound EventKind = "vulnerability_found"
	EventStatusUpdate       EventKind = "status_update"
	EventError              EventKind = "error"
)

func (k EventKind) Known() bool {
	switch k {
	case EventScanStarted, EventScanProgress, EventScanCompleted,
		EventVulnerabilityFound, EventStatusUpdate, EventError:
		return true
	}
	return false
}

// Frame is the wire envelope of the push channel.
type Frame struct {
	Event     EventKind       `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type Event struct {
	Kind       EventKind
	Scan       *ScanEvent
	Finding    *Finding
	Error      *ErrorEvent
	ReceivedAt time.Time
}

type ScanEvent struct {
	ScanID               string                 `json:"scan_id"`
	Domain               string                 `json:"domain"`
	Status               string                 `json:"status,omitempty"`
	Progress             *int                   `json:"progress,omitempty"`
	Priority             *Priority              `json:"priority,omitempty"`
	URLsScanned          *int                   `json:"urls_scanned,omitempty"`
	SubdomainsFound      *int                   `json:"subdomains_found,omitempty"`
	VulnerabilitiesFound *int                   `json:"vulnerabilities_found,omitempty"`
	Config               map[string]interface{} `json:"config,omitempty"`
	Message              string                 `json:"message,omitempty"`
	Stats                *ScanStats             `json:"stats,omitempty"`
}

// Key identifies the scan an event refers to. Older service builds only
// send the domain.
func (e ScanEvent) Key() string {
	if e.ScanID != "" {
		return e.ScanID
	}
	return e.Domain
}

type ScanStats struct {
	Duration             *float64 `json:"duration,omitempty"`
	SubdomainsFound      *int     `json:"subdomains_found,omitempty"`
	URLsScanned          *int     `json:"urls_scanned,omitempty"`
	VulnerabilitiesFound *int     `json:"vulnerabilities_found,omitempty"`
}

type ErrorEvent struct {
	ScanID  string `json:"scan_id"`
	Domain  string `json:"domain"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e ErrorEvent) Key() string {
	if e.ScanID != "" {
		return e.ScanID
	}
	return e.Domain
}

package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ParseStatus maps the service's status vocabulary onto Status. The second
// return reports a cancelled scan, which is terminal and shown as completed.
func ParseStatus(value string) (Status, bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "queued", "pending", "initializing":
		return StatusQueued, false, nil
	case "running", "scanning":
		return StatusRunning, false, nil
	case "paused":
		return StatusPaused, false, nil
	case "completed", "complete", "done":
		return StatusCompleted, false, nil
	case "cancelled", "canceled", "stopped":
		return StatusCompleted, true, nil
	case "error", "failed":
		return StatusError, false, nil
	default:
		return "", false, fmt.Errorf("unknown scan status %q", value)
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

func (s *Status) UnmarshalJSON(raw []byte) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	if value == "" {
		*s = ""
		return nil
	}
	parsed, _, err := ParseStatus(value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether a record may move from one status to another:
// queued -> running -> (paused <-> running) -> completed|error. Skipping forward
// is allowed because intermediate events can be missed; moving backwards or out
// of a terminal status is not.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == "" {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusQueued {
		return false
	}
	return true
}

type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type ScanRecord struct {
	ID                   string                 `json:"id"`
	Domain               string                 `json:"domain"`
	Status               Status                 `json:"status"`
	Progress             int                    `json:"progress"`
	Priority             Priority               `json:"priority"`
	CreatedAt            time.Time              `json:"created_at"`
	DurationSeconds      *float64               `json:"duration_seconds,omitempty"`
	Config               map[string]interface{} `json:"config,omitempty"`
	URLsScanned          int                    `json:"urls_scanned"`
	SubdomainsFound      int                    `json:"subdomains_found"`
	VulnerabilitiesFound int                    `json:"vulnerabilities_found"`
	Cancelled            bool                   `json:"cancelled,omitempty"`
	Message              string                 `json:"message,omitempty"`
}

func (r ScanRecord) Clone() ScanRecord {
	out := r
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		out.DurationSeconds = &d
	}
	if r.Config != nil {
		out.Config = make(map[string]interface{}, len(r.Config))
		for k, v := range r.Config {
			out.Config[k] = v
		}
	}
	return out
}

func ClampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

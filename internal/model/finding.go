package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func ParseSeverity(value string) Severity {
	switch strings.ToLower(value) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

type Finding struct {
	ID              string   `json:"id"`
	ScanID          string   `json:"scan_id"`
	URL             string   `json:"url"`
	Method          string   `json:"method"`
	Type            string   `json:"type"`
	Parameter       string   `json:"parameter"`
	Severity        Severity `json:"severity"`
	Payload         string   `json:"payload"`
	ResponseTimeMs  float64  `json:"response_time_ms"`
	StatusCode      int      `json:"status_code"`
	ContentLength   int64    `json:"content_length"`
	MatchedPatterns []string `json:"matched_patterns"`
	ToolOutput      string   `json:"tool_output,omitempty"`
	ErrorPatterns   []string `json:"error_patterns"`
	Similarity      float64  `json:"similarity,omitempty"`
	ReflectionCount int      `json:"reflection_count,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts numeric ids (the service stores findings under an
// integer primary key) and normalizes severity and the matched pattern set.
func (f *Finding) UnmarshalJSON(raw []byte) error {
	type alias Finding
	aux := struct {
		ID       json.RawMessage `json:"id"`
		ScanID   json.RawMessage `json:"scan_id"`
		Severity string          `json:"severity"`
		*alias
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return err
	}
	f.ID = flexString(aux.ID)
	f.ScanID = flexString(aux.ScanID)
	f.Severity = ParseSeverity(aux.Severity)
	f.MatchedPatterns = dedupe(f.MatchedPatterns)
	return nil
}

func (f Finding) Clone() Finding {
	out := f
	out.MatchedPatterns = append([]string(nil), f.MatchedPatterns...)
	out.ErrorPatterns = append([]string(nil), f.ErrorPatterns...)
	return out
}

func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

package conn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipsix/reconsync/internal/model"
)

const maxRawInError = 256

// Decode turns one push channel frame into a typed event.
func Decode(raw []byte, receivedAt time.Time) (model.Event, error) {
	var frame model.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return model.Event{}, protocolError("invalid json", raw, err)
	}
	if frame.Event == "" {
		return model.Event{}, protocolError("missing event kind", raw, nil)
	}
	if !frame.Event.Known() {
		return model.Event{}, protocolError(fmt.Sprintf("unknown event kind %q", frame.Event), raw, nil)
	}
	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return model.Event{}, protocolError("missing data", raw, nil)
	}

	ev := model.Event{Kind: frame.Event, ReceivedAt: receivedAt}
	switch frame.Event {
	case model.EventScanStarted, model.EventScanProgress, model.EventScanCompleted, model.EventStatusUpdate:
		var se model.ScanEvent
		if err := json.Unmarshal(data, &se); err != nil {
			return model.Event{}, protocolError("invalid scan payload", raw, err)
		}
		if se.Key() == "" {
			return model.Event{}, protocolError("scan event without scan_id or domain", raw, nil)
		}
		if se.Status != "" {
			if _, _, err := model.ParseStatus(se.Status); err != nil {
				return model.Event{}, protocolError("invalid status", raw, err)
			}
		}
		if se.Progress != nil {
			p := model.ClampProgress(*se.Progress)
			se.Progress = &p
		}
		ev.Scan = &se
	case model.EventVulnerabilityFound:
		var wrapped struct {
			Vulnerability *model.Finding `json:"vulnerability"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return model.Event{}, protocolError("invalid vulnerability payload", raw, err)
		}
		f := wrapped.Vulnerability
		if f == nil {
			f = &model.Finding{}
			if err := json.Unmarshal(data, f); err != nil {
				return model.Event{}, protocolError("invalid vulnerability payload", raw, err)
			}
		}
		if f.ID == "" {
			return model.Event{}, protocolError("vulnerability without id", raw, nil)
		}
		ev.Finding = f
	case model.EventError:
		var ee model.ErrorEvent
		if err := json.Unmarshal(data, &ee); err != nil {
			return model.Event{}, protocolError("invalid error payload", raw, err)
		}
		if ee.Status != "" {
			if _, _, err := model.ParseStatus(ee.Status); err != nil {
				return model.Event{}, protocolError("invalid status", raw, err)
			}
		}
		if ee.Message == "" {
			ee.Message = "scanning service reported an error"
		}
		ev.Error = &ee
	}
	return ev, nil
}

func protocolError(reason string, raw []byte, err error) *ProtocolError {
	s := string(raw)
	if len(s) > maxRawInError {
		s = s[:maxRawInError] + "..."
	}
	return &ProtocolError{Reason: reason, Raw: s, Err: err}
}

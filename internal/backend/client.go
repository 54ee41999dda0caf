package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipsix/reconsync/internal/model"
)

type Op string

const (
	OpSubmit Op = "submit"
	OpPause  Op = "pause"
	OpResume Op = "resume"
	OpStop   Op = "stop"
	OpRetest Op = "retest"
	OpDelete Op = "delete"
)

// MutationError is a rejected or failed intent request.
type MutationError struct {
	Op      Op
	ID      string
	Status  int
	Message string
}

func (e *MutationError) Error() string {
	target := ""
	if e.ID != "" {
		target = " " + e.ID
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s%s failed (%d): %s", e.Op, target, e.Status, e.Message)
	}
	return fmt.Sprintf("%s%s failed: %s", e.Op, target, e.Message)
}

type SubmitRequest struct {
	Domain   string                 `json:"domain"`
	Priority model.Priority         `json:"priority"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) FetchSnapshot(ctx context.Context) (model.Snapshot, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/api/scans/status", nil)
	if err != nil {
		return model.Snapshot{}, err
	}
	if status >= 300 {
		return model.Snapshot{}, fmt.Errorf("fetch snapshot: status %d: %s", status, trimBody(raw))
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.ActiveScans == nil {
		snap.ActiveScans = map[string]model.ScanRecord{}
	}
	if snap.ScanHistory == nil {
		snap.ScanHistory = map[string]model.ScanRecord{}
	}
	snap.Normalize()
	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

// SubmitScan returns the id the service assigned to the new scan.
func (c *Client) SubmitScan(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		ID     json.RawMessage `json:"id"`
		ScanID json.RawMessage `json:"scan_id"`
	}
	if err := c.mutate(ctx, OpSubmit, "", http.MethodPost, "/api/scans", req, &resp); err != nil {
		return "", err
	}
	id := rawID(resp.ScanID)
	if id == "" {
		id = rawID(resp.ID)
	}
	if id == "" {
		// The service keyed scans by domain before it issued ids.
		id = req.Domain
	}
	return id, nil
}

func (c *Client) PauseScan(ctx context.Context, id string) error {
	return c.scanAction(ctx, OpPause, id)
}

func (c *Client) ResumeScan(ctx context.Context, id string) error {
	return c.scanAction(ctx, OpResume, id)
}

func (c *Client) StopScan(ctx context.Context, id string) error {
	return c.scanAction(ctx, OpStop, id)
}

func (c *Client) RetestVulnerability(ctx context.Context, id string) error {
	return c.mutate(ctx, OpRetest, id, http.MethodPost, "/api/vulnerabilities/"+url.PathEscape(id)+"/retest", nil, nil)
}

func (c *Client) DeleteVulnerability(ctx context.Context, id string) error {
	return c.mutate(ctx, OpDelete, id, http.MethodDelete, "/api/vulnerabilities/"+url.PathEscape(id), nil, nil)
}

func (c *Client) scanAction(ctx context.Context, op Op, id string) error {
	return c.mutate(ctx, op, id, http.MethodPost, "/api/scans/"+url.PathEscape(id)+"/"+string(op), nil, nil)
}

func (c *Client) mutate(ctx context.Context, op Op, id, method, path string, body, out interface{}) error {
	raw, status, err := c.do(ctx, method, path, body)
	if err != nil {
		return &MutationError{Op: op, ID: id, Message: err.Error()}
	}
	var envelope struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		_ = json.Unmarshal(trimmed, &envelope)
	}
	message := envelope.Message
	if message == "" {
		message = envelope.Error
	}
	if status >= 300 {
		if message == "" {
			message = trimBody(raw)
		}
		if message == "" {
			message = http.StatusText(status)
		}
		return &MutationError{Op: op, ID: id, Status: status, Message: message}
	}
	if envelope.Success != nil && !*envelope.Success {
		if message == "" {
			message = "rejected by service"
		}
		return &MutationError{Op: op, ID: id, Status: status, Message: message}
	}
	if out != nil && len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, out); err != nil {
			return &MutationError{Op: op, ID: id, Status: status, Message: "decode response: " + err.Error()}
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", c.Token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// IsMutationError reports whether err came back from a rejected intent.
func IsMutationError(err error) bool {
	var merr *MutationError
	return errors.As(err, &merr)
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func trimBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

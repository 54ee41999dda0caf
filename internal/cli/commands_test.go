package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveCommands(t *testing.T) {
	cases := []struct {
		cmd    string
		args   []string
		method string
		path   string
	}{
		{"status", nil, http.MethodGet, "/status"},
		{"scans", nil, http.MethodGet, "/scans"},
		{"scan", []string{"s 1"}, http.MethodGet, "/scans/s%201"},
		{"vulns", []string{"3"}, http.MethodGet, "/vulnerabilities?page=3"},
		{"vulns", nil, http.MethodGet, "/vulnerabilities"},
		{"pause", []string{"s1"}, http.MethodPost, "/scans/s1/pause"},
		{"stop", []string{"s1"}, http.MethodPost, "/scans/s1/stop"},
		{"delete-vuln", []string{"v1"}, http.MethodDelete, "/vulnerabilities/v1"},
		{"retest", []string{"v1"}, http.MethodPost, "/vulnerabilities/v1/retest"},
		{"dismiss", []string{"n1"}, http.MethodDelete, "/notifications/n1"},
		{"reconnect", nil, http.MethodPost, "/connection/reconnect"},
	}
	for _, tc := range cases {
		req, err := Resolve(tc.cmd, tc.args, Options{})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.cmd, err)
		}
		if req.Method != tc.method || req.Path != tc.path {
			t.Fatalf("%s: got %s %s, want %s %s", tc.cmd, req.Method, req.Path, tc.method, tc.path)
		}
	}
}

func TestResolveUsageErrors(t *testing.T) {
	bad := []struct {
		cmd  string
		args []string
		opts Options
	}{
		{"pause", nil, Options{}},
		{"vulns", []string{"zero"}, Options{}},
		{"submit", nil, Options{}},
		{"submit", []string{"example.com"}, Options{Priority: 5}},
		{"explode", nil, Options{}},
	}
	for _, tc := range bad {
		if _, err := Resolve(tc.cmd, tc.args, tc.opts); !errors.Is(err, ErrUsage) {
			t.Fatalf("%s %v: expected usage error, got %v", tc.cmd, tc.args, err)
		}
	}
}

func TestExecuteSubmitSendsBody(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		var body map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["domain"] != "example.com" || body["priority"] != float64(1) {
			t.Fatalf("unexpected body: %v", body)
		}
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Body:       io.NopCloser(strings.NewReader(`{"id":"local-1"}`)),
			Header:     http.Header{},
		}, nil
	})
	client := NewClient("http://127.0.0.1:8790", "token")
	client.Client = &http.Client{Transport: transport}

	req, err := Resolve("submit", []string{"example.com"}, Options{Priority: 1})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	raw, err := client.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(string(raw), "local-1") {
		t.Fatalf("unexpected response %s", raw)
	}
}

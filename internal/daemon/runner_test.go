package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/model"
	"github.com/ipsix/reconsync/internal/storage"
)

func TestHandleSignalsReconnectsOnSIGHUP(t *testing.T) {
	runner := &Runner{logger: logging.New("text")}
	sigCh := make(chan os.Signal, 1)
	var reconnectCalled atomic.Bool

	done := make(chan struct{})
	go func() {
		runner.handleSignals(sigCh, func() {}, func() { reconnectCalled.Store(true) })
		close(done)
	}()

	sigCh <- syscall.SIGHUP
	close(sigCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleSignals did not return after closing channel")
	}

	if !reconnectCalled.Load() {
		t.Fatalf("expected reconnect to be called on SIGHUP")
	}
}

func TestHandleSignalsCancelsOnSIGTERM(t *testing.T) {
	runner := &Runner{logger: logging.Discard()}
	sigCh := make(chan os.Signal, 1)
	var cancelled atomic.Bool
	sigCh <- syscall.SIGTERM
	runner.handleSignals(sigCh, func() { cancelled.Store(true) }, nil)
	if !cancelled.Load() {
		t.Fatalf("expected cancel on SIGTERM")
	}
}

func TestBuildSeedsFromCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "badger")
	store, err := storage.NewBadgerStore(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cache := storage.NewCache(store)
	if err := cache.SaveScan(model.ScanRecord{ID: "s1", Domain: "example.com", Status: model.StatusRunning, Progress: 40, Priority: model.PriorityNormal}, false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cache.SaveFinding(model.Finding{ID: "v1", ScanID: "s1"}); err != nil {
		t.Fatalf("save finding: %v", err)
	}
	_ = store.Close()

	cfg := config.Default()
	cfg.Storage.Enabled = true
	cfg.Storage.DBPath = dbPath
	cfg.Notifications.Channels = nil
	runner := New(cfg, logging.Discard())
	s, err := runner.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer s.close()

	if _, ok := s.engine.Scans().Get("s1"); !ok {
		t.Fatalf("expected cached scan to be restored")
	}
	if s.engine.Vulnerabilities().Len() != 1 {
		t.Fatalf("expected cached finding to be restored")
	}
}

func TestBuildPollsBackendOnStart(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/scans/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"active_scans": map[string]interface{}{
				"s1": map[string]interface{}{"domain": "example.com", "status": "running", "progress": 25, "priority": 1},
			},
			"scan_history": map[string]interface{}{},
		})
	}))
	defer backendSrv.Close()

	cfg := config.Default()
	cfg.Backend.BaseURL = backendSrv.URL
	cfg.Connection.MaxAttempts = 1
	cfg.Connection.BackoffBase = "10ms"
	cfg.Connection.BackoffCap = "10ms"
	cfg.API.Enabled = false
	cfg.Notifications.Channels = nil

	runner := New(cfg, logging.Discard())
	s, err := runner.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.engine.Run(ctx) }()
	s.sched.Start(ctx)
	defer func() {
		s.sched.Stop()
		cancel()
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := s.engine.Scans().Get("s1"); ok && rec.Progress == 25 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected polled scan to appear in the registry")
}

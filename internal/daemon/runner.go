package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/api"
	"github.com/ipsix/reconsync/internal/backend"
	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/conn"
	"github.com/ipsix/reconsync/internal/engine"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/metrics"
	"github.com/ipsix/reconsync/internal/notify"
	"github.com/ipsix/reconsync/internal/registry"
	"github.com/ipsix/reconsync/internal/scheduler"
	"github.com/ipsix/reconsync/internal/storage"
	"github.com/ipsix/reconsync/internal/vulns"
)

const pruneInterval = time.Hour

type Runner struct {
	cfg    config.Config
	logger *logging.Logger
}

func New(cfg config.Config, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger,
	}
}

// session is everything one Run wires together.
type session struct {
	engine *engine.Engine
	sink   *notify.Sink
	sched  *scheduler.Scheduler
	link   *conn.Manager
	api    *api.Server
	store  *storage.BadgerStore
	cache  *storage.Cache
}

func (r *Runner) build() (*session, error) {
	cfg := r.cfg
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	sink := notify.New(r.logger, cfg.Notifications.Delays())
	channels, err := notify.BuildChannels(cfg.Notifications, r.logger)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		sink.Register(ch)
	}

	s := &session{sink: sink}
	opts := engine.Options{
		Logger:        r.logger,
		Metrics:       m,
		Backend:       backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, cfg.Backend.RequestTimeoutDuration()),
		Scans:         registry.New(cfg.Poll.HistoryLimit),
		Vulns:         vulns.New(cfg.Vulnerabilities.PageSize),
		Notifications: sink,
		Activity:      activity.New(cfg.Activity.Capacity),
		MissedPolls:   cfg.Poll.MissedPolls,
	}
	if cfg.Storage.Enabled {
		store, err := storage.NewBadgerStoreWithKey(cfg.Storage.DBPath, cfg.Storage.EncryptionKeyBase64, r.logger)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.cache = storage.NewCache(store)
		opts.Cache = s.cache
	}

	eng, err := engine.New(opts)
	if err != nil {
		s.close()
		return nil, err
	}
	s.engine = eng

	if s.cache != nil {
		r.prune(s.cache)
		cached, err := s.cache.Load()
		if err != nil {
			r.logger.Warn("cached state unreadable, starting empty", logging.Err(err))
		} else {
			eng.Seed(cached.Active, cached.History, cached.Findings)
			r.logger.Info("cached state restored",
				logging.Field{Key: "active", Value: len(cached.Active)},
				logging.Field{Key: "history", Value: len(cached.History)},
				logging.Field{Key: "findings", Value: len(cached.Findings)},
			)
		}
	}

	sched, err := scheduler.New(r.logger, m, scheduler.Config{
		Schedule:        cfg.Poll.Schedule,
		Timeout:         cfg.Poll.TimeoutDuration(),
		RunOnStart:      true,
		TriggerInterval: cfg.Poll.TriggerIntervalDuration(),
		TriggerBurst:    cfg.Poll.TriggerBurst,
	}, eng.Poll)
	if err != nil {
		s.close()
		return nil, err
	}
	eng.SetPoller(sched)
	s.sched = sched

	pushURL, err := cfg.Backend.PushURL()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("push url: %w", err)
	}
	backoff := conn.Backoff{
		Base:        cfg.Connection.BackoffBaseDuration(),
		Cap:         cfg.Connection.BackoffCapDuration(),
		MaxAttempts: cfg.Connection.MaxAttempts,
		Jitter:      cfg.Connection.Jitter,
	}
	dialer := conn.WebSocketDialer{Origin: cfg.Backend.OriginURL(), Token: cfg.Backend.AuthToken}
	s.link = conn.NewManager(pushURL, dialer, backoff, eng, r.logger, m)
	s.api = api.New(cfg.API, r.logger, eng, s.link, m)
	return s, nil
}

func (r *Runner) Run(ctx context.Context) error {
	s, err := r.build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				r.logger.Error("component exited with error", logging.Field{Key: "component", Value: name}, logging.Err(err))
			}
		}()
	}
	start("engine", s.engine.Run)
	start("notifications", func(ctx context.Context) error { s.sink.Run(ctx); return nil })
	start("push", s.link.Run)
	start("api", s.api.Start)
	if s.cache != nil {
		start("retention", func(ctx context.Context) error { r.pruneLoop(ctx, s.cache); return nil })
	}
	s.sched.Start(ctx)

	r.logger.Info("daemon started")

	go r.handleSignals(sigCh, cancel, s.link.Reconnect)

	<-ctx.Done()

	return r.shutdown(s, &wg, r.cfg.Client.ShutdownTimeoutDuration())
}

// handleSignals maps SIGHUP to a manual push channel reset.
func (r *Runner) handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, reconnect func()) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("manual reconnect requested")
			if reconnect != nil {
				reconnect()
			}
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
		}
	}
}

func (r *Runner) pruneLoop(ctx context.Context, cache *storage.Cache) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(cache)
		}
	}
}

func (r *Runner) prune(cache *storage.Cache) {
	if r.cfg.Storage.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.Storage.RetentionDays)
	removed, err := cache.PruneOlderThan(cutoff)
	if err != nil {
		r.logger.Warn("cache prune failed", logging.Err(err))
		return
	}
	if removed > 0 {
		r.logger.Info("cache pruned", logging.Field{Key: "removed", Value: removed})
	}
}

func (r *Runner) shutdown(s *session, wg *sync.WaitGroup, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r.logger.Info("shutdown starting", logging.Field{Key: "timeout", Value: timeout.String()})
	s.sched.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("shutdown timed out waiting for components")
	}
	s.close()
	r.logger.Info("shutdown complete")
	return nil
}

func (s *session) close() {
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/metrics"
)

// PollFunc fetches one snapshot and hands it to the reconciliation engine.
type PollFunc func(ctx context.Context) error

type Config struct {
	Schedule        string
	Timeout         time.Duration
	RunOnStart      bool
	TriggerInterval time.Duration
	TriggerBurst    int
}

type Scheduler struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	cfg     Config
	poll    PollFunc

	cron    *cron.Cron
	limiter *rate.Limiter
	trigger chan struct{}
	pending atomic.Bool
	running atomic.Bool
	polls   atomic.Int64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(logger *logging.Logger, m *metrics.Metrics, cfg Config, poll PollFunc) (*Scheduler, error) {
	if poll == nil {
		return nil, errors.New("poll function is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = time.Second
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = 1
	}
	logger = logger.With(logging.Field{Key: "component", Value: "scheduler"})
	s := &Scheduler{
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		poll:    poll,
		cron:    cron.New(cron.WithLogger(cronLogger{logger: logger})),
		limiter: rate.NewLimiter(rate.Every(cfg.TriggerInterval), cfg.TriggerBurst),
		trigger: make(chan struct{}, 1),
	}
	if _, err := s.cron.AddFunc(normalizeSchedule(cfg.Schedule), s.tick); err != nil {
		return nil, fmt.Errorf("poll schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	runCtx := s.ctx
	s.mu.Unlock()

	go s.triggerLoop(runCtx)
	s.cron.Start()
	if s.cfg.RunOnStart {
		go s.execute(runCtx, "start")
	}
}

// Stop cancels the poll timer and any poll in flight, then waits for the
// running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	<-done
}

// Trigger asks for a poll that starts after this call. Requests that arrive
// while a poll is in flight or the limiter is out of budget are merged into
// one pending poll, which runs as soon as both allow. It reports false when
// the request merged into one already pending.
func (s *Scheduler) Trigger() bool {
	fresh := s.pending.CompareAndSwap(false, true)
	s.wake()
	return fresh
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Polls reports how many polls have run to completion or failure.
func (s *Scheduler) Polls() int64 {
	return s.polls.Load()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.execute(ctx, "schedule")
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			if !s.pending.Load() {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			// A skipped run is picked up again when the poll in flight ends.
			s.execute(ctx, "trigger")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, reason string) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("poll skipped, previous poll still in flight", logging.Field{Key: "reason", Value: reason})
		s.metrics.Poll("skipped")
		return
	}
	// Any trigger so far is answered by this poll.
	s.pending.Store(false)
	defer func() {
		s.running.Store(false)
		if s.pending.Load() {
			s.wake()
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.polls.Add(1)
			s.metrics.Poll("panic")
			s.logger.Error("poll panic recovered",
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
	}()

	err := s.poll(runCtx)
	s.polls.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.Poll("error")
		s.logger.Warn("poll failed",
			logging.Field{Key: "reason", Value: reason},
			logging.Field{Key: "duration", Value: time.Since(started).String()},
			logging.Err(err),
		)
		return
	}
	s.metrics.Poll("ok")
	s.logger.Debug("poll completed",
		logging.Field{Key: "reason", Value: reason},
		logging.Field{Key: "duration", Value: time.Since(started).String()},
	)
}

// normalizeSchedule accepts a bare duration as shorthand for "@every".
func normalizeSchedule(expr string) string {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.HasPrefix(expr, "@") || strings.Contains(expr, " ") {
		return expr
	}
	if _, err := time.ParseDuration(expr); err == nil {
		return "@every " + expr
	}
	return expr
}

type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logging.Err(err))
	l.logger.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return fields
}

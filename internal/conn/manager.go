package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/metrics"
	"github.com/ipsix/reconsync/internal/model"
)

type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// State is the ephemeral push channel status. It is rebuilt on every
// session and never persisted.
type State struct {
	Phase     Phase         `json:"phase"`
	Attempt   int           `json:"attempt"`
	NextDelay time.Duration `json:"next_delay"`
	Terminal  bool          `json:"terminal"`
	Manual    bool          `json:"manual,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	ChangedAt time.Time     `json:"changed_at"`
}

type Conn interface {
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Handler receives decoded events and every state change.
type Handler interface {
	HandleEvent(ev model.Event)
	HandleState(st State)
}

type Manager struct {
	endpoint string
	dialer   Dialer
	backoff  Backoff
	handler  Handler
	logger   *logging.Logger
	metrics  *metrics.Metrics

	// newTimer is swapped in tests to observe delays without sleeping.
	newTimer func(d time.Duration) (<-chan time.Time, func() bool)
	now      func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	state   State
	attempt int
	halted  bool
	manual  bool
	current Conn
}

func NewManager(endpoint string, dialer Dialer, backoff Backoff, handler Handler, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		endpoint: endpoint,
		dialer:   dialer,
		backoff:  backoff,
		handler:  handler,
		logger:   logger.With(logging.Field{Key: "component", Value: "conn"}),
		metrics:  m,
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
		now:   func() time.Time { return time.Now().UTC() },
		wake:  make(chan struct{}, 1),
		state: State{Phase: PhaseClosed},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run keeps the push channel alive until ctx is done. After the retry
// budget is exhausted, or after Disconnect, it idles in a terminal closed
// state until Reconnect is called.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.attempt = 0
	m.halted = false
	m.manual = false
	m.mu.Unlock()

	for {
		if ctx.Err() != nil {
			m.setState(State{Phase: PhaseClosed})
			return nil
		}

		if halted, manual, attempt := m.haltInfo(); halted {
			m.setState(State{Phase: PhaseClosed, Attempt: attempt, Terminal: true, Manual: manual})
			select {
			case <-ctx.Done():
				continue
			case <-m.wake:
				continue
			}
		}

		m.setState(State{Phase: PhaseConnecting, Attempt: m.currentAttempt()})
		c, err := m.dialer.Dial(ctx, m.endpoint)
		if err != nil {
			err = &ConnectionError{Endpoint: m.endpoint, Err: err}
			m.logger.Warn("push channel dial failed", logging.Field{Key: "endpoint", Value: m.endpoint}, logging.Err(err))
		} else if halted, _, _ := m.haltInfo(); halted {
			_ = c.Close()
			continue
		} else {
			m.mu.Lock()
			m.attempt = 0
			m.current = c
			m.mu.Unlock()
			m.setState(State{Phase: PhaseOpen})
			m.logger.Info("push channel open", logging.Field{Key: "endpoint", Value: m.endpoint})
			err = m.readLoop(ctx, c)
			m.mu.Lock()
			m.current = nil
			m.mu.Unlock()
			m.logger.Warn("push channel closed", logging.Err(err))
		}

		if ctx.Err() != nil {
			continue
		}

		m.mu.Lock()
		if m.halted {
			m.mu.Unlock()
			continue
		}
		if m.backoff.Exhausted(m.attempt) {
			m.halted = true
			attempt := m.attempt
			m.mu.Unlock()
			m.logger.Error("push channel retry budget exhausted", logging.Field{Key: "attempts", Value: attempt})
			m.setState(State{Phase: PhaseClosed, Attempt: attempt, Terminal: true, LastError: errString(err)})
			continue
		}
		delay := m.backoff.Delay(m.attempt)
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		m.metrics.ReconnectAttempt()
		m.setState(State{Phase: PhaseClosed, Attempt: attempt, NextDelay: delay, LastError: errString(err)})
		m.wait(ctx, delay)
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	fire, stop := m.newTimer(d)
	defer stop()
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-fire:
	}
}

func (m *Manager) readLoop(ctx context.Context, c Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	for {
		raw, err := c.Receive()
		if err != nil {
			_ = c.Close()
			return &ConnectionError{Endpoint: m.endpoint, Err: err}
		}
		ev, err := Decode(raw, m.now())
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				m.logger.Warn("dropping malformed frame",
					logging.Field{Key: "reason", Value: perr.Reason},
					logging.Field{Key: "frame", Value: perr.Raw},
				)
			}
			m.metrics.FrameDropped()
			continue
		}
		m.metrics.FrameReceived(string(ev.Kind))
		m.handler.HandleEvent(ev)
	}
}

// Reconnect is the manual reset: it clears a terminal state, resets the
// attempt counter and cancels any pending backoff wait.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.halted = false
	m.manual = false
	m.attempt = 0
	open := m.state.Phase == PhaseOpen
	m.mu.Unlock()
	if open {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Disconnect closes the channel and cancels the reconnection timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.halted = true
	m.manual = true
	c := m.current
	m.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) haltInfo() (halted, manual bool, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.manual, m.attempt
}

func (m *Manager) currentAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) setState(st State) {
	st.ChangedAt = m.now()
	m.mu.Lock()
	prev := m.state
	if prev.Phase == st.Phase && prev.Attempt == st.Attempt && prev.Terminal == st.Terminal &&
		prev.Manual == st.Manual && prev.NextDelay == st.NextDelay {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.mu.Unlock()
	m.metrics.ConnectionPhase(string(st.Phase), string(PhaseConnecting), string(PhaseOpen), string(PhaseClosed))
	m.handler.HandleState(st)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

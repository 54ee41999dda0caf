package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/logging"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ScanID    string    `json:"scan_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Channel interface {
	Name() string
	Send(n Notification) error
}

// View is the read side handed to the presentation layer.
type View interface {
	Active() []Notification
}

const (
	retainLimit = 200
	queueSize   = 64
)

// Sink keeps the short-lived alerts shown to the operator. It never
// deduplicates: every Notify call yields one visible alert.
type Sink struct {
	logger   *logging.Logger
	delays   config.Delays
	channels []Channel
	queue    chan Notification

	mu    sync.RWMutex
	items []Notification
	now   func() time.Time
}

func New(logger *logging.Logger, delays config.Delays) *Sink {
	return &Sink{
		logger: logger,
		delays: delays,
		queue:  make(chan Notification, queueSize),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sink) Register(channel Channel) {
	s.channels = append(s.channels, channel)
}

func (s *Sink) DelayFor(sev Severity) time.Duration {
	switch sev {
	case SeveritySuccess:
		return s.delays.Success
	case SeverityWarning:
		return s.delays.Warning
	case SeverityError:
		return s.delays.Error
	default:
		return s.delays.Info
	}
}

func (s *Sink) Notify(sev Severity, title, message, scanID string) Notification {
	now := s.now()
	n := Notification{
		ID:        uuid.NewString(),
		Severity:  sev,
		Title:     title,
		Message:   message,
		ScanID:    scanID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.DelayFor(sev)),
	}

	s.mu.Lock()
	s.items = append(s.items, n)
	if len(s.items) > retainLimit {
		s.items = append([]Notification(nil), s.items[len(s.items)-retainLimit:]...)
	}
	s.mu.Unlock()

	if len(s.channels) > 0 {
		select {
		case s.queue <- n:
		default:
			s.logger.Warn("notification forwarding queue full", logging.Field{Key: "notification_id", Value: n.ID})
		}
	}
	return n
}

// Active returns the alerts that have not auto-dismissed yet, newest first.
func (s *Sink) Active() []Notification {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, n := range s.items {
		if now.Before(n.ExpiresAt) {
			kept = append(kept, n)
		}
	}
	s.items = kept
	out := make([]Notification, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return out
}

func (s *Sink) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.items {
		if n.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Run forwards notifications to the registered channels until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.forward(n)
		}
	}
}

func (s *Sink) forward(n Notification) {
	for _, ch := range s.channels {
		if err := ch.Send(n); err != nil {
			s.logger.Error("notification delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Err(err),
			)
		}
	}
}

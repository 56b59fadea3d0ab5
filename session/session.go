// Package session holds "the current email" for callers that compose one
// message at a time without passing a driver around.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
)

// Session owns at most one driver instance, created on first use from the
// registry and the session defaults, and discarded by Send or Reset. The
// trace of the last Send is kept separately.
//
// All methods are serialized by a mutex, but callers composing different
// messages should hold different sessions.
type Session struct {
	registry *driver.Registry
	defaults driver.Config
	metrics  *Metrics

	mu       sync.Mutex
	instance driver.Driver
	debug    string
	hasDebug bool
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records every Send in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// New creates a Session building drivers from reg with defaults. A nil reg
// uses driver.Default.
func New(reg *driver.Registry, defaults driver.Config, opts ...Option) *Session {
	if reg == nil {
		reg = driver.Default
	}
	s := &Session{registry: reg, defaults: defaults}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// current returns the live instance, creating it if needed. Callers hold mu.
func (s *Session) current() (driver.Driver, error) {
	if s.instance != nil {
		return s.instance, nil
	}
	d, err := s.registry.New(driver.Merge(nil, s.defaults))
	if err != nil {
		return nil, err
	}
	s.instance = d
	return d, nil
}

// Current returns the live driver instance, creating it if needed.
func (s *Session) Current() (driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

func (s *Session) update(fn func(*email.Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.current()
	if err != nil {
		return err
	}
	return fn(d.Message())
}

func read[T any](s *Session, fn func(*email.Message) T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.current()
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(d.Message()), nil
}

// AddHeader stores a custom header; see email.Message.AddHeader.
func (s *Session) AddHeader(name, value string, overwrite bool) error {
	return s.update(func(m *email.Message) error {
		m.AddHeader(name, value, overwrite)
		return nil
	})
}

// Headers returns the custom headers of the current message.
func (s *Session) Headers() (map[string]string, error) {
	return read(s, (*email.Message).Headers)
}

// AddTo adds To recipients to the current message.
func (s *Session) AddTo(addrs ...email.Address) error {
	return s.update(func(m *email.Message) error { return m.AddTo(addrs...) })
}

// To returns the To recipients of the current message.
func (s *Session) To() (map[string]string, error) {
	return read(s, (*email.Message).To)
}

// AddCc adds Cc recipients to the current message.
func (s *Session) AddCc(addrs ...email.Address) error {
	return s.update(func(m *email.Message) error { return m.AddCc(addrs...) })
}

// Cc returns the Cc recipients of the current message.
func (s *Session) Cc() (map[string]string, error) {
	return read(s, (*email.Message).Cc)
}

// AddBcc adds Bcc recipients to the current message.
func (s *Session) AddBcc(addrs ...email.Address) error {
	return s.update(func(m *email.Message) error { return m.AddBcc(addrs...) })
}

// Bcc returns the Bcc recipients of the current message.
func (s *Session) Bcc() (map[string]string, error) {
	return read(s, (*email.Message).Bcc)
}

// SetFrom sets the sender of the current message.
func (s *Session) SetFrom(addr email.Address) error {
	return s.update(func(m *email.Message) error { return m.SetFrom(addr) })
}

// From returns the formatted sender of the current message.
func (s *Session) From() (string, error) {
	return read(s, (*email.Message).From)
}

// SetSubject replaces the subject.
func (s *Session) SetSubject(subject string) error {
	return s.update(func(m *email.Message) error {
		m.SetSubject(subject)
		return nil
	})
}

// Subject returns the subject.
func (s *Session) Subject() (string, error) {
	return read(s, (*email.Message).Subject)
}

// SetContent replaces the primary body.
func (s *Session) SetContent(content string) error {
	return s.update(func(m *email.Message) error {
		m.SetContent(content)
		return nil
	})
}

// AddContent appends to the primary body.
func (s *Session) AddContent(content string) error {
	return s.update(func(m *email.Message) error {
		m.AddContent(content)
		return nil
	})
}

// Content returns the primary body.
func (s *Session) Content() (string, error) {
	return read(s, (*email.Message).Content)
}

// SetAltContent replaces the plain-text alternative body.
func (s *Session) SetAltContent(content string) error {
	return s.update(func(m *email.Message) error {
		m.SetAltContent(content)
		return nil
	})
}

// AddAltContent appends to the plain-text alternative body.
func (s *Session) AddAltContent(content string) error {
	return s.update(func(m *email.Message) error {
		m.AddAltContent(content)
		return nil
	})
}

// AltContent returns the plain-text alternative body.
func (s *Session) AltContent() (string, error) {
	return read(s, (*email.Message).AltContent)
}

// Attach records a file to attach when the message is sent.
func (s *Session) Attach(path string) error {
	return s.update(func(m *email.Message) error {
		m.Attach(path)
		return nil
	})
}

// AttachData records an in-memory attachment.
func (s *Session) AttachData(name, contentType string, data []byte) error {
	return s.update(func(m *email.Message) error {
		m.AttachData(name, contentType, data)
		return nil
	})
}

// SetPriority sets the priority, 1 (highest) to 5 (lowest).
func (s *Session) SetPriority(p int) error {
	return s.update(func(m *email.Message) error {
		m.SetPriority(p)
		return nil
	})
}

// Send sends the current message and discards the instance whatever the
// outcome, so the next call starts a new message. The driver's trace is
// kept for Debug. The driver error is returned unchanged.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.current()
	if err != nil {
		return err
	}
	s.instance = nil

	start := time.Now()
	err = d.Send(ctx)
	elapsed := time.Since(start)

	s.debug = d.Debug()
	s.hasDebug = true
	s.metrics.observe(d.Name(), err, elapsed)

	if err != nil {
		slog.Error("email send failed",
			"driver", d.Name(),
			"duration", elapsed,
			"error", err,
		)
		return err
	}
	slog.Info("email sent",
		"driver", d.Name(),
		"duration", elapsed,
	)
	return nil
}

// Debug returns the trace of the last Send, and false if nothing was sent yet.
func (s *Session) Debug() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug, s.hasDebug
}

// Reset discards the current instance without sending it.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance = nil
}

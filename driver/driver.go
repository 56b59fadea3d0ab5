// Package driver defines the contract email delivery drivers implement and
// the registry that turns a configured protocol name into a driver.
package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/shineum/mailer-lite/email"
)

// Driver is an email under construction bound to one transport. Callers
// build the message through Message and hand it off once with Send.
// A driver must not be reused after Send.
type Driver interface {
	// Name returns the protocol name the driver is registered under.
	Name() string

	// Message returns the message being built.
	Message() *email.Message

	// Send formats and transmits the message. It returns an error if the
	// message is invalid, was already sent, or delivery fails.
	Send(ctx context.Context) error

	// Debug returns the trace recorded by the last Send, or "".
	Debug() string
}

// Base carries the message state and debug trace every driver needs.
// Concrete drivers embed it and implement Name and Send.
type Base struct {
	msg   *email.Message
	trace []string
}

// NewBase builds the message from the formatting keys in cfg.
func NewBase(cfg Config) (*Base, error) {
	opts := email.DefaultOptions()
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	return &Base{msg: email.NewMessage(opts)}, nil
}

// Message returns the message being built.
func (b *Base) Message() *email.Message {
	return b.msg
}

// Begin is called at the top of Send. It rejects messages without
// recipients and moves the message into its sent state.
func (b *Base) Begin() error {
	if err := b.msg.Validate(); err != nil {
		return err
	}
	return b.msg.MarkSent()
}

// Tracef appends a line to the debug trace.
func (b *Base) Tracef(format string, args ...any) {
	b.trace = append(b.trace, fmt.Sprintf(format, args...))
}

// Debug returns the recorded trace.
func (b *Base) Debug() string {
	return strings.Join(b.trace, "\n")
}

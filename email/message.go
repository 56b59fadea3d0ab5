// Package email defines the message builder shared by every delivery driver:
// recipients, sender, subject, bodies, attachments, headers and the
// formatting options a driver uses to render them.
package email

import (
	"maps"

	"golang.org/x/net/http/httpguts"
)

// Message accumulates the state of one outgoing email. It is built up by a
// single owner, consumed once by a driver's Send and then abandoned.
type Message struct {
	headers     map[string]string
	to          recipients
	cc          recipients
	bcc         recipients
	from        *Address
	subject     string
	content     string
	altContent  string
	attachments []Attachment
	priority    int
	options     Options
	sent        bool
}

// NewMessage returns an empty message using opts for rendering.
func NewMessage(opts Options) *Message {
	return &Message{
		headers:  make(map[string]string),
		to:       newRecipients(),
		cc:       newRecipients(),
		bcc:      newRecipients(),
		priority: 3,
		options:  opts.normalize(),
	}
}

// Options returns the formatting options.
func (m *Message) Options() Options {
	return m.options
}

// Headers returns a copy of the custom headers.
func (m *Message) Headers() map[string]string {
	return maps.Clone(m.headers)
}

// AddHeader stores value under name when both are non-empty and either
// overwrite is set or no value is stored yet. Anything else, including a
// name that is not a single header token, is a no-op.
func (m *Message) AddHeader(name, value string, overwrite bool) *Message {
	if value == "" || !httpguts.ValidHeaderFieldName(name) {
		return m
	}
	if overwrite || m.headers[name] == "" {
		m.headers[name] = value
	}
	return m
}

// To returns a copy of the direct recipients, address to display name.
func (m *Message) To() map[string]string { return m.to.snapshot() }

// Cc returns a copy of the carbon-copy recipients.
func (m *Message) Cc() map[string]string { return m.cc.snapshot() }

// Bcc returns a copy of the blind carbon-copy recipients.
func (m *Message) Bcc() map[string]string { return m.bcc.snapshot() }

// ToList returns the direct recipients in insertion order.
func (m *Message) ToList() []Address { return m.to.list() }

// CcList returns the carbon-copy recipients in insertion order.
func (m *Message) CcList() []Address { return m.cc.list() }

// BccList returns the blind carbon-copy recipients in insertion order.
func (m *Message) BccList() []Address { return m.bcc.list() }

// AddTo validates and adds direct recipients. If any address is invalid
// nothing from this call is stored.
func (m *Message) AddTo(addrs ...Address) error { return m.to.add(addrs) }

// AddCc validates and adds carbon-copy recipients.
func (m *Message) AddCc(addrs ...Address) error { return m.cc.add(addrs) }

// AddBcc validates and adds blind carbon-copy recipients.
func (m *Message) AddBcc(addrs ...Address) error { return m.bcc.add(addrs) }

// HasRecipients reports whether any of to, cc or bcc is non-empty.
func (m *Message) HasRecipients() bool {
	return m.to.len()+m.cc.len()+m.bcc.len() > 0
}

// From returns the formatted sender, or "" when none is set.
func (m *Message) From() string {
	if m.from == nil {
		return ""
	}
	return m.from.String()
}

// Sender returns the sender address and whether one is set.
func (m *Message) Sender() (Address, bool) {
	if m.from == nil {
		return Address{}, false
	}
	return *m.from, true
}

// SetFrom validates addr and makes it the sender, replacing any previous one.
func (m *Message) SetFrom(addr Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	m.from = &addr
	return nil
}

// Subject returns the subject line.
func (m *Message) Subject() string { return m.subject }

// SetSubject replaces the subject line.
func (m *Message) SetSubject(subject string) *Message {
	m.subject = subject
	return m
}

// Content returns the primary body.
func (m *Message) Content() string { return m.content }

// SetContent replaces the primary body.
func (m *Message) SetContent(content string) *Message {
	m.content = content
	return m
}

// AddContent appends to the primary body.
func (m *Message) AddContent(content string) *Message {
	m.content += content
	return m
}

// AltContent returns the alternative plain-text body.
func (m *Message) AltContent() string { return m.altContent }

// SetAltContent replaces the alternative body.
func (m *Message) SetAltContent(content string) *Message {
	m.altContent = content
	return m
}

// AddAltContent appends to the alternative body.
func (m *Message) AddAltContent(content string) *Message {
	m.altContent += content
	return m
}

// Attach records a file to attach. The file is read by the driver at send
// time, not here.
func (m *Message) Attach(path string) *Message {
	m.attachments = append(m.attachments, Attachment{Path: path})
	return m
}

// AttachData records an in-memory attachment.
func (m *Message) AttachData(name, contentType string, data []byte) *Message {
	m.attachments = append(m.attachments, Attachment{
		Name:        name,
		ContentType: contentType,
		Content:     data,
	})
	return m
}

// Attachments returns the attachments in insertion order.
func (m *Message) Attachments() []Attachment {
	out := make([]Attachment, len(m.attachments))
	copy(out, m.attachments)
	return out
}

// Priority returns the priority, 1 (highest) to 5 (lowest).
func (m *Message) Priority() int { return m.priority }

// SetPriority sets the priority, clamped into 1..5.
func (m *Message) SetPriority(p int) *Message {
	m.priority = min(max(p, 1), 5)
	return m
}

// Validate reports whether the message can be handed to a driver.
func (m *Message) Validate() error {
	if !m.HasRecipients() {
		return ErrNoRecipients
	}
	return nil
}

// Sent reports whether MarkSent has been called.
func (m *Message) Sent() bool { return m.sent }

// MarkSent moves the message into its terminal state. A second call
// returns ErrAlreadySent.
func (m *Message) MarkSent() error {
	if m.sent {
		return ErrAlreadySent
	}
	m.sent = true
	return nil
}

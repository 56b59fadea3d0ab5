// Package stdout implements a driver that prints emails to standard output
// instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
)

// Name is the protocol name the driver registers under.
const Name = "stdout"

const separator = "========================================\n"

func init() {
	driver.Register(Name, Factory(os.Stdout))
}

// Driver prints the message in a human-readable format.
type Driver struct {
	*driver.Base
	writer io.Writer
}

// Factory returns a driver.Factory whose drivers print to w.
func Factory(w io.Writer) driver.Factory {
	return func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg, w)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// New creates a Driver writing to w.
func New(cfg driver.Config, w io.Writer) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{Base: base, writer: w}, nil
}

// Name returns the protocol name.
func (d *Driver) Name() string {
	return Name
}

// Send prints the message.
func (d *Driver) Send(_ context.Context) error {
	if err := d.Begin(); err != nil {
		return err
	}
	msg := d.Message()

	var b strings.Builder

	b.WriteString(separator)
	from, _ := msg.Sender()
	fmt.Fprintf(&b, "From: %s\n", display(from))
	fmt.Fprintf(&b, "To: %s\n", joinAddresses(msg.ToList()))

	if cc := msg.CcList(); len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", joinAddresses(cc))
	}
	if bcc := msg.BccList(); len(bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", joinAddresses(bcc))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())
	if p := msg.Priority(); p != 3 {
		fmt.Fprintf(&b, "Priority: %d\n", p)
	}
	b.WriteString("Body:\n")

	body := msg.AltContent()
	if body == "" {
		body = msg.Content()
	}
	b.WriteString(body + "\n")

	if atts := msg.Attachments(); len(atts) > 0 {
		names := make([]string, 0, len(atts))
		for _, att := range atts {
			loaded, err := att.Load()
			if err != nil {
				return err
			}
			names = append(names, fmt.Sprintf("%s (%s)", loaded.Name, formatSize(len(loaded.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}

	b.WriteString(separator)

	if _, err := io.WriteString(d.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	d.Tracef("printed message to %d recipients", len(msg.ToList())+len(msg.CcList())+len(msg.BccList()))
	return nil
}

func joinAddresses(addrs []email.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, display(a))
	}
	return strings.Join(out, ", ")
}

func display(a email.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

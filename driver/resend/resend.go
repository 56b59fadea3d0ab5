// Package resend implements a driver that sends emails via the Resend API.
package resend

import (
	"context"
	"errors"
	"fmt"

	resendsdk "github.com/resend/resend-go/v2"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
	"github.com/shineum/mailer-lite/internal/compose"
)

// Name is the protocol name the driver registers under.
const Name = "resend"

var (
	// ErrNoAPIKey is returned by New when resend_api_key is missing.
	ErrNoAPIKey = errors.New("resend: missing API key")

	// ErrNoSender is returned when neither the message nor the
	// configuration names a sender.
	ErrNoSender = errors.New("resend: no sender address")
)

func init() {
	driver.Register(Name, func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg, nil)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Settings are the Resend keys of a driver configuration.
type Settings struct {
	APIKey string `yaml:"resend_api_key"`

	// Sender is used when the message has no From address.
	Sender string `yaml:"resend_sender"`
}

// EmailSender is the part of the Resend client the driver uses.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resendsdk.SendEmailRequest) (*resendsdk.SendEmailResponse, error)
}

// Driver sends the message through the Resend emails endpoint.
type Driver struct {
	*driver.Base
	settings Settings
	emails   EmailSender
}

// New creates a Driver. A nil sender is replaced by a Resend client built
// from the configured API key.
func New(cfg driver.Config, sender EmailSender) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	var settings Settings
	if err := cfg.Decode(&settings); err != nil {
		return nil, err
	}
	if sender == nil {
		if settings.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		sender = resendsdk.NewClient(settings.APIKey).Emails
	}
	return &Driver{Base: base, settings: settings, emails: sender}, nil
}

// Name returns the protocol name.
func (d *Driver) Name() string {
	return Name
}

// Send delivers the message.
func (d *Driver) Send(ctx context.Context) error {
	if err := d.Begin(); err != nil {
		return err
	}

	params, err := d.buildRequest()
	if err != nil {
		return err
	}

	sent, err := d.emails.SendWithContext(ctx, params)
	if err != nil {
		d.Tracef("resend: %v", err)
		return fmt.Errorf("resend send failed: %w", err)
	}
	if sent != nil {
		d.Tracef("resend: accepted as %s", sent.Id)
	}
	return nil
}

func (d *Driver) buildRequest() (*resendsdk.SendEmailRequest, error) {
	msg := d.Message()
	opts := msg.Options()

	sender, ok := msg.Sender()
	if !ok {
		if d.settings.Sender == "" {
			return nil, ErrNoSender
		}
		sender = email.Bare(d.settings.Sender)
	}

	params := &resendsdk.SendEmailRequest{
		From:    compose.FormatAddress(sender),
		To:      formatAll(msg.ToList()),
		Cc:      formatAll(msg.CcList()),
		Bcc:     formatAll(msg.BccList()),
		Subject: msg.Subject(),
		Text:    msg.AltContent(),
	}
	if content := msg.Content(); content != "" {
		if opts.ContentType == "text/html" {
			params.Html = content
		} else {
			params.Text = content
		}
	}

	headers := msg.Headers()
	if p := msg.Priority(); p != 3 {
		if headers == nil {
			headers = make(map[string]string)
		}
		if _, ok := headers["X-Priority"]; !ok {
			headers["X-Priority"] = fmt.Sprint(p)
		}
	}
	if len(headers) > 0 {
		params.Headers = headers
	}

	for _, att := range msg.Attachments() {
		loaded, err := att.Load()
		if err != nil {
			return nil, err
		}
		params.Attachments = append(params.Attachments, &resendsdk.Attachment{
			Filename: loaded.Name,
			Content:  loaded.Content,
		})
	}
	return params, nil
}

func formatAll(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, compose.FormatAddress(a))
	}
	return out
}

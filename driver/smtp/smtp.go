// Package smtp implements a driver that delivers messages to an SMTP
// relay with go-simple-mail.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	mail "github.com/xhit/go-simple-mail/v2"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
	"github.com/shineum/mailer-lite/internal/certs"
	"github.com/shineum/mailer-lite/internal/compose"
)

// Name is the protocol name the driver registers under.
const Name = "smtp"

// ErrNoSender is returned when the message has no From address; SMTP needs
// one for the envelope.
var ErrNoSender = errors.New("smtp: no sender address")

func init() {
	driver.Register(Name, func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Settings are the SMTP keys of a driver configuration.
type Settings struct {
	Host     string `yaml:"smtp_host"`
	Port     int    `yaml:"smtp_port"`
	Username string `yaml:"smtp_username"`
	Password string `yaml:"smtp_password"`

	// Encryption is none, tls (implicit) or starttls.
	Encryption string `yaml:"smtp_encryption"`

	// Auth is plain, login or crammd5. It only applies when a username is set.
	Auth string `yaml:"smtp_auth"`

	CertValidation bool          `yaml:"smtp_cert_validation"`
	CAFile         string        `yaml:"smtp_ca_file"`
	Timeout        time.Duration `yaml:"smtp_timeout"`
}

// DefaultSettings returns the settings used for keys the configuration omits.
func DefaultSettings() Settings {
	return Settings{
		Host:           "localhost",
		Port:           25,
		Encryption:     "none",
		Auth:           "plain",
		CertValidation: true,
		Timeout:        30 * time.Second,
	}
}

var encryptions = map[string]mail.Encryption{
	"none":     mail.EncryptionNone,
	"tls":      mail.EncryptionSSLTLS,
	"ssl":      mail.EncryptionSSLTLS,
	"starttls": mail.EncryptionSTARTTLS,
}

var authTypes = map[string]mail.AuthType{
	"plain":   mail.AuthPlain,
	"login":   mail.AuthLogin,
	"crammd5": mail.AuthCRAMMD5,
}

// Driver sends the message over one SMTP connection per Send.
type Driver struct {
	*driver.Base
	settings Settings
}

// New creates a Driver, rejecting unknown encryption and auth names.
func New(cfg driver.Config) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	settings := DefaultSettings()
	if err := cfg.Decode(&settings); err != nil {
		return nil, err
	}
	settings.Encryption = strings.ToLower(settings.Encryption)
	settings.Auth = strings.ToLower(settings.Auth)
	if _, ok := encryptions[settings.Encryption]; !ok {
		return nil, fmt.Errorf("smtp: unknown encryption %q", settings.Encryption)
	}
	if _, ok := authTypes[settings.Auth]; !ok {
		return nil, fmt.Errorf("smtp: unknown auth type %q", settings.Auth)
	}
	return &Driver{Base: base, settings: settings}, nil
}

// Name returns the protocol name.
func (d *Driver) Name() string {
	return Name
}

// Send connects to the relay and submits the message.
func (d *Driver) Send(ctx context.Context) error {
	if err := d.Begin(); err != nil {
		return err
	}

	msg, err := d.buildMessage()
	if err != nil {
		return err
	}

	server, err := d.server()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.Tracef("smtp: connecting to %s:%d (%s)", server.Host, server.Port, d.settings.Encryption)
	client, err := server.Connect()
	if err != nil {
		d.Tracef("smtp: %v", err)
		return fmt.Errorf("smtp connect failed: %w", err)
	}

	if err := msg.Send(client); err != nil {
		client.Close()
		d.Tracef("smtp: %v", err)
		return fmt.Errorf("smtp send failed: %w", err)
	}
	d.Tracef("smtp: message accepted for %d recipients", recipientCount(d.Message()))
	return nil
}

func (d *Driver) server() (*mail.SMTPServer, error) {
	s := d.settings

	server := mail.NewSMTPClient()
	server.Host = s.Host
	server.Port = s.Port
	server.Username = s.Username
	server.Password = s.Password
	server.Encryption = encryptions[s.Encryption]
	server.Authentication = authTypes[s.Auth]
	server.ConnectTimeout = s.Timeout
	server.SendTimeout = s.Timeout

	tlsConfig := &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: !s.CertValidation,
	}
	if s.CAFile != "" {
		pool, err := certs.LoadPool(s.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	server.TLSConfig = tlsConfig

	return server, nil
}

// buildMessage maps the message onto a go-simple-mail email. An address
// already present in an earlier list is skipped in the later ones.
func (d *Driver) buildMessage() (*mail.Email, error) {
	msg := d.Message()
	opts := msg.Options()

	sender, ok := msg.Sender()
	if !ok {
		return nil, ErrNoSender
	}

	out := mail.NewMSG()
	out.SetFrom(compose.FormatAddress(sender))
	out.SetSubject(msg.Subject())

	seen := make(map[string]bool)
	for _, list := range []struct {
		addrs []email.Address
		add   func(...string) *mail.Email
	}{
		{msg.ToList(), out.AddTo},
		{msg.CcList(), out.AddCc},
		{msg.BccList(), out.AddBcc},
	} {
		for _, a := range list.addrs {
			key := strings.ToLower(a.Email)
			if seen[key] {
				continue
			}
			seen[key] = true
			list.add(compose.FormatAddress(a))
		}
	}

	content, alt := msg.Content(), msg.AltContent()
	if opts.WordWrap {
		alt = compose.Wrap(alt, opts.WordWrapWidth)
		content = compose.Wrap(content, opts.WordWrapWidth)
	}
	contentType := mail.TextPlain
	if opts.ContentType == "text/html" {
		contentType = mail.TextHTML
	}
	switch {
	case content != "" && alt != "":
		out.SetBody(mail.TextPlain, alt)
		out.AddAlternative(contentType, content)
	case content != "":
		out.SetBody(contentType, content)
	default:
		out.SetBody(mail.TextPlain, alt)
	}

	switch p := msg.Priority(); {
	case p < 3:
		out.SetPriority(mail.PriorityHigh)
	case p > 3:
		out.SetPriority(mail.PriorityLow)
	}

	headers := msg.Headers()
	if _, ok := headers["X-Mailer"]; !ok && opts.UserAgent != "" {
		out.AddHeader("X-Mailer", opts.UserAgent)
	}
	for name, value := range headers {
		if reservedHeaders[strings.ToLower(name)] {
			continue
		}
		out.AddHeader(name, value)
	}

	for _, att := range msg.Attachments() {
		loaded, err := att.Load()
		if err != nil {
			return nil, err
		}
		out.AddAttachmentData(loaded.Content, loaded.Name, loaded.ContentType)
	}

	if out.Error != nil {
		return nil, fmt.Errorf("smtp: %w", out.Error)
	}
	return out, nil
}

// reservedHeaders are written by go-simple-mail from the message fields.
var reservedHeaders = map[string]bool{
	"from":         true,
	"to":           true,
	"cc":           true,
	"bcc":          true,
	"subject":      true,
	"mime-version": true,
	"content-type": true,
	"date":         true,
	"message-id":   true,
}

func recipientCount(msg *email.Message) int {
	return len(msg.ToList()) + len(msg.CcList()) + len(msg.BccList())
}

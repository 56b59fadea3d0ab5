// Package ses implements a driver that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
	"github.com/shineum/mailer-lite/internal/compose"
	"github.com/shineum/mailer-lite/internal/retry"
)

// Name is the protocol name the driver registers under.
const Name = "ses"

// ErrNoSender is returned when neither the message nor the configuration
// names a sender.
var ErrNoSender = errors.New("ses: no sender address")

func init() {
	driver.Register(Name, func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg, nil)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Settings are the SES keys of a driver configuration.
type Settings struct {
	Region          string `yaml:"ses_region"`
	AccessKeyID     string `yaml:"ses_access_key_id"`
	SecretAccessKey string `yaml:"ses_secret_access_key"`

	// Sender is used when the message has no From address.
	Sender string `yaml:"ses_sender"`
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Driver sends the message through the SES v2 API.
type Driver struct {
	*driver.Base
	settings Settings
	client   SendEmailAPI
	policy   retry.Policy
}

// New creates a Driver. A nil client is built from the AWS default
// configuration chain on first Send.
func New(cfg driver.Config, client SendEmailAPI) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	var settings Settings
	if err := cfg.Decode(&settings); err != nil {
		return nil, err
	}
	return &Driver{
		Base:     base,
		settings: settings,
		client:   client,
		policy:   retry.Default,
	}, nil
}

// Name returns the protocol name.
func (d *Driver) Name() string {
	return Name
}

// Send delivers the message. Anything the SES simple format cannot carry
// is sent as raw MIME.
func (d *Driver) Send(ctx context.Context) error {
	if err := d.Begin(); err != nil {
		return err
	}

	input, err := d.buildInput()
	if err != nil {
		return err
	}

	if d.client == nil {
		client, err := newClient(ctx, d.settings)
		if err != nil {
			return err
		}
		d.client = client
	}

	var lastErr error
	for attempt := 0; attempt <= d.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", d.policy.MaxRetries,
			)
			if err := retry.Sleep(ctx, d.policy.Backoff(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := d.client.SendEmail(ctx, input)
		if err == nil {
			if out != nil {
				d.Tracef("ses: accepted as %s", aws.ToString(out.MessageId))
			}
			return nil
		}

		lastErr = err
		d.Tracef("ses: attempt %d failed: %v", attempt, err)
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", d.policy.MaxRetries, lastErr)
}

func newClient(ctx context.Context, s Settings) (SendEmailAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

func (d *Driver) buildInput() (*sesv2.SendEmailInput, error) {
	msg := d.Message()

	sender, ok := msg.Sender()
	if !ok {
		if d.settings.Sender == "" {
			return nil, ErrNoSender
		}
		sender = email.Bare(d.settings.Sender)
	}

	if needsRaw(msg) {
		raw, err := buildRawMessage(msg, sender)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		return &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(compose.FormatAddress(sender)),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}, nil
	}

	return buildSimpleInput(msg, sender), nil
}

// needsRaw reports whether the message has parts a simple SES message
// cannot carry. Simple content has one text and one HTML slot, so a plain
// primary body alongside an alternative body goes raw as well.
func needsRaw(msg *email.Message) bool {
	if len(msg.Attachments()) > 0 || len(msg.Headers()) > 0 || msg.Priority() != 3 {
		return true
	}
	return msg.Content() != "" && msg.AltContent() != "" && msg.Options().ContentType != "text/html"
}

// destination lists every recipient. SES delivers raw messages to the
// destination, so Bcc recipients never appear in a header.
func destination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  formatAll(msg.ToList()),
		CcAddresses:  formatAll(msg.CcList()),
		BccAddresses: formatAll(msg.BccList()),
	}
}

// buildSimpleInput creates a SES SendEmailInput for plain messages.
func buildSimpleInput(msg *email.Message, sender email.Address) *sesv2.SendEmailInput {
	opts := msg.Options()
	body := &types.Body{}

	if content := msg.Content(); content != "" {
		c := &types.Content{
			Data:    aws.String(content),
			Charset: aws.String("UTF-8"),
		}
		if opts.ContentType == "text/html" {
			body.Html = c
		} else {
			body.Text = c
		}
	}
	if alt := msg.AltContent(); alt != "" && body.Text == nil {
		body.Text = &types.Content{
			Data:    aws.String(alt),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(compose.FormatAddress(sender)),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject()),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage renders the full MIME message with CRLF line endings.
func buildRawMessage(msg *email.Message, sender email.Address) ([]byte, error) {
	if _, ok := msg.Sender(); !ok {
		if err := msg.SetFrom(sender); err != nil {
			return nil, err
		}
	}
	return compose.Build(msg, compose.BuildOptions{Newline: "\r\n"})
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

// Package mail implements the default driver: it hands the rendered
// message to the local sendmail binary.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/internal/compose"
)

// Name is the protocol name the driver registers under.
const Name = driver.DefaultProtocol

// DefaultSendmailPath is used when sendmail_path is not configured.
const DefaultSendmailPath = "/usr/sbin/sendmail"

func init() {
	driver.Register(Name, func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg, nil)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Settings are the sendmail keys of a driver configuration.
type Settings struct {
	SendmailPath string `yaml:"sendmail_path"`
}

// Runner executes path with args, feeding stdin, and returns the combined
// output.
type Runner func(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.CombinedOutput()
}

// Driver pipes the message to sendmail -t, which reads the recipients,
// Bcc included, from the headers and strips the Bcc header itself.
type Driver struct {
	*driver.Base
	settings Settings
	run      Runner
}

// New creates a Driver. A nil run uses ExecRunner.
func New(cfg driver.Config, run Runner) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	settings := Settings{SendmailPath: DefaultSendmailPath}
	if err := cfg.Decode(&settings); err != nil {
		return nil, err
	}
	if settings.SendmailPath == "" {
		settings.SendmailPath = DefaultSendmailPath
	}
	if run == nil {
		run = ExecRunner
	}
	return &Driver{Base: base, settings: settings, run: run}, nil
}

// Name returns the protocol name.
func (d *Driver) Name() string {
	return Name
}

// Send renders the message and runs sendmail.
func (d *Driver) Send(ctx context.Context) error {
	if err := d.Begin(); err != nil {
		return err
	}
	msg := d.Message()

	raw, err := compose.Build(msg, compose.BuildOptions{IncludeBcc: true})
	if err != nil {
		return err
	}

	args := []string{"-t", "-i"}
	if sender, ok := msg.Sender(); ok {
		args = append(args, "-f", sender.Email)
	}

	d.Tracef("mail: %s %s", d.settings.SendmailPath, strings.Join(args, " "))
	out, err := d.run(ctx, d.settings.SendmailPath, args, raw)
	if len(out) > 0 {
		d.Tracef("%s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("sendmail failed: %w", err)
	}
	d.Tracef("mail: handed %d bytes to sendmail", len(raw))
	return nil
}

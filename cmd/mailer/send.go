package main

import (
	"fmt"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/net/http/httpguts"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
	"github.com/shineum/mailer-lite/internal/parser"
	"github.com/shineum/mailer-lite/session"
)

type sendFlags struct {
	to, cc, bcc []string
	from        string
	subject     string
	body        string
	bodyFile    string
	alt         string
	attach      []string
	headers     []string
	priority    int
	protocol    string
	eml         string
	debug       bool
	metricsFile string
}

func newSendCmd(reg *driver.Registry, global *globalFlags) *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Compose one message and send it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			return runSend(cmd, reg, cfg.Email, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringArrayVar(&f.to, "to", nil, "recipient, as addr or \"Name <addr>\" (repeatable)")
	fl.StringArrayVar(&f.cc, "cc", nil, "carbon-copy recipient (repeatable)")
	fl.StringArrayVar(&f.bcc, "bcc", nil, "blind carbon-copy recipient (repeatable)")
	fl.StringVar(&f.from, "from", "", "sender address")
	fl.StringVar(&f.subject, "subject", "", "subject line")
	fl.StringVar(&f.body, "body", "", "message body")
	fl.StringVar(&f.bodyFile, "body-file", "", "read the message body from a file")
	fl.StringVar(&f.alt, "alt", "", "plain-text alternative body")
	fl.StringArrayVar(&f.attach, "attach", nil, "file to attach (repeatable)")
	fl.StringArrayVar(&f.headers, "header", nil, "custom header as \"Name: value\" (repeatable)")
	fl.IntVar(&f.priority, "priority", 0, "priority from 1 (highest) to 5 (lowest)")
	fl.StringVar(&f.protocol, "protocol", "", "driver to send with (overrides config)")
	fl.StringVar(&f.eml, "eml", "", "start from a stored RFC 5322 message")
	fl.BoolVar(&f.debug, "debug", false, "print the driver trace to stderr")
	fl.StringVar(&f.metricsFile, "metrics-textfile", "", "write send metrics in Prometheus text format to this file")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")

	return cmd
}

func runSend(cmd *cobra.Command, reg *driver.Registry, defaults driver.Config, f *sendFlags) error {
	overrides := driver.Config{}
	if f.protocol != "" {
		overrides["protocol"] = f.protocol
	}

	var preload *parser.Message
	if f.eml != "" {
		raw, err := os.ReadFile(f.eml)
		if err != nil {
			return fmt.Errorf("failed to read message file: %w", err)
		}
		if preload, err = parser.Parse(raw); err != nil {
			return err
		}
		if preload.HTMLBody == "" {
			overrides["content_type"] = "text/plain"
		}
	}

	promReg := prometheus.NewRegistry()
	opts := []session.Option{session.WithMetrics(session.NewMetrics(promReg))}
	sess := session.New(reg, driver.Merge(overrides, defaults), opts...)

	if preload != nil {
		if err := applyParsed(sess, preload); err != nil {
			return err
		}
	}
	if err := applyFlags(sess, f); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sendErr := sess.Send(ctx)

	if f.debug {
		if trace, ok := sess.Debug(); ok && trace != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), trace)
		}
	}
	if f.metricsFile != "" {
		if err := prometheus.WriteToTextfile(f.metricsFile, promReg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return sendErr
}

// applyParsed loads a stored message into the session.
func applyParsed(sess *session.Session, msg *parser.Message) error {
	if msg.From != nil {
		if err := sess.SetFrom(*msg.From); err != nil {
			return err
		}
	}
	if err := sess.AddTo(msg.To...); err != nil {
		return err
	}
	if err := sess.AddCc(msg.Cc...); err != nil {
		return err
	}
	if err := sess.AddBcc(msg.Bcc...); err != nil {
		return err
	}
	if err := sess.SetSubject(msg.Subject); err != nil {
		return err
	}

	if msg.HTMLBody != "" {
		if err := sess.SetContent(msg.HTMLBody); err != nil {
			return err
		}
		if err := sess.SetAltContent(msg.TextBody); err != nil {
			return err
		}
	} else if err := sess.SetContent(msg.TextBody); err != nil {
		return err
	}

	for name, values := range msg.Header {
		if strings.HasPrefix(name, "X-") && len(values) > 0 {
			if err := sess.AddHeader(name, values[0], true); err != nil {
				return err
			}
		}
	}
	for _, att := range msg.Attachments {
		if err := sess.AttachData(att.Name, att.ContentType, att.Content); err != nil {
			return err
		}
	}
	return nil
}

// applyFlags layers the command-line fields over whatever is loaded.
func applyFlags(sess *session.Session, f *sendFlags) error {
	if f.from != "" {
		if err := sess.SetFrom(parseAddress(f.from)); err != nil {
			return err
		}
	}
	for _, list := range []struct {
		values []string
		add    func(...email.Address) error
	}{
		{f.to, sess.AddTo},
		{f.cc, sess.AddCc},
		{f.bcc, sess.AddBcc},
	} {
		if len(list.values) == 0 {
			continue
		}
		if err := list.add(parseAddresses(list.values)...); err != nil {
			return err
		}
	}

	if f.subject != "" {
		if err := sess.SetSubject(f.subject); err != nil {
			return err
		}
	}

	body := f.body
	if f.bodyFile != "" {
		data, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}
	if body != "" {
		if err := sess.SetContent(body); err != nil {
			return err
		}
	}
	if f.alt != "" {
		if err := sess.SetAltContent(f.alt); err != nil {
			return err
		}
	}

	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("invalid header %q: want \"Name: value\"", h)
		}
		if err := sess.AddHeader(name, strings.TrimSpace(value), true); err != nil {
			return err
		}
	}
	for _, path := range f.attach {
		if err := sess.Attach(path); err != nil {
			return err
		}
	}
	if f.priority != 0 {
		if err := sess.SetPriority(f.priority); err != nil {
			return err
		}
	}
	return nil
}

// parseAddress accepts "addr" or "Name <addr>". Input net/mail cannot parse
// is passed through as a bare address so the builder reports it.
func parseAddress(s string) email.Address {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return email.Bare(strings.TrimSpace(s))
	}
	if a.Name == "" {
		return email.Bare(a.Address)
	}
	return email.Named(a.Name, a.Address)
}

func parseAddresses(values []string) []email.Address {
	out := make([]email.Address, 0, len(values))
	for _, v := range values {
		out = append(out, parseAddress(v))
	}
	return out
}

package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailer-lite/internal/parser"
)

const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const idleTimeout = 10 * time.Second

const maxMessageSize = 10 * 1024 * 1024

// session runs the SMTP state machine for one connection.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	auth   *Authenticator
	opts   Options
	record func(Envelope)

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, auth *Authenticator, opts Options, record func(Envelope)) *session {
	_, isTLS := conn.(*tls.Conn)
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		opts:      opts,
		record:    record,
		tlsActive: isTLS,
	}
}

func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtptest", s.opts.Hostname)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.opts.Hostname, arg)
	if s.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN CRAM-MD5")
	}
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

func (s *session) handleSTARTTLS() {
	if s.opts.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	case "CRAM-MD5":
		err = s.authCRAMMD5()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}
	if err != nil {
		if err != errCancelled {
			s.writeLine("535 Authentication failed")
		}
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

var errCancelled = fmt.Errorf("authentication cancelled")

// challenge writes a 334 continuation and returns the client's reply.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", errCancelled
	}
	return line, nil
}

func (s *session) authPlain(encoded string) error {
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.auth.VerifyPlain(encoded)
}

func (s *session) authLogin(encodedUser string) error {
	var err error
	if encodedUser == "" {
		if encodedUser, err = s.challenge(base64.StdEncoding.EncodeToString([]byte("Username:"))); err != nil {
			return err
		}
	}
	encodedPass, err := s.challenge(base64.StdEncoding.EncodeToString([]byte("Password:")))
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(encodedUser, encodedPass)
}

func (s *session) authCRAMMD5() error {
	nonce := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.opts.Hostname)
	resp, err := s.challenge(base64.StdEncoding.EncodeToString([]byte(nonce)))
	if err != nil {
		return err
	}
	return s.auth.VerifyCRAMMD5(nonce, resp)
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtptest error reading DATA", "error", err)
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
	}
	defer s.resetTransaction()

	if s.opts.RejectData {
		s.writeLine("554 Transaction failed")
		return
	}

	raw := []byte(data.String())
	msg, err := parser.Parse(raw)
	if err != nil {
		s.writeLine("550 Failed to process message")
		return
	}

	s.record(Envelope{
		From:    s.mailFrom,
		To:      append([]string(nil), s.rcptTo...),
		Data:    raw,
		Message: msg,
	})
	s.writeLine("250 OK message queued")
}

// resetTransaction clears the transaction while keeping greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		return
	}
	s.writer.Flush()
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress returns the path of a MAIL or RCPT parameter, dropping
// angle brackets and any ESMTP parameters after it. The null path <> is
// valid and yields "".
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr, addr != ""
}

// Package smtptest runs an in-process SMTP server that records every
// message it accepts, for exercising SMTP clients in tests.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/shineum/mailer-lite/internal/parser"
)

// Options configures a Server.
type Options struct {
	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	// Username and Password enable AUTH when both are set.
	Username string
	Password string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// RejectData makes the server answer every DATA with a 554.
	RejectData bool
}

// Envelope is one accepted SMTP transaction.
type Envelope struct {
	From    string
	To      []string
	Data    []byte
	Message *parser.Message
}

// Server is a loopback SMTP server.
type Server struct {
	opts     Options
	auth     *Authenticator
	listener net.Listener
	cancel   context.CancelFunc

	wg sync.WaitGroup

	mu        sync.Mutex
	envelopes []Envelope
}

// NewServer starts a Server on a random loopback port.
func NewServer(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.ImplicitTLS && opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		auth:     NewAuthenticator(opts.Username, opts.Password),
		listener: ln,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	return s, nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				slog.Debug("smtptest accept error", "error", err)
			}
			return
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stop()
			sess := newSession(conn, s.auth, s.opts, s.record)
			sess.handle(ctx)
		}()
	}
}

func (s *Server) record(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Envelopes returns a copy of the accepted transactions in arrival order.
func (s *Server) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

// Close stops the listener and waits for open sessions to finish.
func (s *Server) Close() {
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
}

// Package graph implements a driver that sends emails via the Microsoft
// Graph API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/internal/retry"
)

// Name is the protocol name the driver registers under.
const Name = "graph"

const (
	defaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultAuthority = "https://login.microsoftonline.com"
	defaultScope     = "https://graph.microsoft.com/.default"
)

// ErrNoSender is returned when neither the configuration nor the message
// names the mailbox to send from.
var ErrNoSender = errors.New("graph: no sender mailbox")

func init() {
	driver.Register(Name, func(cfg driver.Config) (driver.Driver, error) {
		d, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Settings are the Graph keys of a driver configuration.
type Settings struct {
	TenantID     string `yaml:"graph_tenant_id"`
	ClientID     string `yaml:"graph_client_id"`
	ClientSecret string `yaml:"graph_client_secret"`

	// Sender is the mailbox the message is sent from. When empty the
	// message's From address is used.
	Sender string `yaml:"graph_sender"`

	// Authority and Scope select the identity platform, for national
	// clouds. Both default to the public endpoints.
	Authority string `yaml:"graph_authority"`
	Scope     string `yaml:"graph_scope"`
}

func decodeSettings(cfg driver.Config) (Settings, error) {
	s := Settings{Authority: defaultAuthority, Scope: defaultScope}
	if err := cfg.Decode(&s); err != nil {
		return Settings{}, err
	}
	if s.Authority == "" {
		s.Authority = defaultAuthority
	}
	if s.Scope == "" {
		s.Scope = defaultScope
	}
	return s, nil
}

// tokenURL is the v2 token endpoint of the tenant.
func (s Settings) tokenURL() string {
	return strings.TrimSuffix(s.Authority, "/") + "/" + url.PathEscape(s.TenantID) + "/oauth2/v2.0/token"
}

func (s Settings) credentials(tokenURL string) clientCredentials {
	return clientCredentials{
		tokenURL: tokenURL,
		clientID: s.ClientID,
		secret:   s.ClientSecret,
		scope:    s.Scope,
	}
}

// Driver sends the message through the Graph sendMail endpoint. Transient
// failures are retried with exponential backoff. A 429 waits for
// Retry-After and a 401 refreshes the token once.
type Driver struct {
	*driver.Base
	settings   Settings
	baseURL    string
	httpClient *http.Client
	token      *tokenCache
	policy     retry.Policy
}

// New creates a Driver talking to the public Graph endpoints.
func New(cfg driver.Config) (*Driver, error) {
	settings, err := decodeSettings(cfg)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg, defaultBaseURL, settings.tokenURL(), client)
}

// newWithOverrides creates a Driver with custom endpoints and HTTP client.
func newWithOverrides(cfg driver.Config, baseURL, tokenURL string, client *http.Client) (*Driver, error) {
	base, err := driver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := decodeSettings(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{
		Base:       base,
		settings:   settings,
		baseURL:    baseURL,
		httpClient: client,
		token:      newTokenCache(settings.credentials(tokenURL), client),
		policy:     retry.Default,
	}, nil
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

	mailbox := d.settings.Sender
	if mailbox == "" {
		sender, ok := d.Message().Sender()
		if !ok {
			return ErrNoSender
		}
		mailbox = sender.Email
	}
	endpoint := d.baseURL + "/users/" + url.PathEscape(mailbox) + "/sendMail"

	reqBody, err := buildSendMailRequest(d.Message())
	if err != nil {
		return err
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= d.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", d.policy.MaxRetries,
			)
		}

		err := d.doSendRequest(ctx, endpoint, bodyJSON)
		if err == nil {
			d.Tracef("graph: accepted for %s", mailbox)
			return nil
		}
		lastErr = err
		d.Tracef("graph: attempt %d failed: %v", attempt, err)

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := d.token.ForceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := d.retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := retry.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := d.policy.Backoff(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := retry.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", d.policy.MaxRetries, lastErr)
}

// doSendRequest performs a single POST to the sendMail endpoint.
func (d *Driver) doSendRequest(ctx context.Context, endpoint string, bodyJSON []byte) error {
	token, err := d.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is a failed sendMail call, classified for the retry loop.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay honours a Retry-After header given in seconds and falls
// back to exponential backoff.
func (d *Driver) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return d.policy.Backoff(attempt)
}

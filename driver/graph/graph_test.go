package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailer-lite/driver"
	"github.com/shineum/mailer-lite/email"
	"github.com/shineum/mailer-lite/internal/retry"
)

var testConfig = driver.Config{
	"graph_tenant_id":     "t",
	"graph_client_id":     "c",
	"graph_client_secret": "s",
	"graph_sender":        "sender@example.com",
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestMessage(t *testing.T) *email.Message {
	t.Helper()

	msg := email.NewMessage(email.DefaultOptions())
	must(t, msg.AddTo(email.Named("Alice", "alice@example.com"), email.Bare("bob@example.com")))
	msg.SetSubject("Test Subject").SetAltContent("Hello, World!")
	return msg
}

// newTestDriver wires a driver to a token server and the given Graph handler.
func newTestDriver(t *testing.T, cfg driver.Config, graph http.HandlerFunc) *Driver {
	t.Helper()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, "token", 3600, &tokenCalls)
	graphServer := httptest.NewServer(graph)
	t.Cleanup(graphServer.Close)

	d, err := newWithOverrides(cfg, graphServer.URL, tokenServer.URL, graphServer.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.policy = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond}
	must(t, d.Message().AddTo(email.Bare("user@example.com")))
	d.Message().SetSubject("Test").SetAltContent("Body")
	return d
}

func writeGraphError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(graphErrorResponse{
		Error: graphError{Code: code, Message: message},
	})
}

func TestBuildSendMailRequest_BasicEmail(t *testing.T) {
	t.Parallel()

	req, err := buildSendMailRequest(newTestMessage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "text")
	}
	if req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "Hello, World!")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[0].EmailAddress; got.Address != "alice@example.com" || got.Name != "Alice" {
		t.Errorf("ToRecipients[0]: got %+v, want Alice <alice@example.com>", got)
	}
	if req.Message.ToRecipients[1].EmailAddress.Address != "bob@example.com" {
		t.Errorf("ToRecipients[1]: got %q, want %q", req.Message.ToRecipients[1].EmailAddress.Address, "bob@example.com")
	}
	if req.Message.From != nil {
		t.Errorf("From: got %+v, want nil", req.Message.From)
	}
	if req.Message.Importance != "normal" {
		t.Errorf("Importance: got %q, want %q", req.Message.Importance, "normal")
	}
	if len(req.Message.CcRecipients) != 0 || len(req.Message.BccRecipients) != 0 {
		t.Errorf("unexpected Cc/Bcc: %v %v", req.Message.CcRecipients, req.Message.BccRecipients)
	}
	if len(req.Message.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(req.Message.Attachments))
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.SetContent("<p>HTML content</p>")

	req, err := buildSendMailRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "<p>HTML content</p>")
	}
}

func TestBuildSendMailRequest_SenderHeadersAndPriority(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	must(t, msg.SetFrom(email.Named("Sender", "sender@example.com")))
	must(t, msg.AddCc(email.Bare("carol@example.com")))
	must(t, msg.AddBcc(email.Bare("dave@example.com")))
	msg.AddHeader("X-Campaign", "spring", false)
	msg.AddHeader("Reply-To", "other@example.com", false)
	msg.SetPriority(1)

	req, err := buildSendMailRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Message.From == nil || req.Message.From.EmailAddress.Address != "sender@example.com" {
		t.Errorf("From: got %+v", req.Message.From)
	}
	if len(req.Message.CcRecipients) != 1 || req.Message.CcRecipients[0].EmailAddress.Address != "carol@example.com" {
		t.Errorf("CcRecipients: got %+v", req.Message.CcRecipients)
	}
	if len(req.Message.BccRecipients) != 1 || req.Message.BccRecipients[0].EmailAddress.Address != "dave@example.com" {
		t.Errorf("BccRecipients: got %+v", req.Message.BccRecipients)
	}
	if len(req.Message.InternetMessageHeaders) != 1 || req.Message.InternetMessageHeaders[0].Name != "X-Campaign" {
		t.Errorf("InternetMessageHeaders: got %+v, want only X-Campaign", req.Message.InternetMessageHeaders)
	}
	if req.Message.Importance != "high" {
		t.Errorf("Importance: got %q, want %q", req.Message.Importance, "high")
	}
}

func TestBuildSendMailRequest_WithAttachments(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.AttachData("report.pdf", "application/pdf", []byte("pdf-content"))

	req, err := buildSendMailRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.Message.Attachments) != 1 {
		t.Fatalf("Attachments count: got %d, want 1", len(req.Message.Attachments))
	}

	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q, want %q", att.ODataType, "#microsoft.graph.fileAttachment")
	}
	if att.Name != "report.pdf" {
		t.Errorf("Name: got %q, want %q", att.Name, "report.pdf")
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType: got %q, want %q", att.ContentType, "application/pdf")
	}
	if att.ContentBytes != "cGRmLWNvbnRlbnQ=" {
		t.Errorf("ContentBytes: got %q, want %q", att.ContentBytes, "cGRmLWNvbnRlbnQ=")
	}
}

func TestImportance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority int
		want     string
	}{
		{1, "high"}, {2, "high"}, {3, "normal"}, {4, "low"}, {5, "low"},
	}
	for _, tt := range tests {
		if got := importance(tt.priority); got != tt.want {
			t.Errorf("importance(%d): got %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestDriver_Name(t *testing.T) {
	t.Parallel()

	d := &Driver{}
	if d.Name() != "graph" {
		t.Errorf("Name: got %q, want %q", d.Name(), "graph")
	}
}

func TestDriver_SendSuccess(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/sender@example.com/sendMail" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer token-1")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}

		w.WriteHeader(http.StatusAccepted)
	})

	if err := d.Send(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Debug(); got != "graph: accepted for sender@example.com" {
		t.Errorf("Debug: got %q", got)
	}
}

func TestDriver_MailboxFromMessage(t *testing.T) {
	t.Parallel()

	cfg := driver.Merge(driver.Config{"graph_sender": ""}, testConfig)
	d := newTestDriver(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me@example.com/sendMail" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	must(t, d.Message().SetFrom(email.Bare("me@example.com")))

	if err := d.Send(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDriver_NoSender(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	cfg := driver.Merge(driver.Config{"graph_sender": ""}, testConfig)
	d := newTestDriver(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})

	if err := d.Send(context.Background()); !errors.Is(err, ErrNoSender) {
		t.Fatalf("Send: got %v, want %v", err, ErrNoSender)
	}
	if calls.Load() != 0 {
		t.Errorf("graph call count: got %d, want 0", calls.Load())
	}
}

func TestDriver_PermanentError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusBadRequest, "BadRequest", "Invalid recipient")
	})

	if err := d.Send(context.Background()); err == nil {
		t.Fatal("expected error for 400 response, got nil")
	}
	if calls.Load() != 1 {
		t.Errorf("graph call count: got %d, want 1", calls.Load())
	}
}

func TestDriver_ForbiddenError(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusForbidden, "Forbidden", "Insufficient permissions")
	})

	err := d.Send(context.Background())
	if err == nil {
		t.Fatal("expected error for 403 response, got nil")
	}

	var sendErr *sendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *sendError, got %T", err)
	}
	if !sendErr.permanent {
		t.Error("403 error should be classified as permanent")
	}
	if sendErr.message != "Insufficient permissions" {
		t.Errorf("message: got %q, want %q", sendErr.message, "Insufficient permissions")
	}
}

func TestDriver_RetryOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeGraphError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "Try again")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := d.Send(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("graph call count: got %d, want 3 (2 failures + 1 success)", calls.Load())
	}
}

func TestDriver_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusInternalServerError, "Internal", "boom")
	})

	err := d.Send(context.Background())
	if err == nil {
		t.Fatal("expected error after retries, got nil")
	}
	if calls.Load() != 4 {
		t.Errorf("graph call count: got %d, want 4", calls.Load())
	}
}

func TestDriver_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var auth atomic.Value
	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeGraphError(w, http.StatusUnauthorized, "Unauthorized", "Token expired")
			return
		}
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	})

	if err := d.Send(context.Background()); err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", calls.Load())
	}
	if got := auth.Load(); got != "Bearer token-2" {
		t.Errorf("Authorization after refresh: got %v, want %q", got, "Bearer token-2")
	}
}

func TestDriver_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			writeGraphError(w, http.StatusTooManyRequests, "TooManyRequests", "Rate limited")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.Send(ctx); err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", calls.Load())
	}
}

func TestDriver_ContextCancellation(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, testConfig, func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "Down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Send(ctx); err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true},
		{name: "401 Unauthorized", statusCode: 401, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true},
		{name: "404 Not Found", statusCode: 404, permanent: true},
		{name: "429 Too Many Requests", statusCode: 429, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestRetryAfterDelay(t *testing.T) {
	t.Parallel()

	d := &Driver{policy: retry.Default}
	if got := d.retryAfterDelay("7", 0); got != 7*time.Second {
		t.Errorf("numeric Retry-After: got %v, want 7s", got)
	}
	if got := d.retryAfterDelay("", 1); got != 2*time.Second {
		t.Errorf("missing Retry-After: got %v, want 2s", got)
	}
	if got := d.retryAfterDelay("soon", 0); got != time.Second {
		t.Errorf("unparseable Retry-After: got %v, want 1s", got)
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{message: "test error", statusCode: 500}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailer-lite/driver"
)

// newTokenServer serves tokens named prefix-N, counting requests.
func newTokenServer(t *testing.T, prefix string, expiresIn int64, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: fmt.Sprintf("%s-%d", prefix, n),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testCredentials(tokenURL string) clientCredentials {
	return clientCredentials{tokenURL: tokenURL, clientID: "cid", secret: "csecret", scope: defaultScope}
}

func TestSettings_TokenEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       driver.Config
		wantURL   string
		wantScope string
	}{
		{
			name:      "public cloud",
			cfg:       driver.Config{"graph_tenant_id": "contoso"},
			wantURL:   "https://login.microsoftonline.com/contoso/oauth2/v2.0/token",
			wantScope: "https://graph.microsoft.com/.default",
		},
		{
			name: "national cloud",
			cfg: driver.Config{
				"graph_tenant_id": "contoso",
				"graph_authority": "https://login.microsoftonline.us/",
				"graph_scope":     "https://graph.microsoft.us/.default",
			},
			wantURL:   "https://login.microsoftonline.us/contoso/oauth2/v2.0/token",
			wantScope: "https://graph.microsoft.us/.default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := decodeSettings(tt.cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := s.tokenURL(); got != tt.wantURL {
				t.Errorf("token URL: got %q, want %q", got, tt.wantURL)
			}
			if got := s.credentials(s.tokenURL()).scope; got != tt.wantScope {
				t.Errorf("scope: got %q, want %q", got, tt.wantScope)
			}
		})
	}
}

func TestTokenCache_AcquiresToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}

		want := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "test-client-id",
			"client_secret": "test-client-secret",
			"scope":         defaultScope,
		}
		for key, value := range want {
			if got := r.FormValue(key); got != value {
				t.Errorf("%s: got %q, want %q", key, got, value)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "test-access-token",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}))
	defer server.Close()

	tc := newTokenCache(clientCredentials{tokenURL: server.URL, clientID: "test-client-id", secret: "test-client-secret", scope: defaultScope}, server.Client())

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token: got %q, want %q", token, "test-access-token")
	}
}

func TestTokenCache_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newTokenServer(t, "cached", 3600, &calls)
	tc := newTokenCache(testCredentials(server.URL), server.Client())

	first, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	second, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}

	if first != second {
		t.Errorf("tokens differ: %q and %q", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1 (token should be cached)", calls.Load())
	}
}

func TestTokenCache_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	// One second minus the expiry buffer is already in the past.
	var calls atomic.Int32
	server := newTokenServer(t, "short", 1, &calls)
	tc := newTokenCache(testCredentials(server.URL), server.Client())

	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}

	if token != "short-2" {
		t.Errorf("token: got %q, want %q", token, "short-2")
	}
	if calls.Load() != 2 {
		t.Errorf("server call count: got %d, want 2 (expired token should trigger refresh)", calls.Load())
	}
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newTokenServer(t, "force", 3600, &calls)
	tc := newTokenCache(testCredentials(server.URL), server.Client())

	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	token, err := tc.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("force refresh error: %v", err)
	}

	if token != "force-2" {
		t.Errorf("token: got %q, want %q", token, "force-2")
	}
	if calls.Load() != 2 {
		t.Errorf("server call count: got %d, want 2", calls.Load())
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "concurrent-token",
			ExpiresIn:   3600,
		})
	}))
	defer server.Close()

	tc := newTokenCache(testCredentials(server.URL), server.Client())

	const goroutines = 10
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tokens[idx], errs[idx] = tc.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range goroutines {
		if errs[i] != nil {
			t.Errorf("goroutine %d error: %v", i, errs[i])
		}
		if tokens[i] != "concurrent-token" {
			t.Errorf("goroutine %d token: got %q, want %q", i, tokens[i], "concurrent-token")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", calls.Load())
	}
}

func TestTokenCache_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal server error"}`))
	}))
	defer server.Close()

	tc := newTokenCache(testCredentials(server.URL), server.Client())

	if _, err := tc.Token(context.Background()); err == nil {
		t.Error("expected error for server error response, got nil")
	}
}

func TestTokenCache_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{ExpiresIn: 3600})
	}))
	defer server.Close()

	tc := newTokenCache(testCredentials(server.URL), server.Client())

	if _, err := tc.Token(context.Background()); err == nil {
		t.Error("expected error for empty access token, got nil")
	}
}

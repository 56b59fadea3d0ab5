package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range envKeys {
		t.Setenv(e.env, "")
	}
	t.Setenv("LOG_LEVEL", "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Protocol(); got != "mail" {
		t.Errorf("Protocol: got %q, want %q", got, "mail")
	}
	if len(cfg.Email) != 1 {
		t.Errorf("Email: got %v, want only the protocol key", cfg.Email)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAILER_PROTOCOL", "SMTP")
	t.Setenv("MAILER_CHARSET", "iso-8859-1")
	t.Setenv("MAILER_WORDWRAP", "false")
	t.Setenv("MAILER_WORDWRAP_WIDTH", "60")
	t.Setenv("SMTP_HOST", "relay.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_ENCRYPTION", "STARTTLS")
	t.Setenv("SMTP_CERT_VALIDATION", "0")
	t.Setenv("SMTP_TIMEOUT", "10s")
	t.Setenv("SES_REGION", "us-east-1")
	t.Setenv("GRAPH_SENDER", "noreply@example.com")
	t.Setenv("RESEND_API_KEY", "re_123")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{
		"protocol":             "smtp",
		"charset":              "iso-8859-1",
		"wordwrap":             false,
		"wordwrap_width":       60,
		"smtp_host":            "relay.example.com",
		"smtp_port":            587,
		"smtp_encryption":      "starttls",
		"smtp_cert_validation": false,
		"smtp_timeout":         "10s",
		"ses_region":           "us-east-1",
		"graph_sender":         "noreply@example.com",
		"resend_api_key":       "re_123",
	}
	for key, wantValue := range want {
		if got := cfg.Email[key]; got != wantValue {
			t.Errorf("Email[%q]: got %#v, want %#v", key, got, wantValue)
		}
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_InvalidNumbersIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "twenty-five")
	t.Setenv("MAILER_WORDWRAP", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cfg.Email["smtp_port"]; ok {
		t.Errorf("smtp_port: got %v, want unset", cfg.Email["smtp_port"])
	}
	if _, ok := cfg.Email["wordwrap"]; ok {
		t.Errorf("wordwrap: got %v, want unset", cfg.Email["wordwrap"])
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_SMTP_PASSWORD", "from-env")

	path := writeConfig(t, `
email:
  protocol: smtp
  smtp_host: "mail.example.com"
  smtp_port: 465
  smtp_username: "yamluser"
  smtp_password: "${TEST_SMTP_PASSWORD}"
  wordwrap_width: 72
logging:
  level: "warn"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Protocol(); got != "smtp" {
		t.Errorf("Protocol: got %q, want %q", got, "smtp")
	}
	if got := cfg.Email["smtp_host"]; got != "mail.example.com" {
		t.Errorf("smtp_host: got %v", got)
	}
	if got := cfg.Email["smtp_port"]; got != 465 {
		t.Errorf("smtp_port: got %#v, want 465", got)
	}
	if got := cfg.Email["smtp_password"]; got != "from-env" {
		t.Errorf("smtp_password: got %v, want the expanded variable", got)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadFromFile_KeepsDefaultProtocol(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
email:
  charset: utf-8
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Protocol(); got != "mail" {
		t.Errorf("Protocol: got %q, want %q", got, "mail")
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
email:
  protocol: graph
  graph_sender: "yaml@example.com"
  graph_tenant_id: "yaml-tenant"
logging:
  level: "warn"
`)

	t.Setenv("MAILER_PROTOCOL", "ses")
	t.Setenv("GRAPH_SENDER", "env@example.com")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Protocol(); got != "ses" {
		t.Errorf("Protocol: got %q, want %q (env should override YAML)", got, "ses")
	}
	if got := cfg.Email["graph_sender"]; got != "env@example.com" {
		t.Errorf("graph_sender: got %v, want env value", got)
	}
	// Empty env var should NOT override YAML value
	if got := cfg.Email["graph_tenant_id"]; got != "yaml-tenant" {
		t.Errorf("graph_tenant_id: got %v, want %q", got, "yaml-tenant")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "error")
	}
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "{{invalid yaml")

	_, err := LoadFromFile(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

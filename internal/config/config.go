// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mailer-lite/driver"
)

// Config holds the complete application configuration.
type Config struct {
	// Email is the flat driver configuration handed to the registry.
	Email   driver.Config `yaml:"email"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

type valueKind int

const (
	kindString valueKind = iota
	kindLower
	kindInt
	kindBool
)

// envKeys maps environment variables onto driver configuration keys.
var envKeys = []struct {
	env  string
	key  string
	kind valueKind
}{
	{"MAILER_PROTOCOL", "protocol", kindLower},
	{"MAILER_CHARSET", "charset", kindString},
	{"MAILER_USERAGENT", "useragent", kindString},
	{"MAILER_CONTENT_TYPE", "content_type", kindLower},
	{"MAILER_WORDWRAP", "wordwrap", kindBool},
	{"MAILER_WORDWRAP_WIDTH", "wordwrap_width", kindInt},

	{"SENDMAIL_PATH", "sendmail_path", kindString},

	{"SMTP_HOST", "smtp_host", kindString},
	{"SMTP_PORT", "smtp_port", kindInt},
	{"SMTP_USERNAME", "smtp_username", kindString},
	{"SMTP_PASSWORD", "smtp_password", kindString},
	{"SMTP_ENCRYPTION", "smtp_encryption", kindLower},
	{"SMTP_AUTH", "smtp_auth", kindLower},
	{"SMTP_CERT_VALIDATION", "smtp_cert_validation", kindBool},
	{"SMTP_CA_FILE", "smtp_ca_file", kindString},
	{"SMTP_TIMEOUT", "smtp_timeout", kindString},

	{"SES_REGION", "ses_region", kindString},
	{"SES_ACCESS_KEY_ID", "ses_access_key_id", kindString},
	{"SES_SECRET_ACCESS_KEY", "ses_secret_access_key", kindString},
	{"SES_SENDER", "ses_sender", kindString},

	{"GRAPH_TENANT_ID", "graph_tenant_id", kindString},
	{"GRAPH_CLIENT_ID", "graph_client_id", kindString},
	{"GRAPH_CLIENT_SECRET", "graph_client_secret", kindString},
	{"GRAPH_SENDER", "graph_sender", kindString},
	{"GRAPH_AUTHORITY", "graph_authority", kindString},
	{"GRAPH_SCOPE", "graph_scope", kindString},

	{"RESEND_API_KEY", "resend_api_key", kindString},
	{"RESEND_SENDER", "resend_sender", kindString},
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads a YAML file as the base layer, expanding ${VAR}
// references first, then overrides it with environment variables. Returns
// an error if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Email = driver.Merge(file.Email, cfg.Email)
	if file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Protocol returns the configured protocol, or driver.DefaultProtocol.
func (c *Config) Protocol() string {
	return c.Email.Protocol()
}

func (c *Config) applyDefaults() {
	c.Email = driver.Config{"protocol": driver.DefaultProtocol}
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Empty variables and values that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	for _, e := range envKeys {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		switch e.kind {
		case kindString:
			c.Email[e.key] = v
		case kindLower:
			c.Email[e.key] = strings.ToLower(v)
		case kindInt:
			if n, err := strconv.Atoi(v); err == nil {
				c.Email[e.key] = n
			}
		case kindBool:
			if b, err := strconv.ParseBool(v); err == nil {
				c.Email[e.key] = b
			}
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

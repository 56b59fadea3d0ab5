package driver

import (
	"fmt"
	"maps"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProtocol is used when a configuration does not name a protocol.
const DefaultProtocol = "mail"

// Config is a flat snapshot of driver settings: explicit overrides merged
// over process defaults. Keys match the yaml tags of the structs drivers
// decode it into; unknown keys are ignored.
type Config map[string]any

// Merge returns a new Config holding defaults overlaid with overrides.
func Merge(overrides, defaults Config) Config {
	out := make(Config, len(overrides)+len(defaults))
	maps.Copy(out, defaults)
	maps.Copy(out, overrides)
	return out
}

// Protocol returns the configured protocol name, or DefaultProtocol.
func (c Config) Protocol() string {
	if v, ok := c["protocol"]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return DefaultProtocol
}

// String returns the value under key formatted as a string, or "".
func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Decode copies matching keys onto the yaml-tagged fields of v. Fields that
// have no key keep their current value, so callers pre-fill defaults.
func (c Config) Decode(v any) error {
	data, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("failed to encode driver config: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode driver config: %w", err)
	}
	return nil
}

package driver

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// reservedName is the name of the contract itself; it never resolves.
const reservedName = "driver"

// ErrUnknownProtocol is matched by every *UnknownProtocolError.
var ErrUnknownProtocol = errors.New("unknown protocol")

// UnknownProtocolError reports a protocol name that is reserved or has no
// registered driver.
type UnknownProtocolError struct {
	Protocol string
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("protocol %q is not a valid protocol for emailing", e.Protocol)
}

// Is makes errors.Is(err, ErrUnknownProtocol) true.
func (e *UnknownProtocolError) Is(target error) bool {
	return target == ErrUnknownProtocol
}

// Factory constructs a driver from a merged configuration.
type Factory func(cfg Config) (Driver, error)

// Registry maps protocol names to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the process-wide registry driver packages add themselves to.
var Default = NewRegistry()

// Register adds a factory to the Default registry.
func Register(name string, f Factory) {
	Default.Register(name, f)
}

// New builds a driver from the Default registry.
func New(cfg Config) (Driver, error) {
	return Default.New(cfg)
}

// Register adds or replaces the factory for name. It panics on the
// reserved name or a nil factory, both programming errors.
func (r *Registry) Register(name string, f Factory) {
	key := normalizeName(name)
	if key == reservedName || key == "" {
		panic(fmt.Sprintf("driver: cannot register protocol %q", name))
	}
	if f == nil {
		panic("driver: Register factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Lookup returns the factory registered for name.
func (r *Registry) Lookup(name string) (Factory, error) {
	key := normalizeName(name)
	if key == reservedName {
		return nil, &UnknownProtocolError{Protocol: name}
	}

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownProtocolError{Protocol: name}
	}
	return f, nil
}

// New resolves cfg's protocol and constructs the driver with cfg.
func (r *Registry) New(cfg Config) (Driver, error) {
	f, err := r.Lookup(cfg.Protocol())
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

// Names returns the registered protocol names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// normalizeName folds case and surrounding space so "SMTP", "Smtp" and
// " smtp " select the same driver.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

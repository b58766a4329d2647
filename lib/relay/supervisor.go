package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// Supervisor owns the process-wide mapping of cdpUrl -> Instance. ensure is
// idempotent per URL; stop closes everything the instance owns.
type Supervisor struct {
	settings Settings
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewSupervisor(settings Settings, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		settings:  settings,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
}

// EnsureRelay returns the running instance for cdpURL, creating and starting
// one if needed. The URL's host must be loopback; the relay never binds a
// routable interface.
func (s *Supervisor) EnsureRelay(ctx context.Context, cdpURL string) (*Instance, error) {
	key, host, port, err := parseCDPURL(cdpURL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[key]; ok {
		return in, nil
	}

	in := newInstance(cdpURL, host, port, s.settings, s.logger)
	if err := in.start(ctx); err != nil {
		return nil, err
	}
	s.instances[key] = in
	return in, nil
}

// StopRelay tears down the instance for cdpURL. Unknown URLs are a no-op.
func (s *Supervisor) StopRelay(ctx context.Context, cdpURL string) error {
	key, _, _, err := parseCDPURL(cdpURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	in, ok := s.instances[key]
	if ok {
		delete(s.instances, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return in.stop(ctx)
}

// GetRelayAuthHeaders surfaces the current auth headers for an instance to
// in-process callers.
func (s *Supervisor) GetRelayAuthHeaders(cdpURL string) (http.Header, bool) {
	key, _, _, err := parseCDPURL(cdpURL)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	in, ok := s.instances[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return in.AuthHeaders(), true
}

// StopAll tears down every instance. Used on process shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	instances := s.instances
	s.instances = make(map[string]*Instance)
	s.mu.Unlock()
	var firstErr error
	for _, in := range instances {
		if err := in.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// parseCDPURL extracts the loopback host and port a relay URL names. Instances
// are keyed by canonical host:port so trailing slashes or scheme differences
// do not spawn duplicates.
func parseCDPURL(cdpURL string) (key, host string, port int, err error) {
	u, err := url.Parse(cdpURL)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse cdp url %q: %w", cdpURL, err)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", 0, fmt.Errorf("cdp url %q has no host", cdpURL)
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return "", "", 0, fmt.Errorf("cdp url %q is not loopback", cdpURL)
	}
	portStr := u.Port()
	if portStr == "" {
		return "", "", 0, fmt.Errorf("cdp url %q has no port", cdpURL)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("cdp url %q has invalid port: %w", cdpURL, err)
	}
	return net.JoinHostPort(host, portStr), host, port, nil
}

var (
	defaultMu         sync.Mutex
	defaultSupervisor *Supervisor
)

// Default returns the process-wide supervisor, created on first use with
// default settings.
func Default() *Supervisor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSupervisor == nil {
		defaultSupervisor = NewSupervisor(DefaultSettings(), slog.Default())
	}
	return defaultSupervisor
}

// EnsureRelay starts (or reuses) a relay for cdpURL on the default supervisor.
func EnsureRelay(ctx context.Context, cdpURL string) (*Instance, error) {
	return Default().EnsureRelay(ctx, cdpURL)
}

// StopRelay stops the relay for cdpURL on the default supervisor.
func StopRelay(ctx context.Context, cdpURL string) error {
	return Default().StopRelay(ctx, cdpURL)
}

// GetRelayAuthHeaders returns the auth headers for the relay serving cdpURL.
func GetRelayAuthHeaders(cdpURL string) (http.Header, bool) {
	return Default().GetRelayAuthHeaders(cdpURL)
}

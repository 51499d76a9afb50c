package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"

	"github.com/yie1d/pydoll-sub000/log"
)

// DomainManager tracks which protocol domains have been enabled on a
// connection. Enabling an already enabled domain (or disabling a disabled
// one) is a no-op and skips the wire round trip, so callers can enable
// defensively without paying for it.
//
// The lock is held across the round trip on purpose: concurrent callers
// racing to enable the same domain must not both hit the wire.
type DomainManager struct {
	exec   cdp.Executor
	logger *log.Logger

	mu      sync.Mutex
	enabled map[string]bool
}

// NewDomainManager creates a new domain enablement tracker driving the
// given executor.
func NewDomainManager(exec cdp.Executor, logger *log.Logger) *DomainManager {
	return &DomainManager{
		exec:    exec,
		logger:  logger,
		enabled: make(map[string]bool),
	}
}

// Enable turns the given domain on, issuing "<Domain>.enable" once.
func (m *DomainManager) Enable(ctx context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled[domain] {
		return nil
	}
	if err := m.exec.Execute(ctx, domain+".enable", nil, nil); err != nil {
		return fmt.Errorf("enabling %s domain: %w", domain, err)
	}
	m.enabled[domain] = true
	return nil
}

// Disable turns the given domain off, issuing "<Domain>.disable" once.
func (m *DomainManager) Disable(ctx context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled[domain] {
		return nil
	}
	if err := m.exec.Execute(ctx, domain+".disable", nil, nil); err != nil {
		return fmt.Errorf("disabling %s domain: %w", domain, err)
	}
	delete(m.enabled, domain)
	return nil
}

// Enabled reports whether the given domain is currently enabled.
func (m *DomainManager) Enabled(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[domain]
}

// WithDomain runs fn with the given domain enabled and restores the prior
// enablement state afterwards, on every exit path. Code running after fn
// observes no net state change.
func (m *DomainManager) WithDomain(ctx context.Context, domain string, fn func() error) error {
	prior := m.Enabled(domain)
	if err := m.Enable(ctx, domain); err != nil {
		return err
	}
	defer func() {
		if prior {
			return
		}
		if err := m.Disable(ctx, domain); err != nil {
			m.logger.Warnf("DomainManager:WithDomain",
				"restoring %s domain to disabled: %v", domain, err)
		}
	}()
	return fn()
}

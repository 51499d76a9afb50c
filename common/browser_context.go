package common

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/yie1d/pydoll-sub000/log"
)

// BrowserContextOptions configure a new isolation context.
type BrowserContextOptions struct {
	// ProxyServer routes all traffic of the context through the given
	// proxy. Userinfo embedded in the URL is stripped off and kept as
	// in-memory credentials for the auth bridge.
	ProxyServer     string
	ProxyBypassList string
}

// NewBrowserContextOptions creates default options.
func NewBrowserContextOptions() *BrowserContextOptions {
	return &BrowserContextOptions{}
}

// BrowserContext is one storage/cookie/cache isolation boundary inside a
// shared browser process. A newly launched browser contains a default
// context; any other context is incognito-like and grouped with the
// sessions created inside it. State written through a session in one
// context is never visible from another context.
type BrowserContext struct {
	ctx     context.Context
	browser *Browser
	id      cdp.BrowserContextID
	opts    *BrowserContextOptions
	logger  *log.Logger

	// Proxy credentials for sessions of this context. In memory only.
	credentials Credentials
}

// NewBrowserContext creates a new browser context handle.
func NewBrowserContext(
	ctx context.Context, browser *Browser, id cdp.BrowserContextID,
	opts *BrowserContextOptions, credentials Credentials, logger *log.Logger,
) *BrowserContext {
	return &BrowserContext{
		ctx:         ctx,
		browser:     browser,
		id:          id,
		opts:        opts,
		credentials: credentials,
		logger:      logger,
	}
}

// ID returns the browser's identifier for this context. The default
// context has the empty id.
func (b *BrowserContext) ID() cdp.BrowserContextID { return b.id }

// IsDefault returns true for the browser's default context.
func (b *BrowserContext) IsDefault() bool { return b.id == "" }

// Credentials returns the proxy credentials attached to this context.
func (b *BrowserContext) Credentials() Credentials { return b.credentials }

// NewTarget opens a new target (tab) inside this context and returns its id.
func (b *BrowserContext) NewTarget(url string) (target.ID, error) {
	return b.browser.CreateTarget(url, b.id)
}

// NewSession opens a new target inside this context and attaches a
// session to it.
func (b *BrowserContext) NewSession(url string) (*Session, error) {
	tid, err := b.NewTarget(url)
	if err != nil {
		return nil, err
	}
	return b.browser.Session(tid)
}

// Sessions returns the open sessions belonging to this context.
func (b *BrowserContext) Sessions() []*Session {
	var sessions []*Session
	for _, s := range b.browser.Sessions() {
		if s.BrowserContextID() == b.id {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Close disposes the context, closing its sessions first. Closing the
// default context is rejected.
func (b *BrowserContext) Close() error {
	return b.browser.DisposeContext(b.id)
}

// splitProxyCredentials strips embedded userinfo off a proxy URL so the
// browser never sees it on the command surface; the credentials are
// returned separately for the auth bridge.
func splitProxyCredentials(proxyServer string) (string, Credentials, error) {
	if proxyServer == "" {
		return "", Credentials{}, nil
	}
	u, err := url.Parse(proxyServer)
	if err != nil {
		return "", Credentials{}, fmt.Errorf("parsing proxy server URL: %w", err)
	}
	if u.User == nil {
		return proxyServer, Credentials{}, nil
	}
	password, _ := u.User.Password()
	creds := Credentials{
		Username: u.User.Username(),
		Password: password,
	}
	u.User = nil
	return u.String(), creds, nil
}

package common

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/yie1d/pydoll-sub000/log"
)

// Browser lifecycle states.
const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// Browser owns the control connection to one browser process together
// with the registry of per-target sessions and isolation contexts. There
// is at most one Session per target id: requesting a session for a known
// target returns the already registered instance.
type Browser struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	browserProc *BrowserProcess

	// Control connection to the browser endpoint.
	conn      *Connection
	connMu    sync.RWMutex
	connected bool

	contextsMu     sync.RWMutex
	contexts       map[cdp.BrowserContextID]*BrowserContext
	defaultContext *BrowserContext

	// Sessions keyed by target id. Guarded by one mutex held across
	// creation so that two concurrent first requests for a brand-new
	// target id resolve to the same instance.
	sessionsMu sync.Mutex
	sessions   map[target.ID]*Session

	logger *log.Logger
}

// NewBrowser connects the control connection to the given browser
// process and starts target discovery.
func NewBrowser(
	ctx context.Context, cancelFn context.CancelFunc,
	browserProc *BrowserProcess, logger *log.Logger,
) (*Browser, error) {
	b := Browser{
		ctx:         ctx,
		cancelFn:    cancelFn,
		state:       BrowserStateOpen,
		browserProc: browserProc,
		contexts:    make(map[cdp.BrowserContextID]*BrowserContext),
		sessions:    make(map[target.ID]*Session),
		logger:      logger,
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Browser) connect() error {
	b.logger.Infof("Browser:connect", "wsURL:%q", b.browserProc.WsURL())

	conn, err := NewConnection(b.ctx, b.browserProc.WsURL(), b.logger)
	if err != nil {
		return fmt.Errorf("%w: connecting to browser WS URL %q: %v",
			ErrProcessUnavailable, b.browserProc.WsURL(), err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connected = true
	b.connMu.Unlock()

	b.defaultContext = NewBrowserContext(
		b.ctx, b, "", NewBrowserContextOptions(), Credentials{}, b.logger)

	return b.initEvents()
}

func (b *Browser) initEvents() error {
	b.conn.On(cdproto.EventTargetTargetDestroyed, func(ev Event) {
		e, ok := ev.Data().(*target.EventTargetDestroyed)
		if !ok {
			return
		}
		b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v", e.TargetID)
		b.CloseSession(e.TargetID)
	})
	b.conn.On(EventConnectionClose, func(Event) {
		b.logger.Infof("Browser:initEvents", "browser connection closed")

		b.connMu.Lock()
		b.connected = false
		b.connMu.Unlock()

		b.closeAllSessions()
		b.browserProc.didLoseConnection()
		b.cancelFn()
	})

	action := target.SetDiscoverTargets(true)
	if err := action.Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("discovering targets: %w", err)
	}
	return nil
}

// IsConnected returns true while the control connection is up.
func (b *Browser) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected
}

// Connection returns the browser's control connection.
func (b *Browser) Connection() *Connection {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn
}

// DefaultContext returns the browser's default isolation context.
func (b *Browser) DefaultContext() *BrowserContext { return b.defaultContext }

// CreateTarget opens a new target (tab), optionally inside the given
// isolation context, and returns its target id.
func (b *Browser) CreateTarget(targetURL string, browserContextID cdp.BrowserContextID) (target.ID, error) {
	if targetURL == "" {
		targetURL = "about:blank"
	}
	action := target.CreateTarget(targetURL)
	if browserContextID != "" {
		action = action.WithBrowserContextID(browserContextID)
	}
	tid, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", targetURL, err)
	}
	b.logger.Debugf("Browser:CreateTarget", "tid:%v bctxid:%v", tid, browserContextID)
	return tid, nil
}

// CloseTarget asks the browser to close the given target. The session
// registered for it, if any, is reaped by the target-destroyed event.
func (b *Browser) CloseTarget(tid target.ID) error {
	if err := target.CloseTarget(tid).Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("closing target %s: %w", tid, err)
	}
	return nil
}

// Session returns the session registered for the target id, attaching a
// new one over the target's own WebSocket endpoint on first request.
// The registry lock is held across the attach so that concurrent first
// requests for the same target settle on one instance.
func (b *Browser) Session(tid target.ID) (*Session, error) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	if s, ok := b.sessions[tid]; ok {
		return s, nil
	}

	info, err := target.GetTargetInfo().WithTargetID(tid).Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("resolving target %s: %w", tid, err)
	}

	wsURL, err := b.targetWsURL(tid)
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(b.ctx, wsURL, b.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: dialling target %s at %q: %v",
			ErrProcessUnavailable, tid, wsURL, err)
	}

	s := NewSession(b.ctx, b, conn, tid, info.BrowserContextID, b.logger)
	b.sessions[tid] = s
	b.logger.Debugf("Browser:Session", "attached tid:%v bctxid:%v", tid, info.BrowserContextID)

	// Sessions inside a proxied context answer auth challenges with the
	// context's credentials.
	if bctx := b.contextByID(info.BrowserContextID); bctx != nil && !bctx.Credentials().IsEmpty() {
		if err := s.Authenticate(b.ctx, bctx.Credentials()); err != nil {
			b.logger.Warnf("Browser:Session", "arming context credentials for tid:%v: %v", tid, err)
		}
	}

	return s, nil
}

// Sessions returns every currently registered session.
func (b *Browser) Sessions() []*Session {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CloseSession closes the session registered for the target id and
// removes it from the registry. Unknown ids are ignored.
func (b *Browser) CloseSession(tid target.ID) {
	b.sessionsMu.Lock()
	s, ok := b.sessions[tid]
	delete(b.sessions, tid)
	b.sessionsMu.Unlock()

	if ok {
		s.Close()
	}
}

func (b *Browser) closeAllSessions() {
	b.sessionsMu.Lock()
	sessions := b.sessions
	b.sessions = make(map[target.ID]*Session)
	b.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// targetWsURL rewrites the browser endpoint URL into the per-target
// DevTools endpoint.
func (b *Browser) targetWsURL(tid target.ID) (string, error) {
	u, err := url.Parse(b.browserProc.WsURL())
	if err != nil {
		return "", fmt.Errorf("parsing browser WS URL %q: %w", b.browserProc.WsURL(), err)
	}
	u.Path = "/devtools/page/" + string(tid)
	return u.String(), nil
}

func (b *Browser) contextByID(id cdp.BrowserContextID) *BrowserContext {
	if id == "" {
		return b.defaultContext
	}
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()
	return b.contexts[id]
}

// NewContext creates a new incognito-like isolation context.
func (b *Browser) NewContext(opts *BrowserContextOptions) (*BrowserContext, error) {
	if opts == nil {
		opts = NewBrowserContextOptions()
	}

	proxyServer, credentials, err := splitProxyCredentials(opts.ProxyServer)
	if err != nil {
		return nil, err
	}

	action := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if proxyServer != "" {
		action = action.WithProxyServer(proxyServer)
	}
	if opts.ProxyBypassList != "" {
		action = action.WithProxyBypassList(opts.ProxyBypassList)
	}
	browserContextID, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	b.logger.Debugf("Browser:NewContext", "bctxid:%v", browserContextID)

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()
	browserCtx := NewBrowserContext(b.ctx, b, browserContextID, opts, credentials, b.logger)
	b.contexts[browserContextID] = browserCtx

	return browserCtx, nil
}

// Contexts returns the non-default isolation contexts.
func (b *Browser) Contexts() []*BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()
	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, bctx := range b.contexts {
		contexts = append(contexts, bctx)
	}
	return contexts
}

// DisposeContext closes every session belonging to the context, then
// disposes the context itself. Disposing the default context is rejected
// with ErrDefaultContext.
func (b *Browser) DisposeContext(id cdp.BrowserContextID) error {
	if id == "" {
		return ErrDefaultContext
	}
	b.logger.Debugf("Browser:DisposeContext", "bctxid:%v", id)

	// No session of the context may survive the context.
	b.sessionsMu.Lock()
	var doomed []*Session
	for tid, s := range b.sessions {
		if s.BrowserContextID() == id {
			doomed = append(doomed, s)
			delete(b.sessions, tid)
		}
	}
	b.sessionsMu.Unlock()
	for _, s := range doomed {
		s.Close()
	}

	action := target.DisposeBrowserContext(id)
	if err := action.Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("disposing browser context %s: %w", id, err)
	}

	b.contextsMu.Lock()
	delete(b.contexts, id)
	b.contextsMu.Unlock()
	return nil
}

// Close shuts down the browser: sessions first, then the browser process
// via Browser.close, then the control connection.
func (b *Browser) Close() {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:Close", "already closing")
		return
	}
	b.logger.Debugf("Browser:Close", "")

	b.browserProc.GracefulClose()
	defer b.browserProc.Terminate()

	b.closeAllSessions()

	if err := cdpbrowser.Close().Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		b.logger.Warnf("Browser:Close", "closing browser: %v", err)
	}
	_ = b.conn.Close()

	atomic.StoreInt64(&b.state, BrowserStateClosed)
}

// UserAgent returns the controlled browser's user agent string.
func (b *Browser) UserAgent() (string, error) {
	action := cdpbrowser.GetVersion()
	_, _, _, ua, _, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser user agent: %w", err)
	}
	return ua, nil
}

// Version returns the controlled browser's version.
func (b *Browser) Version() (string, error) {
	action := cdpbrowser.GetVersion()
	_, product, _, _, _, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	i := strings.Index(product, "/")
	if i == -1 {
		return product, nil
	}
	return product[i+1:], nil
}

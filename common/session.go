package common

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/yie1d/pydoll-sub000/log"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Session{}
	_ cdp.Executor = &Session{}
)

// Session is the handle for one controllable target (a tab, a background
// page) and owns that target's Connection exclusively. Commands issued
// through a Session and events received by it never touch other sessions,
// which is what lets independent tabs be driven fully in parallel.
type Session struct {
	ctx     context.Context
	browser *Browser
	conn    *Connection
	logger  *log.Logger

	targetID         target.ID
	browserContextID cdp.BrowserContextID

	networkManagerMu sync.Mutex
	networkManager   *NetworkManager

	crashedMu sync.RWMutex
	crashed   bool
}

// NewSession wraps an already dialled per-target connection.
func NewSession(
	ctx context.Context, browser *Browser, conn *Connection,
	targetID target.ID, browserContextID cdp.BrowserContextID, logger *log.Logger,
) *Session {
	s := Session{
		ctx:              ctx,
		browser:          browser,
		conn:             conn,
		logger:           logger,
		targetID:         targetID,
		browserContextID: browserContextID,
	}

	// The target going away invalidates every in-flight command.
	s.conn.On(cdproto.EventInspectorTargetCrashed, func(Event) {
		s.markAsCrashed()
	})

	return &s
}

// TargetID returns the browser's identifier for this session's target.
func (s *Session) TargetID() target.ID { return s.targetID }

// BrowserContextID returns the isolation context this session belongs to,
// or the empty id for the default context.
func (s *Session) BrowserContextID() cdp.BrowserContextID { return s.browserContextID }

// Connection returns the session's own connection.
func (s *Session) Connection() *Connection { return s.conn }

// Done is closed when the session's connection is torn down.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Closed returns true once the session's connection is torn down.
func (s *Session) Closed() bool { return s.conn.Closed() }

func (s *Session) markAsCrashed() {
	s.crashedMu.Lock()
	s.crashed = true
	s.crashedMu.Unlock()
}

func (s *Session) isCrashed() bool {
	s.crashedMu.RLock()
	defer s.crashedMu.RUnlock()
	return s.crashed
}

// Close tears down the session's connection. It is idempotent.
func (s *Session) Close() {
	if s.conn.Closed() {
		return
	}
	s.logger.Debugf("Session:Close", "tid:%v", s.targetID)
	s.conn.emit(EventSessionClosed, nil)
	_ = s.conn.Close()
}

// Execute implements the cdp.Executor interface on the session's own
// connection.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.isCrashed() {
		return ErrTargetCrashed
	}
	return s.conn.Execute(ctx, method, params, res)
}

// ExecuteWithoutExpectationOnReply sends a command without waiting for
// the browser's answer.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler) error {
	if s.isCrashed() {
		return ErrTargetCrashed
	}
	return s.conn.ExecuteWithoutExpectationOnReply(ctx, method, params)
}

// On registers a handler for the named event on this session's connection.
func (s *Session) On(event string, cb EventCallback) EventHandle {
	return s.conn.On(event, cb)
}

// Once registers a one-shot handler on this session's connection.
func (s *Session) Once(event string, cb EventCallback) EventHandle {
	return s.conn.Once(event, cb)
}

// OnAll registers a catch-all handler on this session's connection.
func (s *Session) OnAll(cb EventCallback) EventHandle {
	return s.conn.OnAll(cb)
}

// Off removes a subscription from this session's connection.
func (s *Session) Off(handle EventHandle) {
	s.conn.Off(handle)
}

func (s *Session) emit(event string, data any) {
	s.conn.emit(event, data)
}

// EnableDomain turns a protocol domain on for this session, once.
func (s *Session) EnableDomain(ctx context.Context, domain string) error {
	return s.conn.Domains().Enable(ctx, domain)
}

// DisableDomain turns a protocol domain off for this session, once.
func (s *Session) DisableDomain(ctx context.Context, domain string) error {
	return s.conn.Domains().Disable(ctx, domain)
}

// DomainEnabled reports the session's enablement state for a domain.
func (s *Session) DomainEnabled(domain string) bool {
	return s.conn.Domains().Enabled(domain)
}

// WithDomain runs fn with the domain enabled and restores the prior
// enablement state on every exit path.
func (s *Session) WithDomain(ctx context.Context, domain string, fn func() error) error {
	return s.conn.Domains().WithDomain(ctx, domain, fn)
}

// NetworkManager returns the session's interception bridge, creating it
// on first use.
func (s *Session) NetworkManager() *NetworkManager {
	s.networkManagerMu.Lock()
	defer s.networkManagerMu.Unlock()
	if s.networkManager == nil {
		s.networkManager = NewNetworkManager(s.ctx, s, s.logger)
	}
	return s.networkManager
}

// Authenticate arms the session's interception bridge with credentials
// for network auth challenges.
func (s *Session) Authenticate(ctx context.Context, credentials Credentials) error {
	return s.NetworkManager().Authenticate(ctx, credentials)
}

package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/yie1d/pydoll-sub000/log"
)

// Credentials holds HTTP authentication credentials. They are kept in
// memory only and never travel through the event or log path.
type Credentials struct {
	Username string
	Password string
}

// IsEmpty returns true if the credentials are empty.
func (c Credentials) IsEmpty() bool {
	c = Credentials{
		Username: strings.TrimSpace(c.Username),
		Password: strings.TrimSpace(c.Password),
	}
	return c == (Credentials{})
}

// String keeps credentials out of formatted output.
func (c Credentials) String() string {
	if c.IsEmpty() {
		return "<no credentials>"
	}
	return "<credentials>"
}

// NetworkManager is the interception bridge for one session: it pauses
// network exchanges through the Fetch domain, answers authentication
// challenges with the stored credentials, and continues or fails paused
// requests. Each paused exchange is Paused until a decision moves it to
// Continued or Failed.
//
// The bridge affects every request on the session's connection, so a
// session sharing its connection shares the interception scope.
type NetworkManager struct {
	ctx     context.Context
	session *Session
	logger  *log.Logger

	mu            sync.Mutex
	credentials   Credentials
	attemptedAuth map[fetch.RequestID]bool
	paused        map[fetch.RequestID]struct{}
	handles       []EventHandle
	enabled       bool
	disabling     bool
}

// NewNetworkManager creates a new interception bridge for the session.
func NewNetworkManager(ctx context.Context, s *Session, logger *log.Logger) *NetworkManager {
	return &NetworkManager{
		ctx:           ctx,
		session:       s,
		logger:        logger,
		attemptedAuth: make(map[fetch.RequestID]bool),
		paused:        make(map[fetch.RequestID]struct{}),
	}
}

// Authenticate stores the credentials and enables interception so auth
// challenges can be answered. Passing empty credentials only enables
// interception.
func (m *NetworkManager) Authenticate(ctx context.Context, credentials Credentials) error {
	m.mu.Lock()
	m.credentials = credentials
	m.mu.Unlock()

	return m.Enable(ctx)
}

// Enable turns interception on: it subscribes to the pause and auth
// events and enables the Fetch domain with auth handling. Enabling twice
// is a no-op.
func (m *NetworkManager) Enable(ctx context.Context) error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = true
	m.disabling = false
	m.handles = append(m.handles,
		m.session.On(cdproto.EventFetchRequestPaused, func(ev Event) {
			if e, ok := ev.Data().(*fetch.EventRequestPaused); ok {
				m.onRequestPaused(e)
			}
		}),
		m.session.On(cdproto.EventFetchAuthRequired, func(ev Event) {
			if e, ok := ev.Data().(*fetch.EventAuthRequired); ok {
				m.onAuthRequired(e)
			}
		}),
	)
	m.mu.Unlock()

	action := fetch.Enable().
		WithHandleAuthRequests(true).
		WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		})
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		m.teardown(ctx)
		return fmt.Errorf("enabling fetch interception: %w", err)
	}
	return nil
}

// Disable turns interception off. When exchanges are still paused the
// teardown is deferred until the last one is continued or failed, so no
// request stays paused forever.
func (m *NetworkManager) Disable(ctx context.Context) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return nil
	}
	if len(m.paused) > 0 {
		m.disabling = true
		m.mu.Unlock()
		m.logger.Debugf("NetworkManager:Disable",
			"deferring teardown, exchanges still paused")
		return nil
	}
	m.mu.Unlock()

	m.teardown(ctx)
	return nil
}

// teardown removes the event subscriptions and disables the Fetch domain.
func (m *NetworkManager) teardown(ctx context.Context) {
	m.mu.Lock()
	handles := m.handles
	m.handles = nil
	m.enabled = false
	m.disabling = false
	m.mu.Unlock()

	for _, h := range handles {
		m.session.Off(h)
	}
	if err := fetch.Disable().Do(cdp.WithExecutor(ctx, m.session)); err != nil &&
		!errors.Is(err, ErrConnectionClosed) {
		m.logger.Warnf("NetworkManager:teardown", "disabling fetch: %v", err)
	}
}

func (m *NetworkManager) markPaused(id fetch.RequestID) {
	m.mu.Lock()
	m.paused[id] = struct{}{}
	m.mu.Unlock()
}

// resolvePaused removes the exchange from the paused set and finishes a
// deferred teardown when it was the last one.
func (m *NetworkManager) resolvePaused(ctx context.Context, id fetch.RequestID) {
	m.mu.Lock()
	delete(m.paused, id)
	finish := m.disabling && len(m.paused) == 0
	m.mu.Unlock()

	if finish {
		m.teardown(ctx)
	}
}

// ContinueRequest lets a paused exchange proceed unmodified.
func (m *NetworkManager) ContinueRequest(ctx context.Context, id fetch.RequestID) error {
	defer m.resolvePaused(ctx, id)
	if err := fetch.ContinueRequest(id).Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("continuing request %s: %w", id, err)
	}
	return nil
}

// FailRequest aborts a paused exchange with the given reason.
func (m *NetworkManager) FailRequest(ctx context.Context, id fetch.RequestID, reason network.ErrorReason) error {
	defer m.resolvePaused(ctx, id)
	if err := fetch.FailRequest(id, reason).Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("failing request %s: %w", id, err)
	}
	return nil
}

// onRequestPaused continues every paused request. Interception exists for
// the auth flow; requests are never held hostage waiting for a decision
// that nobody will make.
func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	m.logger.Debugf("NetworkManager:onRequestPaused", "url:%v", event.Request.URL)

	m.markPaused(event.RequestID)
	if err := m.ContinueRequest(m.ctx, event.RequestID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionClosed) {
			m.logger.Debugf("NetworkManager:onRequestPaused", "interrupted: %v", err)
			return
		}
		m.logger.Errorf("NetworkManager:onRequestPaused",
			"continuing request %s %s: %s", event.Request.Method, event.Request.URL, err)
	}
}

// onAuthRequired answers an authentication challenge with the stored
// credentials. A second challenge for the same request means they were
// rejected, so auth is cancelled instead of looping.
func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	m.mu.Lock()
	creds := m.credentials
	attempted := m.attemptedAuth[rid]
	switch {
	case attempted:
		delete(m.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case !creds.IsEmpty():
		m.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password may only be set when the response is
		// ProvideCredentials.
		username, password = creds.Username, creds.Password
	}
	m.mu.Unlock()

	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q err:%v", event.Request.URL, err)
	} else {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q OK", event.Request.URL)
	}
}

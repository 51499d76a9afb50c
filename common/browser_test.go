package common

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yie1d/pydoll-sub000/log"
	"github.com/yie1d/pydoll-sub000/tests/ws"
)

// controlHandler answers the browser endpoint commands the Browser type
// issues, with canned target and context ids. Closing a target also
// emits the matching Target.targetDestroyed event, as a browser would.
func controlHandler(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	if msg.Method == "" {
		return
	}
	result := "{}"
	switch msg.Method {
	case cdproto.CommandTargetCreateTarget:
		result = `{"targetId":"target-1"}`
	case cdproto.CommandTargetGetTargetInfo:
		result = `{"targetInfo":{"targetId":"target-1","type":"page","title":"","url":"about:blank",` +
			`"attached":true,"browserContextId":"context-1"}}`
	case cdproto.CommandTargetCreateBrowserContext:
		result = `{"browserContextId":"context-1"}`
	case cdproto.CommandBrowserGetVersion:
		result = `{"protocolVersion":"1.3","product":"Chrome/119.0.6045.9","revision":"@1204232",` +
			`"userAgent":"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36","jsVersion":"11.9.163"}`
	case cdproto.CommandTargetCloseTarget:
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetTargetDestroyed,
			Params: easyjson.RawMessage(`{"targetId":"target-1"}`),
		}
		result = `{"success":true}`
	}
	writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(result)}
}

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()

	server := ws.NewServer(t,
		ws.WithCDPHandler("/devtools/browser/", controlHandler, nil),
		ws.WithCDPHandler("/devtools/page/", ws.CDPDefaultHandler, nil),
	)
	wsURL := "ws" + strings.TrimPrefix(server.ServerHTTP.URL, "http") + "/devtools/browser/test"
	logger := log.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	proc, err := NewRemoteBrowserProcess(ctx, wsURL, cancel, logger)
	require.NoError(t, err)

	b, err := NewBrowser(ctx, cancel, proc, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.conn.Close() })

	return b
}

// Requesting a session for the same target must return the one already
// registered, even when the requests race.
func TestBrowserSessionSingleton(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)

	tid, err := b.CreateTarget("", "")
	require.NoError(t, err)
	require.Equal(t, "target-1", string(tid))

	var (
		wg       sync.WaitGroup
		sessions [4]*Session
	)
	for i := range sessions {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := b.Session(tid)
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		require.Same(t, sessions[0], s)
	}
	require.Len(t, b.Sessions(), 1)
}

func TestBrowserDisposeDefaultContext(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	require.ErrorIs(t, b.DisposeContext(""), ErrDefaultContext)
	require.True(t, b.DefaultContext().IsDefault())
}

// Disposing a context closes and unregisters every session inside it.
func TestBrowserDisposeContextClosesSessions(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)

	bctx, err := b.NewContext(nil)
	require.NoError(t, err)
	require.Len(t, b.Contexts(), 1)

	tid, err := b.CreateTarget("about:blank", bctx.ID())
	require.NoError(t, err)
	s, err := b.Session(tid)
	require.NoError(t, err)
	require.Equal(t, bctx.ID(), s.BrowserContextID())

	require.NoError(t, b.DisposeContext(bctx.ID()))
	require.True(t, s.Closed())
	require.Empty(t, b.Sessions())
	require.Empty(t, b.Contexts())
}

// The target-destroyed event reaps the session registered for the target.
func TestBrowserCloseTargetReapsSession(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)

	tid, err := b.CreateTarget("", "")
	require.NoError(t, err)
	s, err := b.Session(tid)
	require.NoError(t, err)

	require.NoError(t, b.CloseTarget(tid))
	require.Eventually(t, func() bool {
		return s.Closed() && len(b.Sessions()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBrowserVersionAndUserAgent(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)

	version, err := b.Version()
	require.NoError(t, err)
	require.Equal(t, "119.0.6045.9", version)

	ua, err := b.UserAgent()
	require.NoError(t, err)
	require.Contains(t, ua, "AppleWebKit")
}

func TestBrowserConnectionCloseTearsDownSessions(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	require.True(t, b.IsConnected())

	tid, err := b.CreateTarget("", "")
	require.NoError(t, err)
	s, err := b.Session(tid)
	require.NoError(t, err)

	require.NoError(t, b.Connection().Close())
	require.Eventually(t, func() bool {
		return !b.IsConnected() && s.Closed()
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, b.Sessions())
}

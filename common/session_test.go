package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"

	"github.com/yie1d/pydoll-sub000/log"
	"github.com/yie1d/pydoll-sub000/tests/ws"
)

func newTestSession(t *testing.T, handler ws.Handler) *Session {
	t.Helper()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))
	conn := dial(t, server, "/cdp")
	return NewSession(server.Context, nil, conn, "target-1", "", log.NewNullLogger())
}

func TestSessionExecute(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, ws.CDPDefaultHandler)
	require.NoError(t, s.Execute(context.Background(), "Page.enable", nil, nil))
	require.Equal(t, "target-1", string(s.TargetID()))
	require.Empty(t, string(s.BrowserContextID()))
}

// Once the target has crashed, every command fails fast instead of
// waiting out a timeout on a connection nobody answers.
func TestSessionTargetCrashed(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "" {
			return
		}
		ws.CDPDefaultHandler(conn, msg, writeCh, done)
		writeCh <- cdproto.Message{
			Method: cdproto.EventInspectorTargetCrashed,
			Params: easyjson.RawMessage(`{}`),
		}
	}
	s := newTestSession(t, handler)

	require.NoError(t, s.Execute(context.Background(), "Page.enable", nil, nil))
	require.Eventually(t, s.isCrashed, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, s.Execute(context.Background(), "Page.enable", nil, nil), ErrTargetCrashed)
	require.ErrorIs(t, s.ExecuteWithoutExpectationOnReply(context.Background(), "Page.enable", nil), ErrTargetCrashed)
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, ws.CDPDefaultHandler)

	closed := make(chan struct{})
	s.Once(EventSessionClosed, func(Event) { close(closed) })

	s.Close()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session close event not delivered")
	}
	require.True(t, s.Closed())

	// Closing again is a no-op.
	s.Close()
	require.ErrorIs(t, s.Execute(context.Background(), "Page.enable", nil, nil), ErrConnectionClosed)
}

func TestSessionDomains(t *testing.T) {
	t.Parallel()

	cmds := &ws.MethodsReceived{}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, cmds))
	conn := dial(t, server, "/cdp")
	s := NewSession(server.Context, nil, conn, "target-1", "", log.NewNullLogger())
	ctx := context.Background()

	require.NoError(t, s.EnableDomain(ctx, "Network"))
	require.NoError(t, s.EnableDomain(ctx, "Network"))
	require.True(t, s.DomainEnabled("Network"))

	require.NoError(t, s.WithDomain(ctx, "Page", func() error {
		require.True(t, s.DomainEnabled("Page"))
		return nil
	}))
	require.False(t, s.DomainEnabled("Page"))

	require.NoError(t, s.DisableDomain(ctx, "Network"))
	require.Equal(t,
		[]cdproto.MethodType{"Network.enable", "Page.enable", "Page.disable", "Network.disable"},
		cmds.Methods())
}

package common

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/yie1d/pydoll-sub000/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// Action is the general interface of a CDP action.
type Action interface {
	Do(context.Context) error
}

// ActionFunc is an adapter to allow regular functions to be used as an Action.
type ActionFunc func(context.Context) error

// Do executes the func f using the provided context.
func (f ActionFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// Connection represents a single WebSocket connection speaking the CDP
// JSON-RPC dialect with one browser endpoint (the browser itself or one
// of its targets).
//
// A dedicated recvLoop decodes every inbound frame and routes it: frames
// carrying an id resolve the matching pending command, frames carrying
// only a method are fanned out to the event subscriptions. A dedicated
// sendLoop serializes outbound commands so Execute never blocks on socket
// writes. Closing the connection fails every outstanding command with
// ErrConnectionClosed and removes every event subscription.
type Connection struct {
	BaseEventEmitter

	ctx          context.Context
	wsURL        string
	logger       *log.Logger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64
	timeout      time.Duration

	// Outstanding commands keyed by message id. Entries are removed on
	// resolution, timeout and connection teardown.
	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	domains *DomainManager

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials the given WebSocket URL and starts the send and
// receive loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	var header http.Header
	var tlsConfig *tls.Config
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  tlsConfig,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}

	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx, logger),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		conn:             conn,
		sendCh:           make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		done:             make(chan struct{}),
		timeout:          DefaultTimeout,
		pending:          make(map[int64]chan *cdproto.Message),
	}
	c.domains = NewDomainManager(&c, logger)

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// WsURL returns the WebSocket URL this connection is dialled to.
func (c *Connection) WsURL() string { return c.wsURL }

// Domains returns the per-connection domain enablement state.
func (c *Connection) Domains() *DomainManager { return c.domains }

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed returns true once the connection is torn down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SetDefaultTimeout overrides the default per-command time budget used
// when the caller's context carries no deadline of its own.
func (c *Connection) SetDefaultTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Close cleanly closes the WebSocket connection. It is idempotent and
// safe to call from any goroutine.
func (c *Connection) Close(codes ...int) error {
	code := websocket.CloseGoingAway
	if len(codes) > 0 {
		code = codes[0]
	}
	return c.closeConnection(code)
}

// closeConnection tears the connection down exactly once: it sends the
// close control frame, fails every outstanding command, notifies close
// subscribers and then drops all event subscriptions.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:closeConnection", "wsURL:%q code:%d", c.wsURL, code)

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()

		// Stop the send and receive loops and unblock Execute callers.
		close(c.done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()

		c.emit(EventConnectionClose, nil)
		c.removeAllHandlers()
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("Connection:handleIOError", "wsURL:%q err:%v", c.wsURL, err)
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = c.closeConnection(code)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			// Malformed frames are dropped, they are not fatal to the
			// connection.
			c.logger.Warnf("Connection:recvLoop", "dropping malformed frame: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg)

		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				var unknown cdp.ErrUnknownCommandOrEvent
				if errors.As(err, &unknown) {
					// An event this cdproto version does not know about,
					// e.g. from an older browser. Emit the raw message.
					c.emit(string(msg.Method), &msg)
					continue
				}
				c.logger.Warnf("Connection:recvLoop", "dropping undecodable %q event: %v", msg.Method, err)
				continue
			}
			c.emit(string(msg.Method), ev)

		default:
			c.logger.Warnf("Connection:recvLoop",
				"ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

// resolve routes a response to the pending command with the matching id.
// Responses for unknown or already resolved ids are logged and discarded.
func (c *Connection) resolve(msg *cdproto.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debugf("Connection:resolve", "discarding response with unknown id %d", msg.ID)
		return
	}
	ch <- msg
}

func (c *Connection) abandon(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				c.logger.Errorf("Connection:sendLoop", "encoding message %d: %v", msg.ID, err)
				c.resolve(&cdproto.Message{
					ID:    msg.ID,
					Error: &cdproto.Error{Code: -32700, Message: err.Error()},
				})
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Execute implements cdp.Executor: it sends the command and blocks the
// caller until the matching response arrives, the time budget runs out or
// the connection closes. The time budget is the context deadline when one
// is set, the connection's default timeout otherwise.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	id := atomic.AddInt64(&c.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	return c.send(ctx, msg, res)
}

// ExecuteWithoutExpectationOnReply sends the command without waiting for
// the browser's response. The eventual response resolves nothing and is
// discarded by the read loop.
func (c *Connection) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	id := atomic.AddInt64(&c.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}

	select {
	case c.sendCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *Connection) send(ctx context.Context, msg *cdproto.Message, res easyjson.Unmarshaler) error {
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	select {
	case c.sendCh <- msg:
	case <-ctx.Done():
		c.abandon(msg.ID)
		return c.budgetErr(ctx, msg)
	case <-c.done:
		c.abandon(msg.ID)
		return ErrConnectionClosed
	}

	// The context deadline, when set, is the caller's budget. The
	// connection default applies otherwise.
	var budget <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timeout := time.NewTimer(c.timeout)
		defer timeout.Stop()
		budget = timeout.C
	}

	select {
	case m, ok := <-ch:
		switch {
		case !ok || m == nil:
			return ErrConnectionClosed
		case m.Error != nil:
			return m.Error
		case res != nil:
			return easyjson.Unmarshal(m.Result, res)
		}
		return nil
	case <-budget:
		c.abandon(msg.ID)
		return fmt.Errorf("%s: %w", msg.Method, ErrCommandTimeout)
	case <-ctx.Done():
		c.abandon(msg.ID)
		return c.budgetErr(ctx, msg)
	case <-c.done:
		return ErrConnectionClosed
	}
}

// budgetErr maps a context deadline to ErrCommandTimeout so callers see
// the same failure type for both budget mechanisms.
func (c *Connection) budgetErr(ctx context.Context, msg *cdproto.Message) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg.Method, ErrCommandTimeout)
	}
	return ctx.Err()
}

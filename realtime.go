package lexlane

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenSource supplies the current credential. It may return "" when no
// user is signed in, in which case connecting is a no-op.
type TokenSource func(ctx context.Context) (string, error)

// ChatConfig configures the realtime chat client.
type ChatConfig struct {
	// Token supplies the credential appended to the websocket URL.
	Token TokenSource

	// MaxRetries bounds automatic reconnect attempts after unexpected
	// closures. Once exhausted the connection-error flag is raised and a
	// manual Connect is required.
	MaxRetries int

	// RetryDelay is the fixed wait between reconnect attempts. A fixed
	// delay keeps recovery latency low for a conversational UI.
	RetryDelay time.Duration

	// PingInterval is how often a keep-alive envelope is sent.
	PingInterval time.Duration

	// LivenessInterval is how often inbound traffic is checked for
	// staleness.
	LivenessInterval time.Duration

	// StaleAfter is the silence window after which the connection is
	// declared dead even if the transport never reported a close.
	StaleAfter time.Duration

	// SettleDelay is the pause before the stored initial message is sent
	// into a freshly created thread.
	SettleDelay time.Duration

	Logger *slog.Logger
}

func (c *ChatConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.LivenessInterval == 0 {
		c.LivenessInterval = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 4 * c.PingInterval
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// transport is the subset of *websocket.Conn the client uses. Tests drive
// the state machine through a fake transport instead of a live socket.
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a transport; swapped out in tests.
type dialFunc func(ctx context.Context, url string) (transport, error)

func dialWebsocket(ctx context.Context, url string) (transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ============================================================================
// ChatClient
// ============================================================================

// ChatClient maintains the persistent websocket to the chat service: it owns
// the connection lifecycle, keeps the socket alive with heartbeats, reconnects
// after failures, correlates request/response pairs and sequences the
// create-thread → first-message → assistant-reply workflow.
//
// There is at most one live transport per client. All state mutations flow
// into the StateSink; failures never surface as panics or errors across the
// public API, only as boolean results and sink flags.
type ChatClient struct {
	url    string
	config *ChatConfig
	sink   StateSink
	corr   *CorrelationSet
	log    *slog.Logger
	dial   dialFunc

	mu          sync.Mutex
	conn        transport
	connCtx     context.Context
	cancelFn    context.CancelFunc
	state       ConnState
	dialing     bool
	closed      bool
	retryCount  int
	retryTimer  *time.Timer
	lastInbound time.Time
	wasDropped  bool
	threadID    string

	pendingMu      sync.Mutex
	pendingInitial string
	hasPending     bool
	settleTimer    *time.Timer
}

// NewChatClient creates a realtime client for the given websocket URL
// (scheme wss://, without the token query parameter).
func NewChatClient(url string, sink StateSink, config *ChatConfig) *ChatClient {
	cfg := ChatConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ChatClient{
		url:    url,
		config: &cfg,
		sink:   sink,
		corr:   NewCorrelationSet(0),
		log:    cfg.Logger,
		dial:   dialWebsocket,
		state:  StateDisconnected,
	}
}

// Chat creates a realtime client bound to this API client: the websocket URL
// is derived from the base URL and the credential defaults to the client's
// token.
func (c *Client) Chat(sink StateSink, config *ChatConfig) *ChatClient {
	cfg := ChatConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == nil {
		cfg.Token = func(context.Context) (string, error) { return c.apiKey, nil }
	}
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return NewChatClient(wsURL+"/ws", sink, &cfg)
}

// State returns the current connection state.
func (c *ChatClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the websocket. It is a no-op (nil error) when a connection
// is already open or opening, and when no credential is available. Callers
// may invoke it freely from lifecycle events; the guard ensures a single
// live transport.
func (c *ChatClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.dialing || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.state = StateConnecting
	c.mu.Unlock()
	c.sink.SetConnectionStatus(StateConnecting)

	token, err := c.config.Token(ctx)
	if err != nil || token == "" {
		c.mu.Lock()
		c.dialing = false
		c.state = StateDisconnected
		c.mu.Unlock()
		c.sink.SetConnectionStatus(StateDisconnected)
		if err != nil {
			c.log.Debug("credential unavailable", "error", err)
		}
		return nil
	}

	conn, err := c.dial(ctx, c.url+"?token="+token)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.state = StateDisconnected
		c.mu.Unlock()
		c.sink.SetConnectionStatus(StateDisconnected)
		c.log.Warn("websocket dial failed", "error", err)
		c.scheduleRetry()
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		// Close raced the dial; the fresh transport must not outlive it.
		c.dialing = false
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return nil
	}
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFn = cancel
	c.state = StateConnected
	c.dialing = false
	c.retryCount = 0
	c.lastInbound = time.Now()
	wasDropped := c.wasDropped
	c.wasDropped = false
	c.mu.Unlock()

	c.sink.SetConnectionStatus(StateConnected)
	c.sink.SetConnectionError(false)
	if wasDropped {
		c.sink.MarkReconnected()
	}

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	go c.livenessLoop(connCtx)
	return nil
}

// Close tears the client down: it cancels every loop and timer, detaches the
// transport before closing it so a discarded socket cannot re-trigger retry
// logic, and discards any stored initial message. Safe to call repeatedly or
// before any connection exists.
func (c *ChatClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.SetPendingInitialMessage("")
	c.pendingMu.Lock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	c.pendingMu.Unlock()
	c.sink.SetConnectionStatus(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// ThreadID returns the active thread id, "" before a thread exists.
func (c *ChatClient) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// ============================================================================
// Outbound
// ============================================================================

// NewMessage constructs an outbound envelope with a registered correlation
// id. Pure construction; nothing is transmitted.
func (c *ChatClient) NewMessage(action string, payload any) *Envelope {
	return NewEnvelope(c.corr, action, payload)
}

// Send transmits an envelope. It returns false, and raises the
// connection-error flag, when the transport is not open; user intent is the
// caller's to preserve, except for the stored initial message which the
// client manages itself.
func (c *ChatClient) Send(env *Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	ctx := c.connCtx
	open := c.state == StateConnected
	c.mu.Unlock()

	if !open || conn == nil {
		c.sink.SetConnectionError(true)
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("marshal envelope", "action", env.Action, "error", err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("websocket write failed", "action", env.Action, "error", err)
		c.sink.SetConnectionError(true)
		return false
	}
	return true
}

// SendText sends user text into the active thread. When no thread exists yet
// the text is stored as the pending initial message, a create-thread request
// is issued, and the text is delivered once the thread exists. If the
// create-thread request cannot be dispatched the stored text is discarded
// rather than left dangling.
func (c *ChatClient) SendText(text string) bool {
	c.mu.Lock()
	thread := c.threadID
	c.mu.Unlock()

	if thread == "" {
		c.SetPendingInitialMessage(text)
		if !c.Send(c.NewMessage(ActionCreateThread, nil)) {
			c.SetPendingInitialMessage("")
			return false
		}
		c.sink.SetAwaitingResponse(true)
		return true
	}

	ok := c.Send(c.NewMessage(ActionAddMessage, AddMessagePayload{
		ThreadID: thread,
		Message:  text,
	}))
	if ok {
		c.sink.SetAwaitingResponse(true)
	}
	return ok
}

// ============================================================================
// Pending-Action Sequencer
// ============================================================================

// SetPendingInitialMessage stores (or with "", clears) the one deferred
// first message awaiting thread creation.
func (c *ChatClient) SetPendingInitialMessage(text string) {
	c.pendingMu.Lock()
	c.pendingInitial = text
	c.hasPending = text != ""
	c.pendingMu.Unlock()
}

// PendingInitialMessage returns the stored initial message, if any.
func (c *ChatClient) PendingInitialMessage() (string, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pendingInitial, c.hasPending
}

// drainPendingInitial sends the stored initial message into the new thread,
// exactly once, after a short settle delay.
func (c *ChatClient) drainPendingInitial(threadID string) {
	c.pendingMu.Lock()
	text, ok := c.pendingInitial, c.hasPending
	c.pendingInitial = ""
	c.hasPending = false
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	timer := time.AfterFunc(c.config.SettleDelay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.Send(c.NewMessage(ActionAddMessage, AddMessagePayload{
			ThreadID: threadID,
			Message:  text,
		}))
	})
	c.pendingMu.Lock()
	c.settleTimer = timer
	c.pendingMu.Unlock()
}

// ============================================================================
// Loops
// ============================================================================

func (c *ChatClient) readLoop(ctx context.Context, conn transport) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // intentionally discarded transport
			}
			c.mu.Lock()
			if c.closed || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.state = StateDisconnected
			c.wasDropped = true
			if c.cancelFn != nil {
				c.cancelFn()
				c.cancelFn = nil
			}
			c.mu.Unlock()

			c.log.Warn("websocket closed", "error", err)
			c.sink.SetConnectionStatus(StateDisconnected)
			c.scheduleRetry()
			return
		}
		c.handleFrame(data)
	}
}

func (c *ChatClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			open := c.state == StateConnected
			c.mu.Unlock()
			if !open || conn == nil {
				return
			}
			data, _ := json.Marshal(newPing())
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.log.Debug("ping write failed", "error", err)
				return
			}
		}
	}
}

// livenessLoop watches for transports that died without reporting a close.
// On staleness it force-closes the socket and starts a reconnect cycle; the
// cancelled context stops this loop, so a stale period triggers exactly one
// cycle.
func (c *ChatClient) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.state == StateConnected && time.Since(c.lastInbound) > c.config.StaleAfter
			c.mu.Unlock()
			if !stale {
				continue
			}
			c.log.Warn("no inbound traffic, forcing reconnect",
				"stale_after", c.config.StaleAfter)
			c.forceReconnect()
			return
		}
	}
}

// forceReconnect discards the current transport (detaching its loops first)
// and immediately attempts a fresh connection.
func (c *ChatClient) forceReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.wasDropped = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "stale connection")
	}
	c.sink.SetConnectionStatus(StateDisconnected)
	go c.Connect(context.Background())
}

// ============================================================================
// Retry/Backoff Controller
// ============================================================================

// scheduleRetry arms a reconnect attempt after the fixed delay, unless the
// bounded attempt count is exhausted, in which case the persistent
// connection-error condition is raised and automatic retries stop.
func (c *ChatClient) scheduleRetry() {
	c.mu.Lock()
	if c.closed || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.retryCount >= c.config.MaxRetries {
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted", "attempts", c.config.MaxRetries)
		c.sink.SetConnectionError(true)
		return
	}
	c.retryTimer = time.AfterFunc(c.config.RetryDelay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		// Re-check at fire time: a foreground event or another timer may
		// already have opened a transport.
		if c.closed || c.dialing || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.retryCount++
		attempt := c.retryCount
		c.mu.Unlock()

		c.log.Debug("reconnecting", "attempt", attempt)
		_ = c.Connect(context.Background())
	})
	c.mu.Unlock()
}

package lexlane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeConn is an in-memory transport: tests feed inbound frames through
// push() and inspect outbound frames through writes().
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	data := make([]byte, len(p))
	copy(data, p)
	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(data string) {
	f.inbound <- []byte(data)
}

func (f *fakeConn) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func staticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// newWiredClient returns a client already holding a fake transport, for
// driving the router and sequencer without any connection handshake.
func newWiredClient(cfg *ChatConfig) (*ChatClient, *ChatState, *fakeConn) {
	if cfg == nil {
		cfg = &ChatConfig{}
	}
	if cfg.Token == nil {
		cfg.Token = staticToken("tok")
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Millisecond
	}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, cfg)
	fc := newFakeConn()
	c.conn = fc
	c.connCtx = context.Background()
	c.state = StateConnected
	c.lastInbound = time.Now()
	return c, state, fc
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// countingSink counts how often the connection-error flag is raised.
type countingSink struct {
	*ChatState
	mu      sync.Mutex
	errored int
}

func (s *countingSink) SetConnectionError(on bool) {
	if on {
		s.mu.Lock()
		s.errored++
		s.mu.Unlock()
	}
	s.ChatState.SetConnectionError(on)
}

func (s *countingSink) erroredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// scriptedDialer hands out fake connections and counts dial attempts.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *scriptedDialer) dial(ctx context.Context, url string) (transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		d.conns = append(d.conns, nil)
		return nil, errors.New("dial refused")
	}
	fc := newFakeConn()
	d.conns = append(d.conns, fc)
	return fc, nil
}

func (d *scriptedDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *scriptedDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// ============================================================================
// Connection State Machine
// ============================================================================

func TestConnectWithoutCredentialIsNoop(t *testing.T) {
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token: staticToken(""),
	})
	c.dial = func(context.Context, string) (transport, error) {
		t.Fatal("dial must not be attempted without a credential")
		return nil, nil
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestConnectGuardsAgainstOverlap(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token: staticToken("tok"),
	})
	c.dial = dialer.dial
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	// Further connect requests while connected are refused, not stacked.
	for i := 0; i < 5; i++ {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("repeat Connect returned error: %v", err)
		}
	}
	if got := dialer.attempts(); got != 1 {
		t.Fatalf("dial attempts = %d, want 1", got)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token: staticToken("tok"),
	})
	c.dial = dialer.dial

	// Close before any connection exists.
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestCloseDiscardsTransportWithoutRetry(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token:      staticToken("tok"),
		RetryDelay: time.Millisecond,
	})
	c.dial = dialer.dial

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	// The discarded socket's close must not re-trigger retry logic.
	time.Sleep(30 * time.Millisecond)
	if got := dialer.attempts(); got != 1 {
		t.Fatalf("dial attempts after close = %d, want 1", got)
	}
	if state.ConnectionError() {
		t.Fatal("connection-error flag raised by intentional close")
	}
}

func TestCloseDuringDialDiscardsTransport(t *testing.T) {
	release := make(chan struct{})
	fc := newFakeConn()
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token: staticToken("tok"),
	})
	c.dial = func(ctx context.Context, url string) (transport, error) {
		<-release
		return fc, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	waitUntil(t, func() bool { return c.State() == StateConnecting })

	// Close lands while the dial is still in flight.
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after Close = %s, want disconnected", got)
	}
	select {
	case <-fc.closed:
	default:
		t.Fatal("late-arriving transport was not closed")
	}
	if got := len(fc.writes()); got != 0 {
		t.Fatalf("outbound frames on discarded transport = %d, want 0", got)
	}
}

func TestCloseStopsSettleTimer(t *testing.T) {
	c, state, fc := newWiredClient(&ChatConfig{SettleDelay: 20 * time.Millisecond})

	if !c.SendText("Draft an NDA") {
		t.Fatal("SendText failed")
	}
	c.handleFrame([]byte(`{"status_code":200,"payload":{"type":"conversation_created","thread_id":"T1"}}`))

	// Close lands inside the settle window; the deferred first message
	// must not fire against the torn-down client.
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if state.ConnectionError() {
		t.Fatal("connection-error flag raised after intentional close")
	}
	for _, data := range fc.writes() {
		env := decodeOutbound(t, data)
		if env.Action == ActionAddMessage {
			t.Fatal("deferred message sent after close")
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token: staticToken("tok"),
	})

	env := c.NewMessage(ActionAddMessage, AddMessagePayload{ThreadID: "T1", Message: "hi"})
	if c.Send(env) {
		t.Fatal("Send succeeded without a transport")
	}
	if !state.ConnectionError() {
		t.Fatal("connection-error flag not raised")
	}
}

func TestReconnectedSignalAfterDrop(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token:      staticToken("tok"),
		RetryDelay: time.Millisecond,
	})
	c.dial = dialer.dial
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if state.Reconnected() {
		t.Fatal("reconnected signal fired on first connect")
	}

	// Unexpected drop: the server closes the socket.
	dialer.conn(0).Close(websocket.StatusAbnormalClosure, "gone")

	waitUntil(t, func() bool { return dialer.attempts() >= 2 })
	waitUntil(t, func() bool { return c.State() == StateConnected })
	if !state.Reconnected() {
		t.Fatal("reconnected signal missing after recovery")
	}
	// One-shot: consumed above.
	if state.Reconnected() {
		t.Fatal("reconnected signal fired twice")
	}
}

// ============================================================================
// Retry/Backoff Controller
// ============================================================================

func TestBoundedRetries(t *testing.T) {
	dialer := &scriptedDialer{fail: true}
	sink := &countingSink{ChatState: NewChatState()}
	c := NewChatClient("wss://chat.test/ws", sink, &ChatConfig{
		Token:      staticToken("tok"),
		MaxRetries: 3,
		RetryDelay: 2 * time.Millisecond,
	})
	c.dial = dialer.dial
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a refusing dialer")
	}

	waitUntil(t, func() bool { return sink.ConnectionError() })

	// Manual attempt plus MaxRetries automatic ones, then silence.
	if got := dialer.attempts(); got != 4 {
		t.Fatalf("dial attempts = %d, want 4", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := dialer.attempts(); got != 4 {
		t.Fatalf("dial attempts after exhaustion = %d, want 4", got)
	}
	if got := sink.erroredCount(); got != 1 {
		t.Fatalf("connection-error raised %d times, want 1", got)
	}
}

func TestRetryCountResetsOnOpen(t *testing.T) {
	dialer := &scriptedDialer{fail: true}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token:      staticToken("tok"),
		MaxRetries: 5,
		RetryDelay: 2 * time.Millisecond,
	})
	c.dial = dialer.dial
	defer c.Close()

	_ = c.Connect(context.Background())
	waitUntil(t, func() bool { return dialer.attempts() >= 3 })

	// Server comes back: the next attempt succeeds and resets the budget.
	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()

	waitUntil(t, func() bool { return c.State() == StateConnected })
	c.mu.Lock()
	count := c.retryCount
	c.mu.Unlock()
	if count != 0 {
		t.Fatalf("retryCount = %d after successful open, want 0", count)
	}
	if state.ConnectionError() {
		t.Fatal("connection-error flag still raised after recovery")
	}
}

// ============================================================================
// Liveness Monitor & Heartbeat Emitter
// ============================================================================

func TestHeartbeatEmitsPings(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token:        staticToken("tok"),
		PingInterval: 5 * time.Millisecond,
		StaleAfter:   time.Hour,
	})
	c.dial = dialer.dial
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	fc := dialer.conn(0)
	waitUntil(t, func() bool { return len(fc.writes()) >= 2 })

	for _, data := range fc.writes() {
		env := decodeOutbound(t, data)
		if env.Action != ActionPing {
			t.Fatalf("unexpected outbound action %q", env.Action)
		}
		// Pings are fire-and-forget, never registered for correlation.
		if c.corr.Has(env.TriggerID) {
			t.Fatal("ping correlation id was registered")
		}
	}
}

func TestLivenessForcesSingleReconnect(t *testing.T) {
	dialer := &scriptedDialer{}
	state := NewChatState()
	c := NewChatClient("wss://chat.test/ws", state, &ChatConfig{
		Token:            staticToken("tok"),
		PingInterval:     time.Hour,
		LivenessInterval: 5 * time.Millisecond,
		StaleAfter:       15 * time.Millisecond,
		RetryDelay:       time.Millisecond,
	})
	c.dial = dialer.dial
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	// No inbound traffic on the first transport: expect one forced cycle.
	waitUntil(t, func() bool { return dialer.attempts() >= 2 })
	select {
	case <-dialer.conn(0).closed:
	default:
		t.Fatal("stale transport was not force-closed")
	}

	// Keep the replacement alive and verify the stale period triggered
	// exactly one reconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			dialer.conn(1).push(`{"action":"pong"}`)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	<-done
	if got := dialer.attempts(); got != 2 {
		t.Fatalf("dial attempts = %d, want 2", got)
	}
}

func TestFilteredFramesStillCountForLiveness(t *testing.T) {
	c, _, fc := newWiredClient(nil)
	defer c.Close()

	c.mu.Lock()
	c.lastInbound = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	// A frame the router drops must still refresh liveness.
	fc.push(`{"payload":{"type":"wholly-unknown"}}`)
	go c.readLoop(c.connCtx, fc)

	waitUntil(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return time.Since(c.lastInbound) < time.Minute
	})
}

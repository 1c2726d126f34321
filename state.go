package lexlane

import "sync"

// ============================================================================
// Application State Sink
// ============================================================================

// ConnState is the realtime connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// StateSink receives every application-state mutation made by the realtime
// client: connection status, thread contents and the UI flags the chat
// screens observe. Mutations are made synchronously from the client's event
// handling; implementations only need to be safe for concurrent reads.
type StateSink interface {
	// SetConnectionStatus reports every state machine transition.
	SetConnectionStatus(state ConnState)

	// SetConnectionError raises or clears the persistent
	// "connection unavailable" condition.
	SetConnectionError(on bool)

	// MarkReconnected fires once when a connection is re-established after
	// an unexpected drop.
	MarkReconnected()

	// BeginThread initializes a freshly created thread with an empty
	// message list.
	BeginThread(threadID string)

	// MergeMessages merges a batch into the current thread by message id
	// and returns the messages that were actually new. Re-delivering a
	// known id is a no-op.
	MergeMessages(msgs []ChatMessage) []ChatMessage

	// SetTitle updates the thread title.
	SetTitle(title string)

	// SetAwaitingResponse toggles the "assistant is thinking" flag.
	SetAwaitingResponse(on bool)

	// SetMessagingDisabled toggles the input-disabled flag.
	SetMessagingDisabled(on bool)

	// SetLastMessageType records the kind of the most recent server
	// artifact (e.g. a finished document).
	SetLastMessageType(kind string)
}

// ============================================================================
// ChatState
// ============================================================================

// ChatState is the default in-memory StateSink. It is what the CLI renders
// from; an application embedding the SDK can substitute its own store.
type ChatState struct {
	mu sync.Mutex

	status    ConnState
	connError bool

	threadID string
	title    string
	messages []ChatMessage
	seen     map[string]struct{}

	awaitingResponse  bool
	messagingDisabled bool
	reconnected       bool
	lastMessageType   string
}

// NewChatState creates an empty state store.
func NewChatState() *ChatState {
	return &ChatState{
		status: StateDisconnected,
		seen:   make(map[string]struct{}),
	}
}

func (s *ChatState) SetConnectionStatus(state ConnState) {
	s.mu.Lock()
	s.status = state
	s.mu.Unlock()
}

func (s *ChatState) SetConnectionError(on bool) {
	s.mu.Lock()
	s.connError = on
	s.mu.Unlock()
}

func (s *ChatState) MarkReconnected() {
	s.mu.Lock()
	s.reconnected = true
	s.mu.Unlock()
}

func (s *ChatState) BeginThread(threadID string) {
	s.mu.Lock()
	s.threadID = threadID
	s.title = ""
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *ChatState) MergeMessages(msgs []ChatMessage) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []ChatMessage
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
		added = append(added, m)
	}
	return added
}

func (s *ChatState) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *ChatState) SetAwaitingResponse(on bool) {
	s.mu.Lock()
	s.awaitingResponse = on
	s.mu.Unlock()
}

func (s *ChatState) SetMessagingDisabled(on bool) {
	s.mu.Lock()
	s.messagingDisabled = on
	s.mu.Unlock()
}

func (s *ChatState) SetLastMessageType(kind string) {
	s.mu.Lock()
	s.lastMessageType = kind
	s.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Read side
// ----------------------------------------------------------------------------

// Status returns the current connection state.
func (s *ChatState) Status() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConnectionError reports whether the persistent error condition is raised.
func (s *ChatState) ConnectionError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connError
}

// ThreadID returns the active thread id ("" before any thread exists).
func (s *ChatState) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Title returns the thread title.
func (s *ChatState) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Messages returns a copy of the merged message list, in arrival order.
func (s *ChatState) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// AwaitingResponse reports whether a reply is in flight.
func (s *ChatState) AwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingResponse
}

// MessagingDisabled reports whether the input is disabled.
func (s *ChatState) MessagingDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagingDisabled
}

// Reconnected consumes the one-shot reconnected signal.
func (s *ChatState) Reconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.reconnected
	s.reconnected = false
	return v
}

// LastMessageType returns the kind of the most recent server artifact.
func (s *ChatState) LastMessageType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageType
}

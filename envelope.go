package lexlane

import (
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Wire Protocol
// ============================================================================

// Outbound actions.
const (
	ActionCreateThread    = "create_thread"
	ActionAddMessage      = "add_message"
	ActionTriggerResponse = "trigger_response"
	ActionPing            = "ping"
)

// Inbound markers.
const (
	// connectAck is the one non-JSON frame the server sends, immediately
	// after the socket is accepted.
	connectAck = "CONNECTED"

	actionPong = "pong"

	// legacyPrefix namespaces the older inbound dialect, e.g. "chat/message_added".
	legacyPrefix = "chat/"
)

// Inbound payload types (current-format dialect).
const (
	TypeConversationCreated = "conversation_created"
	TypeMessageAdded        = "message_added"
	TypeTitleUpdated        = "title_updated"
	TypeMessagingEnabled    = "messaging_enabled"
	TypeDocumentReady       = "document_ready"
)

// Envelope is one outbound JSON unit. TriggerID is the client-generated
// correlation id the server echoes back on the matching response.
type Envelope struct {
	Action    string `json:"action"`
	Payload   any    `json:"payload"`
	TriggerID string `json:"trigger_ws_message_id"`
}

// AddMessagePayload carries a message into an existing thread.
type AddMessagePayload struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// TriggerResponsePayload asks the assistant to reply to a specific message.
type TriggerResponsePayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// NewEnvelope builds an outbound envelope, assigns a fresh correlation id
// and registers it in the given set before the envelope is ever sent.
func NewEnvelope(corr *CorrelationSet, action string, payload any) *Envelope {
	id := uuid.NewString()
	corr.Add(id)
	return &Envelope{Action: action, Payload: payload, TriggerID: id}
}

// newPing builds a keep-alive envelope. Pings are fire-and-forget and are
// deliberately not registered for correlation.
func newPing() *Envelope {
	return &Envelope{Action: ActionPing, TriggerID: uuid.NewString()}
}

// ============================================================================
// Pending Correlation Set
// ============================================================================

// defaultCorrelationCap bounds the set; ids past the cap are evicted
// oldest-first. Stale ids are harmless, unbounded growth is not.
const defaultCorrelationCap = 256

// CorrelationSet tracks correlation ids issued but not yet resolved. An
// inbound frame whose trigger id is absent from the set (and which matches
// no other acceptance rule) does not belong to this client and is dropped.
type CorrelationSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

// NewCorrelationSet creates a set holding at most capHint ids
// (defaultCorrelationCap if capHint <= 0).
func NewCorrelationSet(capHint int) *CorrelationSet {
	if capHint <= 0 {
		capHint = defaultCorrelationCap
	}
	return &CorrelationSet{
		ids: make(map[string]struct{}),
		cap: capHint,
	}
}

// Add registers a correlation id, evicting the oldest entry when full.
func (s *CorrelationSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	for len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Has reports whether the id was issued by this client.
func (s *CorrelationSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of tracked ids.
func (s *CorrelationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

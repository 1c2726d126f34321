package lexlane

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Inbound Wire Shapes
// ============================================================================

// inboundEnvelope covers both inbound dialects. The current format carries
// a status code and a typed payload; the legacy format carries a
// namespace-prefixed action and an untyped payload.
type inboundEnvelope struct {
	StatusCode int             `json:"status_code"`
	TriggerID  string          `json:"trigger_ws_message_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

// inboundPayload is the superset of fields used across payload types.
type inboundPayload struct {
	Type        string        `json:"type"`
	Error       string        `json:"error"`
	ThreadID    string        `json:"thread_id"`
	Title       string        `json:"title"`
	MessageType string        `json:"message_type"`
	Messages    []ChatMessage `json:"messages"`
}

func knownPayloadType(t string) bool {
	switch t {
	case TypeConversationCreated, TypeMessageAdded, TypeTitleUpdated,
		TypeMessagingEnabled, TypeDocumentReady:
		return true
	}
	return false
}

// ============================================================================
// Inbound Message Router
// ============================================================================

// handleFrame is the entry point for every inbound frame. Liveness tracking
// is independent of dispatch: lastInbound is updated before any filtering,
// including for frames the router later drops.
func (c *ChatClient) handleFrame(data []byte) {
	c.mu.Lock()
	c.lastInbound = time.Now()
	c.mu.Unlock()
	c.route(data)
}

func (c *ChatClient) route(data []byte) {
	// The connect acknowledgement is the one plain-text, non-JSON frame.
	if string(bytes.TrimSpace(data)) == connectAck {
		c.mu.Lock()
		c.retryCount = 0
		c.mu.Unlock()
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("dropping undecodable frame", "error", err)
		return
	}

	// Heartbeat acknowledgement, nothing to dispatch.
	if env.Action == actionPong {
		return
	}

	var p inboundPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Debug("dropping frame with undecodable payload",
				"action", env.Action, "error", err)
			return
		}
	}

	// A frame is accepted only when it is a recognized current-format type,
	// answers a request this client issued, or belongs to the legacy
	// dialect. Everything else is silently dropped.
	switch {
	case knownPayloadType(p.Type):
	case env.TriggerID != "" && c.corr.Has(env.TriggerID):
	case strings.HasPrefix(env.Action, legacyPrefix):
	default:
		c.log.Debug("dropping unrecognized frame",
			"type", p.Type, "action", env.Action, "trigger_id", env.TriggerID)
		return
	}

	// Application-level errors are not retried: clear the in-flight UI
	// flags and leave presentation to the caller.
	if env.StatusCode >= 400 || p.Error != "" {
		c.log.Warn("server reported error",
			"status", env.StatusCode, "error", p.Error)
		c.sink.SetAwaitingResponse(false)
		c.sink.SetMessagingDisabled(false)
		return
	}

	kind := p.Type
	if kind == "" {
		kind = strings.TrimPrefix(env.Action, legacyPrefix)
	}

	switch kind {
	case TypeConversationCreated:
		c.onThreadCreated(p.ThreadID)
	case TypeMessageAdded:
		c.onMessagesAdded(p.Messages)
	case TypeTitleUpdated:
		c.sink.SetTitle(p.Title)
	case TypeMessagingEnabled:
		c.sink.SetMessagingDisabled(false)
		c.sink.SetAwaitingResponse(false)
	case TypeDocumentReady:
		c.sink.SetLastMessageType(p.MessageType)
		c.sink.SetAwaitingResponse(false)
	default:
		c.log.Debug("ignoring frame", "kind", kind)
	}
}

// ============================================================================
// Dispatch Handlers
// ============================================================================

// onThreadCreated initializes the new thread and hands the stored initial
// message, if any, to the sequencer.
func (c *ChatClient) onThreadCreated(threadID string) {
	if threadID == "" {
		c.log.Debug("thread created frame without thread id")
		return
	}
	c.mu.Lock()
	c.threadID = threadID
	c.mu.Unlock()

	c.sink.BeginThread(threadID)
	c.drainPendingInitial(threadID)
}

// onMessagesAdded merges the batch into the thread and, when it contains
// user-authored or attachment messages, asks the assistant to respond to
// the chronologically latest one. Batches are not required to arrive in
// time order, so the target is picked by timestamp, not array position.
func (c *ChatClient) onMessagesAdded(msgs []ChatMessage) {
	added := c.sink.MergeMessages(msgs)

	var latest *ChatMessage
	for i := range added {
		m := &added[i]
		if m.Role != RoleUser && m.Type != MessageAttachment {
			continue
		}
		if latest == nil || m.CreatedAt > latest.CreatedAt {
			latest = m
		}
	}
	if latest == nil {
		return
	}

	c.mu.Lock()
	thread := c.threadID
	c.mu.Unlock()
	if thread == "" {
		thread = latest.ThreadID
	}

	c.Send(c.NewMessage(ActionTriggerResponse, TriggerResponsePayload{
		ThreadID:  thread,
		MessageID: latest.ID,
	}))
}

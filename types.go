package lexlane

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Types
// ============================================================================

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message kinds.
const (
	MessageText       = "text"
	MessageAttachment = "attachment"
	MessageDocument   = "document"
)

// ChatMessage is a single message within a thread. CreatedAt is Unix
// milliseconds; message batches are not guaranteed to arrive in time order.
type ChatMessage struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Role      string `json:"role"`
	Type      string `json:"type,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Thread is a conversation with the assistant.
type Thread struct {
	ID           string       `json:"id"`
	Title        string       `json:"title,omitempty"`
	LastMessage  *ChatMessage `json:"lastMessage,omitempty"`
	MessageCount int          `json:"messageCount,omitempty"`
	CreatedAt    string       `json:"createdAt"`
	UpdatedAt    string       `json:"updatedAt,omitempty"`
}

// Account describes the authenticated user.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Plan        string `json:"plan,omitempty"`
}

// HistoryOptions paginates thread history.
type HistoryOptions struct {
	Limit  int
	Before string
}

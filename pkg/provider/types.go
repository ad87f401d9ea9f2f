package provider

import (
	"encoding/json"
)

// MessageType tags an SDKMessage. The set is closed: anything a backend
// emits that does not map onto a known kind becomes MessageTypeUnhandled
// rather than being dropped or guessed at.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeError       MessageType = "error"
	MessageTypeStreamEvent MessageType = "stream_event"
	MessageTypeUnhandled   MessageType = "unhandled"
)

// SDKMessage is the common message shape every backend translates into.
// UUID lets downstream consumers deduplicate across reconnects; they must
// dedup by uuid, never by type.
type SDKMessage struct {
	Type      MessageType
	Subtype   string // "init" on the system message that opens a session
	UUID      string
	SessionID string

	// Assistant content, coalesced per turn.
	Text     string
	Thinking string
	ToolUses []ToolUse

	// User content: results of tool executions.
	ToolResults []ToolResultRef

	// Result metadata, set when Type is MessageTypeResult.
	Result *ResultInfo

	// Error text, set when Type is MessageTypeError.
	Error string

	// Raw carries the untranslated backend payload for unhandled kinds.
	Raw json.RawMessage
}

// ToolUse is a tool invocation requested by the agent.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultRef reports the outcome of a tool invocation.
type ToolResultRef struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ResultInfo summarizes a completed turn.
type ResultInfo struct {
	DurationMs int64
	NumTurns   int
	IsError    bool
	Summary    string
}

// PermissionMode controls how tool approvals are handled for a session.
type PermissionMode string

const (
	// PermissionModeDefault routes every tool call through the approval
	// callback.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits auto-approves file edits, asking only for
	// the rest.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModeBypass approves everything without asking.
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// UserMessage is one user turn: text plus optional attachments, and an
// optional permission-mode override applied from this turn onward.
type UserMessage struct {
	Text           string
	Images         []Attachment
	Documents      []Attachment
	PermissionMode PermissionMode
}

// Attachment is an inline image or document accompanying a user turn.
type Attachment struct {
	MediaType string
	Data      []byte
	Path      string
}

// Turn is one prior conversational exchange, used to brief a fresh backend
// session when native resumption is unavailable.
type Turn struct {
	Role string
	Text string
}

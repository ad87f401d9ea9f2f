package sessionlog

import (
	"encoding/json"
	"time"
)

// Record is one line of a session log. Records written by an agent backend
// carry a uuid and parentUuid linking them into a conversation tree; records
// without a uuid (summaries, progress markers, diagnostics) are
// non-conversational and never become part of the tree.
type Record struct {
	Type       string          `json:"type,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// messageBody is the inner message payload of a conversational record.
// Content is either a plain string or an array of content blocks.
type messageBody struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// contentBlock is one element of a structured message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// contentBlocks parses the record's message content into blocks. A plain
// string content or an unparseable payload yields nil.
func (r Record) contentBlocks() []contentBlock {
	if len(r.Message) == 0 {
		return nil
	}
	var body messageBody
	if err := json.Unmarshal(r.Message, &body); err != nil {
		return nil
	}
	if len(body.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// role returns the message role, or empty when the record has no message.
func (r Record) role() string {
	if len(r.Message) == 0 {
		return ""
	}
	var body messageBody
	if err := json.Unmarshal(r.Message, &body); err != nil {
		return ""
	}
	return body.Role
}

// newTimestamp formats a timestamp the way agent backends write them.
func newTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

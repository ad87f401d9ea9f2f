package provider

import (
	"strings"

	"github.com/google/uuid"
)

// turnCoalescer folds the fragmented deltas of one agent turn into a single
// logical assistant message. Backends stream text and thinking in small
// chunks; subscribers get one update per turn instead.
type turnCoalescer struct {
	text     strings.Builder
	thinking strings.Builder
	toolUses []ToolUse
}

func (c *turnCoalescer) addText(s string) {
	c.text.WriteString(s)
}

func (c *turnCoalescer) addThinking(s string) {
	c.thinking.WriteString(s)
}

func (c *turnCoalescer) addToolUse(tu ToolUse) {
	c.toolUses = append(c.toolUses, tu)
}

func (c *turnCoalescer) empty() bool {
	return c.text.Len() == 0 && c.thinking.Len() == 0 && len(c.toolUses) == 0
}

// flush emits the accumulated turn as one assistant message and resets the
// coalescer. Returns false when nothing accumulated.
func (c *turnCoalescer) flush(sessionID string) (SDKMessage, bool) {
	if c.empty() {
		return SDKMessage{}, false
	}

	msg := SDKMessage{
		Type:      MessageTypeAssistant,
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		Text:      c.text.String(),
		Thinking:  c.thinking.String(),
		ToolUses:  c.toolUses,
	}

	c.text.Reset()
	c.thinking.Reset()
	c.toolUses = nil

	return msg, true
}

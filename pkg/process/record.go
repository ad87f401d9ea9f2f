package process

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/sessionlog"
)

func newUUID() string { return uuid.NewString() }

// recordFromMessage converts a stream message into a conversation log
// record. Reports false for messages with no durable representation.
func recordFromMessage(msg provider.SDKMessage) (sessionlog.Record, bool) {
	id := msg.UUID
	if id == "" {
		id = newUUID()
	}
	rec := sessionlog.Record{
		Type: string(msg.Type),
		UUID: id,
	}

	var body map[string]interface{}

	switch msg.Type {
	case provider.MessageTypeAssistant:
		blocks := []map[string]interface{}{}
		if msg.Thinking != "" {
			blocks = append(blocks, map[string]interface{}{"type": "thinking", "thinking": msg.Thinking})
		}
		if msg.Text != "" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Text})
		}
		for _, tu := range msg.ToolUses {
			blocks = append(blocks, map[string]interface{}{
				"type":  "tool_use",
				"id":    tu.ID,
				"name":  tu.Name,
				"input": json.RawMessage(tu.Input),
			})
		}
		if len(blocks) == 0 {
			return sessionlog.Record{}, false
		}
		body = map[string]interface{}{"role": "assistant", "content": blocks}

	case provider.MessageTypeUser:
		if len(msg.ToolResults) > 0 {
			blocks := []map[string]interface{}{}
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": tr.ToolUseID,
					"content":     tr.Content,
					"is_error":    tr.IsError,
				})
			}
			body = map[string]interface{}{"role": "user", "content": blocks}
		} else {
			body = map[string]interface{}{"role": "user", "content": msg.Text}
		}

	case provider.MessageTypeSystem:
		body = map[string]interface{}{"role": "system", "content": msg.Subtype}

	case provider.MessageTypeResult:
		content := map[string]interface{}{}
		if msg.Result != nil {
			content["duration_ms"] = msg.Result.DurationMs
			content["num_turns"] = msg.Result.NumTurns
			content["is_error"] = msg.Result.IsError
			content["summary"] = msg.Result.Summary
		}
		body = map[string]interface{}{"role": "system", "content": content}

	case provider.MessageTypeError:
		body = map[string]interface{}{"role": "system", "content": msg.Error}

	default:
		return sessionlog.Record{}, false
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return sessionlog.Record{}, false
	}
	rec.Message = raw
	return rec, true
}

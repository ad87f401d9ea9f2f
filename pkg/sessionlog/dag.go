package sessionlog

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Node is one conversational record in the reconstructed tree.
type Node struct {
	UUID       string
	ParentUUID string
	LineIndex  int
	Record     Record
}

// Reconstruction is the result of rebuilding a session log's tree. Only the
// branch ending at the globally newest leaf is active; dead branches stay in
// the raw log but are excluded here.
type Reconstruction struct {
	// Nodes indexes every conversational record by uuid, including nodes
	// on dead branches.
	Nodes map[string]*Node

	// ActiveBranch is the root-to-tip path through the newest leaf.
	ActiveBranch []*Node

	// Tip is the last node of ActiveBranch, nil for an empty log.
	Tip *Node

	// OrphanedToolUses lists tool_use ids on the active branch that have
	// no matching tool_result. They mark tool executions that were
	// interrupted mid-flight.
	OrphanedToolUses []string
}

// Reconstruct rebuilds the conversation tree from records in append order
// and selects the active branch. It is pure: the same input always produces
// the same result, and it never fails. Records without a uuid are skipped,
// a parentUuid pointing at a missing node simply terminates the walk there,
// and cycles are broken by a visited set.
func Reconstruct(records []Record) *Reconstruction {
	nodes := make(map[string]*Node)
	children := make(map[string][]*Node)

	for i, rec := range records {
		if rec.UUID == "" {
			continue
		}
		node := &Node{
			UUID:       rec.UUID,
			ParentUUID: rec.ParentUUID,
			LineIndex:  i,
			Record:     rec,
		}
		// A duplicated uuid keeps its first occurrence; later lines with
		// the same id are ignored rather than rewriting history.
		if _, exists := nodes[rec.UUID]; exists {
			continue
		}
		nodes[rec.UUID] = node
		if rec.ParentUUID != "" {
			children[rec.ParentUUID] = append(children[rec.ParentUUID], node)
		}
	}

	result := &Reconstruction{Nodes: nodes}

	// The tip is the leaf appended last.
	var tip *Node
	for _, node := range nodes {
		if len(children[node.UUID]) > 0 {
			continue
		}
		if tip == nil || node.LineIndex > tip.LineIndex {
			tip = node
		}
	}
	if tip == nil {
		return result
	}
	result.Tip = tip

	// Walk parent pointers to the root. A missing parent terminates the
	// branch at the break; a cycle terminates at the first revisit.
	visited := make(map[string]bool)
	var reversed []*Node
	for node := tip; node != nil && !visited[node.UUID]; node = nodes[node.ParentUUID] {
		visited[node.UUID] = true
		reversed = append(reversed, node)
	}

	branch := make([]*Node, len(reversed))
	for i, node := range reversed {
		branch[len(reversed)-1-i] = node
	}
	result.ActiveBranch = branch
	result.OrphanedToolUses = findOrphanedToolUses(branch)

	return result
}

// ActiveBranchUUIDs returns the uuids of the active branch in root-to-tip
// order.
func (r *Reconstruction) ActiveBranchUUIDs() []string {
	uuids := make([]string, len(r.ActiveBranch))
	for i, node := range r.ActiveBranch {
		uuids[i] = node.UUID
	}
	return uuids
}

// findOrphanedToolUses scans the active branch for tool_use blocks whose id
// is never referenced by a tool_result block on the same branch.
func findOrphanedToolUses(branch []*Node) []string {
	var useOrder []string
	uses := make(map[string]bool)
	results := make(map[string]bool)

	for _, node := range branch {
		for _, block := range node.Record.contentBlocks() {
			switch block.Type {
			case "tool_use":
				if block.ID != "" && !uses[block.ID] {
					uses[block.ID] = true
					useOrder = append(useOrder, block.ID)
				}
			case "tool_result":
				if block.ToolUseID != "" {
					results[block.ToolUseID] = true
				}
			}
		}
	}

	var orphaned []string
	for _, id := range useOrder {
		if !results[id] {
			orphaned = append(orphaned, id)
		}
	}
	return orphaned
}

// SynthesizeCancellations builds terminal tool_result records for every
// orphaned tool_use so a resumed session starts from a consistent
// transcript. The records chain off the current tip in order. The caller is
// responsible for appending them to the log.
func SynthesizeCancellations(r *Reconstruction, sessionID string) []Record {
	if r.Tip == nil || len(r.OrphanedToolUses) == 0 {
		return nil
	}

	parent := r.Tip.UUID
	records := make([]Record, 0, len(r.OrphanedToolUses))

	for _, toolUseID := range r.OrphanedToolUses {
		body := map[string]any{
			"role": "user",
			"content": []map[string]any{
				{
					"type":        "tool_result",
					"tool_use_id": toolUseID,
					"content":     "Tool execution was cancelled before completing.",
					"is_error":    true,
				},
			},
		}
		payload, err := json.Marshal(body)
		if err != nil {
			// Marshalling a map of strings cannot realistically fail;
			// skip the entry rather than emit a malformed record.
			continue
		}

		rec := Record{
			Type:       "user",
			UUID:       uuid.NewString(),
			ParentUUID: parent,
			SessionID:  sessionID,
			Timestamp:  newTimestamp(),
			Message:    payload,
		}
		records = append(records, rec)
		parent = rec.UUID
	}

	return records
}

// Transcript renders the active branch as plain conversational turns,
// skipping tool plumbing. It is used to brief a fresh provider session when
// native resumption is unavailable.
func (r *Reconstruction) Transcript() []Turn {
	var turns []Turn
	for _, node := range r.ActiveBranch {
		role := node.Record.role()
		if role != "user" && role != "assistant" {
			continue
		}
		text := textContent(node.Record)
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	return turns
}

// Turn is one plain-text conversational exchange on the active branch.
type Turn struct {
	Role string
	Text string
}

// textContent extracts the plain text of a record's message, handling both
// string content and content block arrays.
func textContent(rec Record) string {
	if len(rec.Message) == 0 {
		return ""
	}
	var body messageBody
	if err := json.Unmarshal(rec.Message, &body); err != nil {
		return ""
	}

	var plain string
	if err := json.Unmarshal(body.Content, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return ""
	}
	text := ""
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	return text
}

package provider

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Command: "definitely-not-a-real-binary-warden",
		Logger:  zerolog.New(io.Discard),
	}
}

func TestNew_Subprocess(t *testing.T) {
	p, err := New("subprocess", testConfig())
	require.NoError(t, err)
	assert.Equal(t, "subprocess", p.Name())
	assert.True(t, p.SupportsResume())
}

func TestNew_Anthropic(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "test-key"
	p, err := New("anthropic", cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.False(t, p.SupportsResume())
	assert.True(t, p.IsInstalled())
	assert.True(t, p.IsAuthenticated())
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("clippy", testConfig())
	assert.Error(t, err)
}

func TestSubprocess_NotInstalled(t *testing.T) {
	p := NewSubprocessProvider(testConfig())
	assert.False(t, p.IsInstalled())

	_, err := p.StartSession(context.Background(), StartOptions{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestAnthropic_NotAuthenticated(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p := NewAnthropicProvider(Config{Logger: zerolog.New(io.Discard)})
	assert.False(t, p.IsAuthenticated())

	_, err := p.StartSession(context.Background(), StartOptions{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTurnCoalescer(t *testing.T) {
	var c turnCoalescer
	assert.True(t, c.empty())

	c.addText("Hello, ")
	c.addText("world")
	c.addThinking("pondering")
	c.addToolUse(ToolUse{ID: "tu_1", Name: "Bash", Input: json.RawMessage(`{"cmd":"ls"}`)})
	assert.False(t, c.empty())

	msg, ok := c.flush("sess-1")
	require.True(t, ok)
	assert.Equal(t, MessageTypeAssistant, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, "Hello, world", msg.Text)
	assert.Equal(t, "pondering", msg.Thinking)
	require.Len(t, msg.ToolUses, 1)
	assert.Equal(t, "Bash", msg.ToolUses[0].Name)
	assert.NotEmpty(t, msg.UUID)

	// Flushed coalescer starts over.
	assert.True(t, c.empty())
	_, ok = c.flush("sess-1")
	assert.False(t, ok)
}

func newTestSubprocessSession() *subprocessSession {
	return &subprocessSession{
		logger:   zerolog.New(io.Discard),
		msgs:     make(chan SDKMessage, 16),
		opts:     StartOptions{SessionID: "sess-1"},
		readDone: make(chan struct{}),
	}
}

func TestHandleUpdate_MessageChunks(t *testing.T) {
	s := newTestSubprocessSession()

	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hel"}}}`))
	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"lo"}}}`))
	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}}`))

	// Chunks coalesce rather than emitting per-delta messages.
	assert.Empty(t, s.msgs)

	msg, ok := s.coalescer.flush("sess-1")
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, "hmm", msg.Thinking)
}

func TestHandleUpdate_ToolCall(t *testing.T) {
	s := newTestSubprocessSession()

	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"tool_call","toolCallId":"tc_1","title":"Read file","kind":"read","rawInput":{"path":"/tmp/x"}}}`))
	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_1","status":"completed","rawOutput":"ok"}}`))

	// The completed update emits a tool result immediately.
	require.Len(t, s.msgs, 1)
	res := <-s.msgs
	assert.Equal(t, MessageTypeUser, res.Type)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, "tc_1", res.ToolResults[0].ToolUseID)
	assert.False(t, res.ToolResults[0].IsError)

	msg, ok := s.coalescer.flush("sess-1")
	require.True(t, ok)
	require.Len(t, msg.ToolUses, 1)
	assert.Equal(t, "tc_1", msg.ToolUses[0].ID)
	assert.Equal(t, "Read file", msg.ToolUses[0].Name)
}

func TestHandleUpdate_FailedToolCall(t *testing.T) {
	s := newTestSubprocessSession()

	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_2","status":"failed","rawOutput":"boom"}}`))

	res := <-s.msgs
	require.Len(t, res.ToolResults, 1)
	assert.True(t, res.ToolResults[0].IsError)
}

func TestHandleUpdate_InProgressIgnored(t *testing.T) {
	s := newTestSubprocessSession()

	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_3","status":"in_progress"}}`))
	assert.Empty(t, s.msgs)
}

func TestHandleUpdate_UnknownKind(t *testing.T) {
	s := newTestSubprocessSession()

	s.handleUpdate(json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"plan","entries":[]}}`))

	msg := <-s.msgs
	assert.Equal(t, MessageTypeUnhandled, msg.Type)
	assert.NotNil(t, msg.Raw)
}

func TestFormatHistoryBrief(t *testing.T) {
	assert.Empty(t, formatHistoryBrief(nil))

	brief := formatHistoryBrief([]Turn{
		{Role: "user", Text: "fix the bug"},
		{Role: "assistant", Text: "done"},
	})
	assert.Contains(t, brief, "[user] fix the bug")
	assert.Contains(t, brief, "[assistant] done")
	assert.Contains(t, brief, "previous session")
}

func TestPromptBlocks(t *testing.T) {
	blocks := promptBlocks("hello", UserMessage{
		Images:    []Attachment{{MediaType: "image/png", Path: "/tmp/shot.png"}},
		Documents: []Attachment{{MediaType: "text/plain", Data: []byte("notes")}},
	})
	require.Len(t, blocks, 3)
	assert.Equal(t, "text", blocks[0]["type"])
	assert.Equal(t, "hello", blocks[0]["text"])
	assert.Equal(t, "/tmp/shot.png", blocks[1]["path"])
	assert.Equal(t, []byte("notes"), blocks[2]["data"])
}

func TestHistoryToParams(t *testing.T) {
	params := historyToParams([]Turn{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "hello"},
	})
	require.Len(t, params, 2)
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "short", truncateForLog("short"))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncateForLog(string(long)), 203)
}

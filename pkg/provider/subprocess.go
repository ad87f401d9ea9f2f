package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// startupTimeout bounds the wait for the backend to answer the
	// session handshake.
	startupTimeout = 30 * time.Second

	// stopGrace is how long Abort waits for a clean exit before killing
	// the child.
	stopGrace = 2 * time.Second
)

// SubprocessProvider drives an agent binary speaking line-delimited JSON-RPC
// over stdio. The child owns the model conversation and its own session
// storage; this side translates its notifications into SDKMessages and
// bridges its permission requests to the approval callback.
type SubprocessProvider struct {
	command string
	args    []string
	logger  zerolog.Logger
}

// NewSubprocessProvider creates a provider for the configured agent binary.
func NewSubprocessProvider(cfg Config) *SubprocessProvider {
	return &SubprocessProvider{
		command: cfg.Command,
		args:    cfg.Args,
		logger:  cfg.Logger,
	}
}

// Name returns the provider name.
func (p *SubprocessProvider) Name() string { return "subprocess" }

// IsInstalled reports whether the agent binary is on PATH.
func (p *SubprocessProvider) IsInstalled() bool {
	if p.command == "" {
		return false
	}
	_, err := exec.LookPath(p.command)
	return err == nil
}

// IsAuthenticated reports whether the backend can be used. The child
// process manages its own credentials, so installation is the only check
// available from outside.
func (p *SubprocessProvider) IsAuthenticated() bool {
	return p.IsInstalled()
}

// SupportsResume reports native resume support via the session/load call.
func (p *SubprocessProvider) SupportsResume() bool { return true }

// rpcMessage is a JSON-RPC 2.0 request, response, or notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// sessionUpdate is the payload of a session/update notification.
type sessionUpdate struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		Status     string          `json:"status"`
		RawInput   json.RawMessage `json:"rawInput"`
		RawOutput  json.RawMessage `json:"rawOutput"`
	} `json:"update"`
}

// permissionRequest is the payload of a session/request_permission call.
type permissionRequest struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		RawInput   json.RawMessage `json:"rawInput"`
	} `json:"toolCall"`
	Options []struct {
		OptionID string `json:"optionId"`
		Name     string `json:"name"`
		Kind     string `json:"kind"`
	} `json:"options"`
}

// StartSession spawns the agent binary and performs the session handshake.
func (p *SubprocessProvider) StartSession(ctx context.Context, opts StartOptions) (Session, error) {
	if !p.IsInstalled() {
		return nil, fmt.Errorf("%w: %q not found on PATH", ErrNotInstalled, p.command)
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.Dir = opts.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &subprocessSession{
		logger:     p.logger.With().Str("provider", "subprocess").Str("sessionId", opts.SessionID).Logger(),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		msgs:       make(chan SDKMessage, 64),
		pending:    make(map[int64]chan rpcMessage),
		ctx:        sessCtx,
		cancel:     cancel,
		opts:       opts,
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		promptDone: make(chan struct{}),
	}

	go s.readLoop()
	go s.drainStderr()
	go s.finish()

	if err := s.handshake(ctx); err != nil {
		// The prompt loop never started; release finish before
		// tearing the child down.
		close(s.promptDone)
		s.Abort()
		return nil, err
	}

	s.emit(SDKMessage{
		Type:      MessageTypeSystem,
		Subtype:   "init",
		UUID:      uuid.NewString(),
		SessionID: opts.SessionID,
	})

	go s.promptLoop()

	return s, nil
}

type subprocessSession struct {
	logger zerolog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	msgs chan SDKMessage
	opts StartOptions

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan rpcMessage
	nextID    int64
	coalescer turnCoalescer
	// briefed flips once the history brief has been prepended to the
	// first prompt of a non-natively-resumed session.
	briefed bool

	ctx    context.Context
	cancel context.CancelFunc

	abortOnce  sync.Once
	aborting   bool
	readDone   chan struct{}
	stderrDone chan struct{}
	promptDone chan struct{}
}

// Messages returns the translated message stream.
func (s *subprocessSession) Messages() <-chan SDKMessage { return s.msgs }

// handshake establishes the backend session, preferring native resume and
// falling back to a fresh session under the same id.
func (s *subprocessSession) handshake(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if s.opts.ResumeSessionID != "" {
		params := map[string]any{
			"sessionId": s.opts.ResumeSessionID,
			"cwd":       s.opts.CWD,
		}
		if _, err := s.call(handshakeCtx, "session/load", params); err == nil {
			s.mu.Lock()
			s.briefed = true // native resume needs no brief
			s.mu.Unlock()
			s.logger.Info().Str("resumeSessionId", s.opts.ResumeSessionID).Msg("Resumed agent session natively")
			return nil
		} else if handshakeCtx.Err() != nil {
			return fmt.Errorf("agent session handshake timed out: %w", err)
		} else {
			s.logger.Warn().Err(err).Msg("Native resume failed, starting fresh session")
		}
	}

	params := map[string]any{
		"sessionId":      s.opts.SessionID,
		"cwd":            s.opts.CWD,
		"permissionMode": string(s.opts.PermissionMode),
	}
	if _, err := s.call(handshakeCtx, "session/new", params); err != nil {
		return fmt.Errorf("agent session handshake failed: %w", err)
	}
	return nil
}

// call sends a JSON-RPC request and waits for its response.
func (s *subprocessSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan rpcMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: payload}
	if err := s.writeLine(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// respond answers a JSON-RPC request from the child.
func (s *subprocessSession) respond(id int64, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal rpc response")
		return
	}
	if err := s.writeLine(rpcMessage{JSONRPC: "2.0", ID: &id, Result: payload}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write rpc response")
	}
}

func (s *subprocessSession) writeLine(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal rpc message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to agent process: %w", err)
	}
	return nil
}

// readLoop reads stdout lines and dispatches notifications, requests, and
// responses until the pipe closes.
func (s *subprocessSession) readLoop() {
	defer close(s.readDone)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Agent binaries occasionally print non-protocol noise to
		// stdout; skip anything that is not a JSON object.
		if !strings.HasPrefix(line, "{") {
			s.logger.Debug().Str("line", truncateForLog(line)).Msg("Skipping non-JSON line from agent")
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn().Err(err).Str("line", truncateForLog(line)).Msg("Failed to parse agent message")
			continue
		}

		switch {
		case msg.Method == "session/update":
			s.handleUpdate(msg.Params)
		case msg.Method == "session/request_permission" && msg.ID != nil:
			go s.handlePermission(*msg.ID, msg.Params)
		case msg.Method == "" && msg.ID != nil:
			s.mu.Lock()
			ch := s.pending[*msg.ID]
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.Method != "":
			s.logger.Debug().Str("method", msg.Method).Msg("Unhandled agent method")
			s.emit(SDKMessage{
				Type:      MessageTypeUnhandled,
				UUID:      uuid.NewString(),
				SessionID: s.opts.SessionID,
				Raw:       json.RawMessage(line),
			})
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("Agent stdout closed")
	}
}

// handleUpdate translates one session/update notification. Text and
// thinking chunks accumulate in the coalescer until the turn completes;
// tool activity is forwarded as it happens.
func (s *subprocessSession) handleUpdate(params json.RawMessage) {
	var upd sessionUpdate
	if err := json.Unmarshal(params, &upd); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse session update")
		return
	}

	switch upd.Update.SessionUpdate {
	case "agent_message_chunk":
		s.mu.Lock()
		s.coalescer.addText(upd.Update.Content.Text)
		s.mu.Unlock()

	case "agent_thought_chunk":
		s.mu.Lock()
		s.coalescer.addThinking(upd.Update.Content.Text)
		s.mu.Unlock()

	case "tool_call":
		name := upd.Update.Title
		if name == "" {
			name = upd.Update.Kind
		}
		s.mu.Lock()
		s.coalescer.addToolUse(ToolUse{
			ID:    upd.Update.ToolCallID,
			Name:  name,
			Input: upd.Update.RawInput,
		})
		s.mu.Unlock()

	case "tool_call_update":
		if upd.Update.Status != "completed" && upd.Update.Status != "failed" {
			return
		}
		s.emit(SDKMessage{
			Type:      MessageTypeUser,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			ToolResults: []ToolResultRef{{
				ToolUseID: upd.Update.ToolCallID,
				Content:   string(upd.Update.RawOutput),
				IsError:   upd.Update.Status == "failed",
			}},
		})

	default:
		s.emit(SDKMessage{
			Type:      MessageTypeUnhandled,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			Raw:       params,
		})
	}
}

// handlePermission bridges a permission request to the approval callback,
// waiting as long as the session lives for a human decision.
func (s *subprocessSession) handlePermission(id int64, params json.RawMessage) {
	var req permissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse permission request")
		s.respond(id, map[string]any{"outcome": map[string]any{"outcome": "cancelled"}})
		return
	}

	toolName := req.ToolCall.Title
	if toolName == "" {
		toolName = req.ToolCall.Kind
	}

	decision := ApprovalDecision{Behavior: ApprovalDeny}
	if s.opts.OnToolApproval != nil {
		d, err := s.opts.OnToolApproval(s.ctx, toolName, req.ToolCall.RawInput)
		if err != nil {
			// Session aborted while waiting; tell the child the
			// request is void rather than denying.
			s.respond(id, map[string]any{"outcome": map[string]any{"outcome": "cancelled"}})
			return
		}
		decision = d
	}

	wantAllow := decision.Behavior == ApprovalAllow
	optionID := ""
	for _, opt := range req.Options {
		isAllow := strings.HasPrefix(opt.Kind, "allow")
		if isAllow == wantAllow {
			optionID = opt.OptionID
			break
		}
	}
	if optionID == "" {
		// No matching option offered; fall back to the behavior name,
		// which well-behaved agents accept.
		optionID = string(decision.Behavior)
	}

	s.logger.Info().
		Str("tool", toolName).
		Str("behavior", string(decision.Behavior)).
		Msg("Permission request resolved")

	s.respond(id, map[string]any{
		"outcome": map[string]any{"outcome": "selected", "optionId": optionID},
	})
}

// promptLoop feeds queued user turns to the child, one prompt call per
// turn, and emits the coalesced assistant update plus a result marker when
// each turn finishes.
func (s *subprocessSession) promptLoop() {
	defer close(s.promptDone)

	if s.opts.Queue == nil {
		return
	}

	for {
		um, err := s.opts.Queue.Next(s.ctx)
		if err != nil {
			return
		}

		text := um.Text
		s.mu.Lock()
		if !s.briefed {
			s.briefed = true
			if brief := formatHistoryBrief(s.opts.History); brief != "" {
				text = brief + "\n\n" + text
			}
		}
		s.mu.Unlock()

		s.emit(SDKMessage{
			Type:      MessageTypeUser,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			Text:      um.Text,
		})

		start := time.Now()
		params := map[string]any{
			"sessionId": s.opts.SessionID,
			"prompt":    promptBlocks(text, um),
		}
		if um.PermissionMode != "" {
			params["permissionMode"] = string(um.PermissionMode)
		}

		result, err := s.call(s.ctx, "session/prompt", params)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(SDKMessage{
				Type:      MessageTypeError,
				UUID:      uuid.NewString(),
				SessionID: s.opts.SessionID,
				Error:     err.Error(),
			})
			continue
		}

		s.mu.Lock()
		msg, ok := s.coalescer.flush(s.opts.SessionID)
		s.mu.Unlock()
		if ok {
			s.emit(msg)
		}

		var stop struct {
			StopReason string `json:"stopReason"`
		}
		_ = json.Unmarshal(result, &stop)

		s.emit(SDKMessage{
			Type:      MessageTypeResult,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			Result: &ResultInfo{
				DurationMs: time.Since(start).Milliseconds(),
				NumTurns:   1,
				Summary:    stop.StopReason,
			},
		})
	}
}

// promptBlocks renders a user turn as protocol content blocks.
func promptBlocks(text string, um UserMessage) []map[string]any {
	blocks := []map[string]any{{"type": "text", "text": text}}
	for _, img := range um.Images {
		block := map[string]any{"type": "image", "mimeType": img.MediaType}
		if img.Path != "" {
			block["path"] = img.Path
		} else {
			block["data"] = img.Data
		}
		blocks = append(blocks, block)
	}
	for _, doc := range um.Documents {
		block := map[string]any{"type": "resource", "mimeType": doc.MediaType}
		if doc.Path != "" {
			block["path"] = doc.Path
		} else {
			block["data"] = doc.Data
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// formatHistoryBrief renders prior turns as a context preamble for a fresh
// backend session that could not be resumed natively.
func formatHistoryBrief(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context from the previous session (continue from here):\n")
	for _, turn := range history {
		b.WriteString(fmt.Sprintf("[%s] %s\n", turn.Role, turn.Text))
	}
	return b.String()
}

// drainStderr captures child stderr for diagnostics.
func (s *subprocessSession) drainStderr() {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			s.logger.Debug().Str("line", truncateForLog(line)).Msg("Agent stderr")
		}
	}
}

// finish waits for all producer goroutines, reaps the child, and closes the
// message stream. It is the sole caller of cmd.Wait and the sole closer of
// the msgs channel.
func (s *subprocessSession) finish() {
	<-s.readDone
	// Stdout is gone; unblock the prompt loop and any pending calls.
	s.cancel()
	<-s.promptDone
	<-s.stderrDone

	err := s.cmd.Wait()

	if err != nil && !s.aborted() {
		// All other producers have stopped; deliver the exit error
		// directly, dropping it only if nobody is draining the stream.
		select {
		case s.msgs <- SDKMessage{
			Type:      MessageTypeError,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			Error:     fmt.Sprintf("agent process exited: %v", err),
		}:
		default:
		}
	}

	close(s.msgs)
	s.logger.Debug().Msg("Agent session finished")
}

// aborted reports whether Abort was the cause of shutdown.
func (s *subprocessSession) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborting
}

// emit delivers a message to subscribers unless the session has shut down.
func (s *subprocessSession) emit(msg SDKMessage) {
	select {
	case s.msgs <- msg:
	case <-s.readDone:
		// Stream is winding down; drop rather than block forever.
	}
}

// Abort terminates the child process and ends the stream. Idempotent.
func (s *subprocessSession) Abort() {
	s.abortOnce.Do(func() {
		s.logger.Info().Msg("Aborting agent session")
		s.mu.Lock()
		s.aborting = true
		s.mu.Unlock()
		s.cancel()

		// Closing stdin signals EOF; well-behaved agents exit on it.
		s.writeMu.Lock()
		s.stdin.Close()
		s.writeMu.Unlock()

		select {
		case <-s.readDone:
		case <-time.After(stopGrace):
			s.logger.Debug().Msg("Force killing agent process")
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
		}
	})
}

// truncateForLog shortens long lines destined for log output.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

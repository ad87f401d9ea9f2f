// Package approvals brokers human-in-the-loop decisions. Sessions block on
// a pending request until someone resolves it by id; there is no timeout,
// an unanswered request waits as long as the session lives.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Kind classifies what is being asked.
type Kind string

const (
	// KindToolApproval asks permission to run a tool.
	KindToolApproval Kind = "tool-approval"
	// KindQuestion asks a free-form question mid-task.
	KindQuestion Kind = "question"
)

// Request is a pending human decision.
type Request struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Options   []string        `json:"options,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decision resolves a request.
type Decision struct {
	Approve bool `json:"approve"`
	// UpdatedInput optionally replaces the tool input on approval.
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	// Message carries a free-form answer or a denial reason.
	Message string `json:"message,omitempty"`
}

type pendingRequest struct {
	req Request
	ch  chan Decision
}

// Broker tracks pending requests across sessions and matches resolutions
// to them by id.
type Broker struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	pending map[string]*pendingRequest
	schemas map[string]*gojsonschema.Schema
	// onRequest, when set, is notified of each new request so a frontend
	// can surface it. Called outside the lock.
	onRequest func(Request)
}

// NewBroker creates an empty broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		logger:  logger.With().Str("module", "approvals").Logger(),
		pending: make(map[string]*pendingRequest),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// OnRequest registers a notification hook for new requests.
func (b *Broker) OnRequest(fn func(Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRequest = fn
}

// RegisterSchema attaches a JSON schema to a tool name. Inputs for that
// tool are validated on submission; failures are logged, not enforced,
// since the human still sees the raw input.
func (b *Broker) RegisterSchema(toolName string, schema map[string]interface{}) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", toolName, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[toolName] = compiled
	return nil
}

// Await submits a request and blocks until it is resolved or ctx ends.
// A missing id is filled in; the assigned request (with id) is returned
// alongside the decision path via the notification hook.
func (b *Broker) Await(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return Decision{}, fmt.Errorf("failed to generate request id: %w", err)
		}
		req.ID = id
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	b.validateInput(req)

	p := &pendingRequest{req: req, ch: make(chan Decision, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	notify := b.onRequest
	b.mu.Unlock()

	b.logger.Info().
		Str("requestId", req.ID).
		Str("sessionId", req.SessionID).
		Str("kind", string(req.Kind)).
		Str("tool", req.ToolName).
		Msg("Awaiting approval")

	if notify != nil {
		notify(req)
	}

	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// Resolve answers a pending request. It reports false for unknown or
// already-resolved ids and has no side effect in that case.
func (b *Broker) Resolve(id string, d Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn().Str("requestId", id).Msg("Resolution for unknown request ignored")
		return false
	}

	b.logger.Info().Str("requestId", id).Bool("approve", d.Approve).Msg("Request resolved")
	p.ch <- d
	return true
}

// Pending returns a snapshot of open requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingForSession returns the oldest open request for a session, or nil.
func (b *Broker) PendingForSession(sessionID string) *Request {
	var oldest *Request
	for _, req := range b.Pending() {
		if req.SessionID == sessionID {
			r := req
			oldest = &r
			break
		}
	}
	return oldest
}

func (b *Broker) validateInput(req Request) {
	if req.ToolName == "" || len(req.Input) == 0 {
		return
	}

	b.mu.Lock()
	schema := b.schemas[req.ToolName]
	b.mu.Unlock()
	if schema == nil {
		return
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(req.Input))
	if err != nil {
		b.logger.Warn().Err(err).Str("tool", req.ToolName).Msg("Schema validation errored")
		return
	}
	if !result.Valid() {
		for _, desc := range result.Errors() {
			b.logger.Warn().
				Str("tool", req.ToolName).
				Str("violation", desc.String()).
				Msg("Tool input does not match schema")
		}
	}
}

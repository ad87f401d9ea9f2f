package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/warden/pkg/queue"
)

// ErrNotInstalled is returned when a backend's prerequisites are missing.
var ErrNotInstalled = errors.New("provider not installed")

// ErrNotAuthenticated is returned when a backend has no usable credentials.
var ErrNotAuthenticated = errors.New("provider not authenticated")

// ApprovalBehavior is a human decision on a tool-approval request.
type ApprovalBehavior string

const (
	ApprovalAllow ApprovalBehavior = "allow"
	ApprovalDeny  ApprovalBehavior = "deny"
)

// ApprovalDecision carries the decision plus an optional edited tool input.
type ApprovalDecision struct {
	Behavior     ApprovalBehavior
	UpdatedInput json.RawMessage
	Message      string
}

// ApprovalFunc is invoked when the agent needs a tool call approved. It
// blocks until a human decides or ctx is cancelled; backends must treat a
// ctx error as a denial and keep the stream alive.
type ApprovalFunc func(ctx context.Context, toolName string, input json.RawMessage) (ApprovalDecision, error)

// StartOptions configures a new backend session.
type StartOptions struct {
	// SessionID is the durable session identity the backend session is
	// bound to.
	SessionID string

	// ResumeSessionID asks the backend to natively continue a previous
	// backend-side session. Ignored by backends without native resume.
	ResumeSessionID string

	// CWD is the project directory the agent works in.
	CWD string

	PermissionMode PermissionMode

	// History briefs a fresh backend session on prior turns when native
	// resume is unavailable. The durable log stays authoritative; this is
	// context, not replay.
	History []Turn

	// Queue delivers user turns. The backend consumes it until the queue
	// closes or the session aborts.
	Queue *queue.Queue[UserMessage]

	// OnToolApproval bridges the backend's permission requests to a human.
	// Nil denies everything.
	OnToolApproval ApprovalFunc
}

// Session is a live connection to an agent backend.
//
// Messages yields the translated stream. Exactly one init-subtyped system
// message precedes any content, and the channel closes when the session
// ends for any reason: errors ride the stream as MessageTypeError, they do
// not panic or leak through Abort.
type Session interface {
	Messages() <-chan SDKMessage

	// Abort terminates the backend connection. Idempotent; safe to call
	// from any goroutine.
	Abort()
}

// Provider is a factory for sessions against one backend.
type Provider interface {
	Name() string
	IsInstalled() bool
	IsAuthenticated() bool

	// SupportsResume reports whether ResumeSessionID is honored natively.
	SupportsResume() bool

	StartSession(ctx context.Context, opts StartOptions) (Session, error)
}

// Config carries backend settings from the configuration file.
type Config struct {
	// Command and Args locate the subprocess agent binary.
	Command string
	Args    []string

	// APIKey and Model configure the embedded Anthropic backend. An empty
	// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey string
	Model  string

	Logger zerolog.Logger
}

// New creates a provider by name.
func New(name string, cfg Config) (Provider, error) {
	switch name {
	case "subprocess":
		return NewSubprocessProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

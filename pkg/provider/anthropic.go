package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
)

// AnthropicProvider talks to the Anthropic API directly. It keeps the
// conversation in memory for the lifetime of a session, so it cannot resume
// a backend conversation natively; callers seed continuity through
// StartOptions.History instead.
type AnthropicProvider struct {
	client anthropic.Client
	apiKey string
	model  string
	logger zerolog.Logger
}

// NewAnthropicProvider creates a provider backed by the Anthropic API.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
		model:  model,
		logger: cfg.Logger,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// IsInstalled always reports true; the SDK is compiled in.
func (p *AnthropicProvider) IsInstalled() bool { return true }

// IsAuthenticated reports whether an API key is configured.
func (p *AnthropicProvider) IsAuthenticated() bool { return p.apiKey != "" }

// SupportsResume reports that this provider cannot reattach to a prior
// backend conversation.
func (p *AnthropicProvider) SupportsResume() bool { return false }

// StartSession starts the per-session conversation loop.
func (p *AnthropicProvider) StartSession(ctx context.Context, opts StartOptions) (Session, error) {
	if !p.IsAuthenticated() {
		return nil, fmt.Errorf("%w: no Anthropic API key configured", ErrNotAuthenticated)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &anthropicSession{
		provider: p,
		logger:   p.logger.With().Str("provider", "anthropic").Str("sessionId", opts.SessionID).Logger(),
		opts:     opts,
		msgs:     make(chan SDKMessage, 64),
		history:  historyToParams(opts.History),
		ctx:      sessCtx,
		cancel:   cancel,
	}

	go s.run()

	return s, nil
}

type anthropicSession struct {
	provider *AnthropicProvider
	logger   zerolog.Logger
	opts     StartOptions

	msgs    chan SDKMessage
	history []anthropic.MessageParam

	ctx       context.Context
	cancel    context.CancelFunc
	abortOnce sync.Once
}

// Messages returns the session message stream.
func (s *anthropicSession) Messages() <-chan SDKMessage { return s.msgs }

// Abort ends the session loop. Idempotent.
func (s *anthropicSession) Abort() {
	s.abortOnce.Do(func() {
		s.logger.Info().Msg("Aborting session")
		s.cancel()
	})
}

// run consumes queued user turns, makes API calls, and emits translated
// messages until the queue closes or the session is aborted. The stream is
// closed exactly once, here.
func (s *anthropicSession) run() {
	defer close(s.msgs)

	s.emit(SDKMessage{
		Type:      MessageTypeSystem,
		Subtype:   "init",
		UUID:      uuid.NewString(),
		SessionID: s.opts.SessionID,
	})

	if s.opts.Queue == nil {
		return
	}

	for {
		um, err := s.opts.Queue.Next(s.ctx)
		if err != nil {
			return
		}

		s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(um.Text)))
		s.emit(SDKMessage{
			Type:      MessageTypeUser,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
			Text:      um.Text,
		})

		if err := s.runTurn(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(SDKMessage{
				Type:      MessageTypeError,
				UUID:      uuid.NewString(),
				SessionID: s.opts.SessionID,
				Error:     err.Error(),
			})
		}
	}
}

// runTurn makes API calls until the model stops asking for tools, emitting
// one assistant message per response and a result marker at the end.
func (s *anthropicSession) runTurn() error {
	start := time.Now()
	numCalls := 0

	for {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(s.provider.model),
			Messages:  s.history,
			MaxTokens: defaultMaxTokens,
		}

		response, err := s.provider.client.Messages.New(s.ctx, params)
		if err != nil {
			return fmt.Errorf("anthropic API call failed: %w", err)
		}
		numCalls++

		msg := SDKMessage{
			Type:      MessageTypeAssistant,
			UUID:      uuid.NewString(),
			SessionID: s.opts.SessionID,
		}
		for _, block := range response.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				msg.Text += b.Text
			case anthropic.ThinkingBlock:
				msg.Thinking += b.Thinking
			case anthropic.ToolUseBlock:
				msg.ToolUses = append(msg.ToolUses, ToolUse{
					ID:    b.ID,
					Name:  b.Name,
					Input: []byte(b.JSON.Input.Raw()),
				})
			}
		}
		s.emit(msg)
		s.history = append(s.history, response.ToParam())

		if response.StopReason != anthropic.StopReasonToolUse {
			s.emit(SDKMessage{
				Type:      MessageTypeResult,
				UUID:      uuid.NewString(),
				SessionID: s.opts.SessionID,
				Result: &ResultInfo{
					DurationMs: time.Since(start).Milliseconds(),
					NumTurns:   numCalls,
					Summary:    string(response.StopReason),
				},
			})
			return nil
		}

		// The model asked for tools. This backend has no local
		// executor, so every use is resolved through the approval
		// callback and answered with an error result either way; the
		// distinction is only whether the user declined it.
		results := []anthropic.ContentBlockParamUnion{}
		for _, tu := range msg.ToolUses {
			content := "tool execution is not supported by this backend"
			if s.opts.OnToolApproval != nil {
				decision, err := s.opts.OnToolApproval(s.ctx, tu.Name, tu.Input)
				if err != nil {
					return err
				}
				if decision.Behavior == ApprovalDeny {
					content = "tool use denied by user"
					if decision.Message != "" {
						content = decision.Message
					}
				}
			}
			results = append(results, anthropic.NewToolResultBlock(tu.ID, content, true))
			s.emit(SDKMessage{
				Type:      MessageTypeUser,
				UUID:      uuid.NewString(),
				SessionID: s.opts.SessionID,
				ToolResults: []ToolResultRef{{
					ToolUseID: tu.ID,
					Content:   content,
					IsError:   true,
				}},
			})
		}
		s.history = append(s.history, anthropic.NewUserMessage(results...))
	}
}

// emit delivers a message unless the session has been aborted and nobody is
// left draining the stream.
func (s *anthropicSession) emit(msg SDKMessage) {
	select {
	case s.msgs <- msg:
	case <-s.ctx.Done():
	}
}

// historyToParams converts recovered turns into API message params.
func historyToParams(history []Turn) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			params = append(params, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(turn.Text),
				},
			})
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	return params
}

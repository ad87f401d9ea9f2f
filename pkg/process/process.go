// Package process runs one supervised agent session: a provider-backed
// conversation, its inbound message queue, its approval bridge, and the
// append-only conversation log.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/warden/pkg/approvals"
	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/queue"
	"github.com/harun/warden/pkg/sessionlog"
)

// State is the lifecycle phase of a process.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateWaitingInput State = "waiting-input"
	StateIdle         State = "idle"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// ErrTerminated is returned when queueing into a finished process.
var ErrTerminated = fmt.Errorf("process terminated")

// Config carries everything a process needs to run one session.
type Config struct {
	SessionID   string
	ProjectPath string

	Provider provider.Provider
	// ResumeSessionID asks the provider to reattach to a prior backend
	// conversation when it supports that.
	ResumeSessionID string
	// History seeds continuity when native resume is unavailable.
	History        []provider.Turn
	PermissionMode provider.PermissionMode
	// TipUUID is the uuid of the last logged record, so new records chain
	// onto a recovered conversation instead of starting a second root.
	TipUUID string

	Store  *sessionlog.Store
	Broker *approvals.Broker
	Logger zerolog.Logger

	// OnTerminate fires once after the message stream ends.
	OnTerminate func(sessionID string)
}

// Process supervises a single session.
type Process struct {
	cfg    Config
	logger zerolog.Logger
	queue  *queue.Queue[provider.UserMessage]

	mu           sync.Mutex
	state        State
	preempting   bool
	lastActivity time.Time
	tipUUID      string
	lastError    string
	session      provider.Session
	subscribers  map[int]chan provider.SDKMessage
	nextSubID    int

	abortOnce sync.Once
	done      chan struct{}
}

// Start creates the process and launches its session. Provider startup
// failure does not surface as an error here: the process is returned in a
// terminated state with a single error message published and logged, so
// callers observe failures the same way they observe any other session
// event.
func Start(ctx context.Context, cfg Config) *Process {
	p := &Process{
		cfg:          cfg,
		logger:       cfg.Logger.With().Str("module", "process").Str("sessionId", cfg.SessionID).Logger(),
		queue:        queue.New[provider.UserMessage](),
		state:        StateStarting,
		lastActivity: time.Now(),
		tipUUID:      cfg.TipUUID,
		subscribers:  make(map[int]chan provider.SDKMessage),
		done:         make(chan struct{}),
	}

	sess, err := cfg.Provider.StartSession(ctx, provider.StartOptions{
		SessionID:       cfg.SessionID,
		ResumeSessionID: cfg.ResumeSessionID,
		CWD:             cfg.ProjectPath,
		PermissionMode:  cfg.PermissionMode,
		History:         cfg.History,
		Queue:           p.queue,
		OnToolApproval:  p.bridgeToolApproval,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Provider failed to start session")
		p.failStartup(err)
		return p
	}

	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()

	go p.pump(sess)
	return p
}

// SessionID returns the session this process supervises.
func (p *Process) SessionID() string { return p.cfg.SessionID }

// State returns the current lifecycle phase.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastActivity returns the time of the most recent inbound or outbound
// session activity.
func (p *Process) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Done is closed when the session stream has ended.
func (p *Process) Done() <-chan struct{} { return p.done }

// QueueMessage enqueues a user turn and returns its queue position: 0 when
// the session consumed it immediately, otherwise the depth it sits at.
func (p *Process) QueueMessage(msg provider.UserMessage) (int, error) {
	p.mu.Lock()
	if p.state == StateTerminated || p.state == StateError || p.preempting {
		p.mu.Unlock()
		return 0, ErrTerminated
	}
	if p.state == StateIdle {
		p.state = StateRunning
	}
	p.lastActivity = time.Now()
	p.mu.Unlock()

	pos := p.queue.Push(msg)
	if pos < 0 {
		return 0, ErrTerminated
	}

	p.logger.Debug().Int("position", pos).Msg("Message queued")
	return pos, nil
}

// QueueDepth returns the number of messages waiting for the session.
func (p *Process) QueueDepth() int { return p.queue.Len() }

// DrainQueue removes and returns all undelivered messages. Used when a
// process is preempted so its pending turns can be replayed on resume.
func (p *Process) DrainQueue() []provider.UserMessage { return p.queue.Drain() }

// PendingInputRequest returns the oldest unresolved approval or question
// for this session, or nil when the session is not waiting on anyone.
func (p *Process) PendingInputRequest() *approvals.Request {
	if p.cfg.Broker == nil {
		return nil
	}
	return p.cfg.Broker.PendingForSession(p.cfg.SessionID)
}

// RespondToInput resolves a pending request by id. Stale or unknown ids
// report false with no side effect.
func (p *Process) RespondToInput(id string, approve bool, message string) bool {
	if p.cfg.Broker == nil {
		return false
	}
	return p.cfg.Broker.Resolve(id, approvals.Decision{Approve: approve, Message: message})
}

// Subscribe registers a message listener. Every message type the provider
// emits is forwarded. The returned func unsubscribes; the channel closes
// when the session ends.
func (p *Process) Subscribe() (<-chan provider.SDKMessage, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	ch := make(chan provider.SDKMessage, 256)
	if p.state == StateTerminated || p.state == StateError {
		close(ch)
		return ch, func() {}
	}
	p.subscribers[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(sub)
		}
	}
}

// Abort terminates the session. Idempotent; queued messages are discarded.
func (p *Process) Abort() {
	p.abortOnce.Do(func() {
		p.logger.Info().Msg("Aborting process")
		p.queue.Close()

		p.mu.Lock()
		sess := p.session
		p.mu.Unlock()
		if sess != nil {
			sess.Abort()
		}
	})
}

// AbortIfIdle terminates the session only when it is still idle. The idle
// check and the decision to stop accepting messages happen under the same
// lock, so a concurrently queued message either flips the state to running
// first, making this a no-op, or is rejected with ErrTerminated once the
// preemption has won. It reports whether the abort fired.
func (p *Process) AbortIfIdle() bool {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return false
	}
	p.preempting = true
	p.mu.Unlock()

	p.Abort()
	return true
}

// ShouldEmitMessage reports whether a message type is forwarded to
// subscribers. Every type is: consumers decide relevance, the supervisor
// does not filter.
func ShouldEmitMessage(t provider.MessageType) bool { return true }

// pump relays the provider stream: persist, update state, fan out.
func (p *Process) pump(sess provider.Session) {
	for msg := range sess.Messages() {
		p.persist(msg)
		p.observe(msg)
		if ShouldEmitMessage(msg.Type) {
			p.publish(msg)
		}
	}
	p.finish()
}

// observe updates lifecycle state from one stream message.
func (p *Process) observe(msg provider.SDKMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActivity = time.Now()

	switch msg.Type {
	case provider.MessageTypeSystem:
		if p.state == StateStarting {
			p.state = StateRunning
		}
	case provider.MessageTypeError:
		p.lastError = msg.Error
	case provider.MessageTypeResult:
		// A turn that completed cleanly resolves any transient error seen
		// earlier; only an error that was never followed by a successful
		// turn decides the terminal state.
		if msg.Result == nil || !msg.Result.IsError {
			p.lastError = ""
		}
		if p.queue.Len() == 0 && p.state == StateRunning {
			p.state = StateIdle
		}
	case provider.MessageTypeAssistant, provider.MessageTypeUser, provider.MessageTypeStreamEvent:
		if p.state == StateIdle || p.state == StateStarting {
			p.state = StateRunning
		}
	}
}

// publish fans a message out to subscribers without blocking the pump; a
// subscriber that falls 256 messages behind loses the oldest ones.
func (p *Process) publish(msg provider.SDKMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, ch := range p.subscribers {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
				p.logger.Warn().Int("subscriber", id).Msg("Dropping message for slow subscriber")
			}
		}
	}
}

// persist appends a stream message to the conversation log, chained onto
// the current tip. Transient stream events and unrecognized payloads are
// not part of the durable conversation.
func (p *Process) persist(msg provider.SDKMessage) {
	if p.cfg.Store == nil {
		return
	}
	switch msg.Type {
	case provider.MessageTypeStreamEvent, provider.MessageTypeUnhandled:
		return
	}

	rec, ok := recordFromMessage(msg)
	if !ok {
		return
	}

	p.mu.Lock()
	rec.ParentUUID = p.tipUUID
	p.tipUUID = rec.UUID
	p.mu.Unlock()

	if err := p.cfg.Store.Append(p.cfg.SessionID, rec); err != nil {
		p.logger.Error().Err(err).Msg("Failed to append conversation record")
	}
}

// bridgeToolApproval is handed to the provider as its permission callback.
// The process sits in waiting-input for as long as the human takes.
func (p *Process) bridgeToolApproval(ctx context.Context, toolName string, input json.RawMessage) (provider.ApprovalDecision, error) {
	if p.cfg.Broker == nil {
		return provider.ApprovalDecision{Behavior: provider.ApprovalDeny, Message: "no approval broker configured"}, nil
	}

	p.setState(StateWaitingInput)
	defer p.setStateIf(StateWaitingInput, StateRunning)

	decision, err := p.cfg.Broker.Await(ctx, approvals.Request{
		Kind:      approvals.KindToolApproval,
		SessionID: p.cfg.SessionID,
		ToolName:  toolName,
		Input:     input,
	})
	if err != nil {
		return provider.ApprovalDecision{}, err
	}

	if !decision.Approve {
		return provider.ApprovalDecision{Behavior: provider.ApprovalDeny, Message: decision.Message}, nil
	}
	return provider.ApprovalDecision{
		Behavior:     provider.ApprovalAllow,
		UpdatedInput: decision.UpdatedInput,
	}, nil
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateTerminated && p.state != StateError {
		p.state = s
	}
}

func (p *Process) setStateIf(from, to State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == from {
		p.state = to
	}
}

// failStartup records provider startup failure as session events rather
// than propagating an error to the caller.
func (p *Process) failStartup(err error) {
	msg := provider.SDKMessage{
		Type:      provider.MessageTypeError,
		UUID:      newUUID(),
		SessionID: p.cfg.SessionID,
		Error:     err.Error(),
	}
	p.persist(msg)
	p.publish(msg)

	p.queue.Close()
	p.mu.Lock()
	p.state = StateError
	p.lastError = err.Error()
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
	p.mu.Unlock()

	close(p.done)
	if p.cfg.OnTerminate != nil {
		p.cfg.OnTerminate(p.cfg.SessionID)
	}
}

// finish runs once the provider stream closes.
func (p *Process) finish() {
	p.queue.Close()

	p.mu.Lock()
	if p.lastError != "" {
		p.state = StateError
	} else {
		p.state = StateTerminated
	}
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
	p.mu.Unlock()

	close(p.done)
	p.logger.Info().Msg("Process finished")

	if p.cfg.OnTerminate != nil {
		p.cfg.OnTerminate(p.cfg.SessionID)
	}
}

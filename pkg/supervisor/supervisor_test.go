package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/warden/pkg/approvals"
	"github.com/harun/warden/pkg/process"
	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/sessionindex"
	"github.com/harun/warden/pkg/sessionlog"
)

type fakeProvider struct {
	mu             sync.Mutex
	supportsResume bool
	startErr       error
	sessions       map[string]*fakeSession
	opts           map[string]provider.StartOptions
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: make(map[string]*fakeSession),
		opts:     make(map[string]provider.StartOptions),
	}
}

func (f *fakeProvider) Name() string          { return "fake" }
func (f *fakeProvider) IsInstalled() bool     { return true }
func (f *fakeProvider) IsAuthenticated() bool { return true }

func (f *fakeProvider) SupportsResume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supportsResume
}

func (f *fakeProvider) StartSession(ctx context.Context, opts provider.StartOptions) (provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	sess := &fakeSession{msgs: make(chan provider.SDKMessage, 64)}
	f.sessions[opts.SessionID] = sess
	f.opts[opts.SessionID] = opts
	return sess, nil
}

func (f *fakeProvider) session(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeProvider) startOpts(id string) provider.StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[id]
}

type fakeSession struct {
	mu      sync.Mutex
	msgs    chan provider.SDKMessage
	aborted bool
}

func (s *fakeSession) Messages() <-chan provider.SDKMessage { return s.msgs }

func (s *fakeSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.msgs)
	}
}

func (s *fakeSession) emit(msg provider.SDKMessage) { s.msgs <- msg }

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fixture struct {
	sup      *Supervisor
	provider *fakeProvider
	store    *sessionlog.Store
	index    *sessionindex.Index
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	store, err := sessionlog.NewStore(t.TempDir())
	require.NoError(t, err)
	index, err := sessionindex.Open(filepath.Join(t.TempDir(), "index.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	fp := newFakeProvider()
	cfg := Config{
		Provider: fp,
		Store:    store,
		Index:    index,
		Broker:   approvals.NewBroker(testLogger()),
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sup := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})

	return &fixture{sup: sup, provider: fp, store: store, index: index}
}

func driveIdle(t *testing.T, fx *fixture, p *process.Process) {
	t.Helper()
	sess := fx.provider.session(p.SessionID())
	sess.emit(provider.SDKMessage{Type: provider.MessageTypeSystem, Subtype: "init", UUID: "init"})
	sess.emit(provider.SDKMessage{Type: provider.MessageTypeResult, UUID: "res", Result: &provider.ResultInfo{}})
	require.Eventually(t, func() bool {
		return p.State() == process.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSession(t *testing.T) {
	fx := newFixture(t, nil)

	p, err := fx.sup.StartSession(context.Background(), StartSpec{
		ProjectPath: "/tmp/project",
		Title:       "fix tests",
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.True(t, fx.store.Exists(p.SessionID()))
	assert.Same(t, p, fx.sup.ProcessForSession(p.SessionID()))
	assert.Contains(t, fx.sup.ActiveSessions(), p.SessionID())

	sess, err := fx.index.Get(p.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", sess.ProjectPath)
	assert.Equal(t, "fake", sess.Provider)
	assert.Equal(t, "fix tests", sess.Title)
}

func TestStartSession_QueuesInitialMessage(t *testing.T) {
	fx := newFixture(t, nil)

	p, err := fx.sup.StartSession(context.Background(), StartSpec{
		InitialMessage: &provider.UserMessage{Text: "get started"},
	})
	require.NoError(t, err)

	drained := p.DrainQueue()
	require.Len(t, drained, 1)
	assert.Equal(t, "get started", drained[0].Text)
}

func TestAdmission_PreemptsIdleLRU(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) {
		cfg.MaxWorkers = 1
		cfg.IdlePreemptThreshold = 20 * time.Millisecond
	})

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	driveIdle(t, fx, a)

	time.Sleep(50 * time.Millisecond)

	b, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State() == process.StateTerminated
	}, 2*time.Second, 10*time.Millisecond, "idle session was not preempted")
	assert.NotEqual(t, process.StateTerminated, b.State())
}

func TestAdmission_SoftCapWithNoVictim(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) {
		cfg.MaxWorkers = 1
		cfg.IdlePreemptThreshold = time.Hour
	})

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	fx.provider.session(a.SessionID()).emit(provider.SDKMessage{Type: provider.MessageTypeSystem, Subtype: "init", UUID: "init"})

	// Over cap with no preemptible session: both keep running.
	b, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, process.StateTerminated, a.State())
	assert.NotEqual(t, process.StateTerminated, b.State())
	assert.Len(t, fx.sup.ActiveSessions(), 2)
}

func TestStopAndResume_RequeuesStashedMessages(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{ProjectPath: "/tmp/p"})
	require.NoError(t, err)
	id := a.SessionID()

	_, err = a.QueueMessage(provider.UserMessage{Text: "first"})
	require.NoError(t, err)
	_, err = a.QueueMessage(provider.UserMessage{Text: "second"})
	require.NoError(t, err)

	require.NoError(t, fx.sup.StopSession(id))
	<-a.Done()

	b, err := fx.sup.ResumeSession(context.Background(), id, StartSpec{ProjectPath: "/tmp/p"})
	require.NoError(t, err)
	require.NotSame(t, a, b)

	drained := b.DrainQueue()
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Text)
	assert.Equal(t, "second", drained[1].Text)
}

func TestStopSession_Unknown(t *testing.T) {
	fx := newFixture(t, nil)
	assert.ErrorIs(t, fx.sup.StopSession("nope"), ErrSessionNotFound)
}

func TestResumeSession_Unknown(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.sup.ResumeSession(context.Background(), "nope", StartSpec{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResumeSession_ReturnsLiveProcess(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)

	b, err := fx.sup.ResumeSession(context.Background(), a.SessionID(), StartSpec{})
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestResumeSession_QueuesMessageOnLiveProcess(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)

	b, err := fx.sup.ResumeSession(context.Background(), a.SessionID(), StartSpec{
		InitialMessage: &provider.UserMessage{Text: "please continue"},
	})
	require.NoError(t, err)
	require.Same(t, a, b)

	drained := b.DrainQueue()
	require.Len(t, drained, 1)
	assert.Equal(t, "please continue", drained[0].Text)
}

func TestStartSession_FailedStartupNotRegistered(t *testing.T) {
	fx := newFixture(t, nil)
	fx.provider.startErr = provider.ErrNotAuthenticated

	// Startup failure is contained in the process, not returned here.
	p, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	<-p.Done()

	assert.Nil(t, fx.sup.ProcessForSession(p.SessionID()))
	assert.Empty(t, fx.sup.ActiveSessions())
}

func TestStopSession_RemovesFromRegistry(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	id := a.SessionID()

	require.NoError(t, fx.sup.StopSession(id))
	<-a.Done()

	require.Eventually(t, func() bool {
		return fx.sup.ProcessForSession(id) == nil
	}, 2*time.Second, 10*time.Millisecond, "finished process stayed in the registry")
}

func assistantToolUseRecord(id, parent, toolUseID string) sessionlog.Record {
	msg, _ := json.Marshal(map[string]interface{}{
		"role": "assistant",
		"content": []map[string]interface{}{
			{"type": "tool_use", "id": toolUseID, "name": "Bash", "input": map[string]interface{}{}},
		},
	})
	return sessionlog.Record{Type: "assistant", UUID: id, ParentUUID: parent, Message: msg}
}

func textRecord(typ, role, id, parent, text string) sessionlog.Record {
	msg, _ := json.Marshal(map[string]interface{}{"role": role, "content": text})
	return sessionlog.Record{Type: typ, UUID: id, ParentUUID: parent, Message: msg}
}

func TestResumeSession_PatchesDanglingToolCalls(t *testing.T) {
	fx := newFixture(t, nil)
	id := "crashed-session"

	require.NoError(t, fx.store.Create(id))
	require.NoError(t, fx.store.Append(id, textRecord("user", "user", "u1", "", "run the tests")))
	require.NoError(t, fx.store.Append(id, assistantToolUseRecord("a1", "u1", "tu_1")))

	p, err := fx.sup.ResumeSession(context.Background(), id, StartSpec{})
	require.NoError(t, err)
	require.NotNil(t, p)

	records, err := fx.store.ReadAll(id)
	require.NoError(t, err)
	require.Len(t, records, 3, "a cancellation record should have been appended")

	rec := sessionlog.Reconstruct(records)
	assert.Empty(t, rec.OrphanedToolUses)
	require.NotNil(t, rec.Tip)
	assert.Equal(t, records[2].UUID, rec.Tip.UUID)
}

func TestResumeSession_NativeResume(t *testing.T) {
	fx := newFixture(t, nil)
	fx.provider.supportsResume = true
	id := "native-session"

	require.NoError(t, fx.store.Create(id))
	require.NoError(t, fx.store.Append(id, textRecord("user", "user", "u1", "", "hello")))

	_, err := fx.sup.ResumeSession(context.Background(), id, StartSpec{})
	require.NoError(t, err)

	opts := fx.provider.startOpts(id)
	assert.Equal(t, id, opts.ResumeSessionID)
	assert.Empty(t, opts.History)
}

func TestResumeSession_HistoryBriefWithoutNativeResume(t *testing.T) {
	fx := newFixture(t, nil)
	id := "briefed-session"

	require.NoError(t, fx.store.Create(id))
	require.NoError(t, fx.store.Append(id, textRecord("user", "user", "u1", "", "fix the bug")))
	require.NoError(t, fx.store.Append(id, textRecord("assistant", "assistant", "a1", "u1", "on it")))

	_, err := fx.sup.ResumeSession(context.Background(), id, StartSpec{})
	require.NoError(t, err)

	opts := fx.provider.startOpts(id)
	assert.Empty(t, opts.ResumeSessionID)
	require.Len(t, opts.History, 2)
	assert.Equal(t, "fix the bug", opts.History[0].Text)
	assert.Equal(t, "assistant", opts.History[1].Role)
}

func TestResumeSession_ProjectPathFromIndex(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{ProjectPath: "/tmp/indexed"})
	require.NoError(t, err)
	id := a.SessionID()

	require.NoError(t, fx.sup.StopSession(id))
	<-a.Done()

	// Resume without a path; the index supplies the original one.
	_, err = fx.sup.ResumeSession(context.Background(), id, StartSpec{})
	require.NoError(t, err)

	opts := fx.provider.startOpts(id)
	assert.Equal(t, "/tmp/indexed", opts.CWD)
}

func TestShutdown(t *testing.T) {
	fx := newFixture(t, nil)

	a, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	b, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fx.sup.Shutdown(ctx)

	assert.Equal(t, process.StateTerminated, a.State())
	assert.Equal(t, process.StateTerminated, b.State())
	assert.Empty(t, fx.sup.ActiveSessions())
}

func TestJanitor_SweepRemovesExpiredSessions(t *testing.T) {
	fx := newFixture(t, nil)

	// An old finished session.
	require.NoError(t, fx.store.Create("old"))
	require.NoError(t, fx.index.Upsert(sessionindex.Session{
		ID:           "old",
		CreatedAt:    time.Now().Add(-48 * time.Hour),
		LastActiveAt: time.Now().Add(-48 * time.Hour),
	}))

	// A live session, equally old on paper, must survive.
	p, err := fx.sup.StartSession(context.Background(), StartSpec{})
	require.NoError(t, err)
	require.NoError(t, fx.index.Touch(p.SessionID(), time.Now().Add(-48*time.Hour)))

	j, err := NewJanitor(fx.sup, "@hourly", 24*time.Hour, testLogger())
	require.NoError(t, err)
	j.Sweep()

	assert.False(t, fx.store.Exists("old"))
	_, err = fx.index.Get("old")
	assert.ErrorIs(t, err, sessionindex.ErrNotFound)

	assert.True(t, fx.store.Exists(p.SessionID()))
}

func TestNewJanitor_InvalidInputs(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := NewJanitor(fx.sup, "not a schedule", time.Hour, testLogger())
	assert.Error(t, err)

	_, err = NewJanitor(fx.sup, "@hourly", 0, testLogger())
	assert.Error(t, err)
}

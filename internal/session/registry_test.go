package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"conduit/internal/agent"
	"conduit/internal/agent/agenttest"
	"conduit/internal/event"
	"conduit/internal/metrics"
	"conduit/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetByID(ctx context.Context, id uuid.UUID) (store.SessionRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.SessionRecord), args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, record store.SessionRecord) error {
	return m.Called(ctx, record).Error(0)
}

func newTestRegistry(t *testing.T, launcher *agenttest.Launcher, sessionStore Store) *Registry {
	t.Helper()
	registry := NewRegistry(Options{
		Runners:                agenttest.Runners(launcher, agenttest.LookPath),
		Store:                  sessionStore,
		Metrics:                metrics.NewRegistry(),
		SubscriberWriteTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.StopAll(ctx)
	})
	return registry
}

func startClaude(t *testing.T, registry *Registry, id uuid.UUID) (<-chan agent.Event, func()) {
	t.Helper()
	events, cancel, err := registry.StartSession(context.Background(), id, agent.VendorClaude, StartOptions{
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return events, cancel
}

func emit(t *testing.T, proc *agenttest.Process, line string) {
	t.Helper()
	if err := proc.Emit(line); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`, text)
}

func receiveInput(t *testing.T, proc *agenttest.Process) string {
	t.Helper()
	return event.ReceiveWithTimeout(t, proc.Inputs(), time.Second)
}

func TestSubscribersReceiveSameEventsInOrder(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()

	first, _ := startClaude(t, registry, id)
	streams := []<-chan agent.Event{first}
	for i := 0; i < 3; i++ {
		events, cancel, err := registry.Subscribe(id)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer cancel()
		streams = append(streams, events)
	}

	const total = 50
	proc := launcher.Last()
	for i := 0; i < total; i++ {
		emit(t, proc, assistantLine(fmt.Sprintf("message-%d", i)))
	}
	proc.Finish(nil)

	for index, stream := range streams {
		received := event.ExpectClosed(t, stream, 2*time.Second)
		if len(received) != total {
			t.Fatalf("subscriber %d: expected %d events, got %d", index, total, len(received))
		}
		for i, ev := range received {
			if want := fmt.Sprintf("message-%d", i); ev.Text != want {
				t.Fatalf("subscriber %d: expected %q at %d, got %q", index, want, i, ev.Text)
			}
		}
	}
}

func TestStartSessionRejectsLiveIDForEveryVendor(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	startClaude(t, registry, id)

	for _, vendor := range agent.Vendors {
		_, _, err := registry.StartSession(context.Background(), id, vendor, StartOptions{Prompt: "again"})
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("%s: expected ErrAlreadyRunning, got %v", vendor, err)
		}
	}
	if launcher.Launched() != 1 {
		t.Fatalf("expected a single launch, got %d", launcher.Launched())
	}
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := registry.StartSession(context.Background(), id, agent.VendorCodex, StartOptions{Prompt: "race"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for err := range results {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one start, got %d", started)
	}
}

func TestStartSessionUnknownVendor(t *testing.T) {
	registry := newTestRegistry(t, agenttest.NewLauncher(), nil)
	_, _, err := registry.StartSession(context.Background(), uuid.New(), agent.Vendor("cursor"), StartOptions{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestStartSessionFailureLeavesNoEntry(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := NewRegistry(Options{
		Runners: agenttest.Runners(launcher, agenttest.MissingLookPath),
		Metrics: metrics.NewRegistry(),
	})
	id := uuid.New()

	_, _, err := registry.StartSession(context.Background(), id, agent.VendorGemini, StartOptions{Prompt: "hi"})
	if !errors.Is(err, agent.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, _, err := registry.Subscribe(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after failed start, got %v", err)
	}

	spawnFailing := agenttest.NewLauncher()
	spawnFailing.FailWith(errors.New("exec format error"))
	registry = newTestRegistry(t, spawnFailing, nil)
	if _, _, err := registry.StartSession(context.Background(), id, agent.VendorClaude, StartOptions{Prompt: "hi"}); !errors.Is(err, agent.ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
	if len(registry.List()) != 0 {
		t.Fatal("expected no live sessions after spawn failure")
	}
}

func TestOperationsAfterSourceEndsReturnNotFound(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	events, _ := startClaude(t, registry, id)

	launcher.Last().Finish(nil)
	event.ExpectClosed(t, events, time.Second)

	if _, _, err := registry.Subscribe(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subscribe: expected ErrNotFound, got %v", err)
	}
	if err := registry.SendInput(id, Input{Text: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("send_input: expected ErrNotFound, got %v", err)
	}
	if err := registry.Stop(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stop: expected ErrNotFound, got %v", err)
	}

	// The id is free again once the previous process ended.
	startClaude(t, registry, id)
}

func TestStopEndsEverySubscriberAndSecondStopIsNotFound(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	events, _ := startClaude(t, registry, id)
	other, _, err := registry.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := registry.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	event.ExpectClosed(t, events, time.Second)
	event.ExpectClosed(t, other, time.Second)
	if !launcher.Last().Terminated() {
		t.Fatal("expected process to be terminated")
	}
	if err := registry.Stop(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second stop, got %v", err)
	}
	if err := registry.SendInput(id, Input{Text: "late"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after stop, got %v", err)
	}
}

func TestSendInputWritesToProcess(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	startClaude(t, registry, id)
	proc := launcher.Last()
	receiveInput(t, proc)

	if err := registry.SendInput(id, Input{Text: "next step"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	line := receiveInput(t, proc)
	if !strings.Contains(line, `"text":"next step"`) {
		t.Fatalf("unexpected input line %q", line)
	}
}

func TestSendInputUnsupportedWithoutRetainedSink(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	if _, _, err := registry.StartSession(context.Background(), id, agent.VendorCodex, StartOptions{Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := registry.SendInput(id, Input{Text: "more"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if err := registry.RespondToControl(id, "req-1", json.RawMessage(`{}`)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for control, got %v", err)
	}
}

func TestRespondToControlWritesEnvelope(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	id := uuid.New()
	startClaude(t, registry, id)
	proc := launcher.Last()
	receiveInput(t, proc)

	if err := registry.RespondToControl(id, "req-7", json.RawMessage(`{"behavior":"allow"}`)); err != nil {
		t.Fatalf("respond: %v", err)
	}
	want := `{"type":"control_response","response":{"subtype":"success","request_id":"req-7","response":{"behavior":"allow"}}}` + "\n"
	if line := receiveInput(t, proc); line != want {
		t.Fatalf("unexpected control line:\n got %s\nwant %s", line, want)
	}
	if err := registry.RespondToControl(uuid.New(), "req-8", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionInitPersistsAgentSessionID(t *testing.T) {
	launcher := agenttest.NewLauncher()
	sessionStore := new(mockStore)
	registry := newTestRegistry(t, launcher, sessionStore)
	id := uuid.New()

	sessionStore.On("GetByID", mock.Anything, id).Return(store.SessionRecord{ID: id, AgentType: "claude"}, nil).Once()
	sessionStore.On("Update", mock.Anything, mock.MatchedBy(func(record store.SessionRecord) bool {
		return record.ID == id && record.AgentSessionID == "vendor-1"
	})).Return(nil).Once()

	events, _ := startClaude(t, registry, id)
	emit(t, launcher.Last(), `{"type":"system","subtype":"init","session_id":"vendor-1"}`)
	if ev := event.ReceiveWithTimeout(t, events, time.Second); ev.Kind != agent.EventSessionInit {
		t.Fatalf("expected session_init, got %#v", ev)
	}
	sessionStore.AssertExpectations(t)
}

func TestSessionInitSkipsWriteWhenUnchanged(t *testing.T) {
	launcher := agenttest.NewLauncher()
	sessionStore := new(mockStore)
	registry := newTestRegistry(t, launcher, sessionStore)
	id := uuid.New()

	sessionStore.On("GetByID", mock.Anything, id).Return(store.SessionRecord{ID: id, AgentSessionID: "vendor-1"}, nil)

	events, _ := startClaude(t, registry, id)
	emit(t, launcher.Last(), `{"type":"system","subtype":"init","session_id":"vendor-1"}`)
	event.ReceiveWithTimeout(t, events, time.Second)

	sessionStore.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestPersistFailureDoesNotInterruptStream(t *testing.T) {
	launcher := agenttest.NewLauncher()
	sessionStore := new(mockStore)
	registry := newTestRegistry(t, launcher, sessionStore)
	id := uuid.New()

	sessionStore.On("GetByID", mock.Anything, id).Return(store.SessionRecord{}, store.ErrNotFound)

	events, _ := startClaude(t, registry, id)
	proc := launcher.Last()
	emit(t, proc, `{"type":"system","subtype":"init","session_id":"vendor-2"}`)
	emit(t, proc, assistantLine("still streaming"))

	event.ReceiveWithTimeout(t, events, time.Second)
	if ev := event.ReceiveWithTimeout(t, events, time.Second); ev.Text != "still streaming" {
		t.Fatalf("expected stream to continue, got %#v", ev)
	}
}

func TestListAndStopAll(t *testing.T) {
	launcher := agenttest.NewLauncher()
	registry := newTestRegistry(t, launcher, nil)
	first := uuid.New()
	second := uuid.New()
	startClaude(t, registry, first)
	if _, _, err := registry.StartSession(context.Background(), second, agent.VendorGemini, StartOptions{Prompt: "hi"}); err != nil {
		t.Fatalf("start gemini: %v", err)
	}

	infos := registry.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(infos))
	}
	if vendor, ok := registry.Vendor(second); !ok || vendor != agent.VendorGemini {
		t.Fatalf("expected gemini vendor, got %q (%v)", vendor, ok)
	}
	for _, info := range infos {
		if info.Subscribers != 1 {
			t.Fatalf("expected one subscriber for %s, got %d", info.SessionID, info.Subscribers)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(registry.List()) != 0 {
		t.Fatal("expected no live sessions after StopAll")
	}
}

func TestAvailableReportsRunners(t *testing.T) {
	registry := NewRegistry(Options{
		Runners: agenttest.Runners(agenttest.NewLauncher(), agenttest.MissingLookPath),
		Metrics: metrics.NewRegistry(),
	})
	for vendor, available := range registry.Available() {
		if available {
			t.Fatalf("expected %s to be unavailable", vendor)
		}
	}
}

package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/handoff"
	"github.com/kalambet/tutor/internal/persona"
	"github.com/kalambet/tutor/internal/progress"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Mock recorder ---

type mockRecorder struct {
	mu      sync.Mutex
	records []progress.Record
	err     error
}

func (r *mockRecorder) AppendAndAggregate(_ context.Context, rec progress.Record) (progress.MasteryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return progress.MasteryEntry{}, r.err
	}
	r.records = append(r.records, rec)
	return progress.MasteryEntry{}.Apply(rec), nil
}

func (r *mockRecorder) snapshot() []progress.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Record(nil), r.records...)
}

// --- Mock responder ---

type mockResponder struct {
	mu    sync.Mutex
	calls []persona.ID
	err   error
}

func (r *mockResponder) Reply(_ context.Context, p persona.Definition, topic *catalog.Topic, _ []conversation.Item) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p.Key)
	if r.err != nil {
		return "", r.err
	}
	if topic != nil {
		return "Hi, I'm " + p.DisplayName() + ". Let's work on " + topic.Title + ".", nil
	}
	return "Hi, I'm " + p.DisplayName() + ".", nil
}

// blockingResponder holds every reply until release is closed or ctx ends.
type blockingResponder struct {
	started chan persona.ID
	release chan struct{}
}

func (r *blockingResponder) Reply(ctx context.Context, p persona.Definition, _ *catalog.Topic, _ []conversation.Item) (string, error) {
	r.started <- p.Key
	select {
	case <-r.release:
		return "Hi, I'm " + p.DisplayName() + ".", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Helpers ---

func newTestManager(t *testing.T, opts Options) (*Manager, *mockRecorder, *mockClock) {
	t.Helper()
	rec := &mockRecorder{}
	clock := &mockClock{now: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)}
	m := NewManagerWithClock(persona.Tutor(), catalog.Default(), rec, opts, clock)
	t.Cleanup(m.Shutdown)
	return m, rec, clock
}

func mustCreate(t *testing.T, m *Manager) Snapshot {
	t.Helper()
	snap, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return snap
}

// --- Tests ---

func TestCreate_StartsWithGreeter(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	snap := mustCreate(t, m)

	if snap.ID == "" {
		t.Fatal("expected a session id")
	}
	if snap.State.ActivePersona != persona.Greeter || snap.State.TurnCounter != 0 {
		t.Errorf("state = %+v", snap.State)
	}
	if snap.Contexts[persona.Greeter] != 1 {
		t.Errorf("greeter context size = %d, want 1 status line", snap.Contexts[persona.Greeter])
	}
	if snap.Topic != nil {
		t.Errorf("topic = %+v, want none", snap.Topic)
	}

	got, err := m.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != snap.ID {
		t.Errorf("Get returned session %q", got.ID)
	}
}

func TestGet_Unknown(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransfer_RecordsCompletedMode(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	if _, err := m.Transfer(ctx, snap.ID, persona.Learn, "loops"); err != nil {
		t.Fatalf("Transfer to learn: %v", err)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("leaving the greeter recorded %d outcomes, want 0", n)
	}

	st, err := m.Transfer(ctx, snap.ID, persona.Quiz, "")
	if err != nil {
		t.Fatalf("Transfer to quiz: %v", err)
	}
	if st.ActivePersona != persona.Quiz || st.CurrentTopic != "loops" {
		t.Errorf("state = %+v", st)
	}

	records := rec.snapshot()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].TopicID != "loops" || records[0].Mode != progress.ModeTeach || records[0].Score != nil {
		t.Errorf("record = %+v, want a scoreless teach record for loops", records[0])
	}

	// Leaving quiz for a new topic records the quiz against the old topic.
	if _, err := m.Transfer(ctx, snap.ID, persona.Learn, "functions"); err != nil {
		t.Fatalf("Transfer back to learn: %v", err)
	}
	records = rec.snapshot()
	if len(records) != 2 || records[1].TopicID != "loops" || records[1].Mode != progress.ModeAssess {
		t.Errorf("records = %+v", records)
	}
}

func TestTransfer_StoreFailureDoesNotBlockHandoff(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	if _, err := m.Transfer(ctx, snap.ID, persona.Learn, "variables"); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	rec.err = &progress.StoreError{Op: "append", Err: errors.New("read-only filesystem")}
	rec.mu.Unlock()

	st, err := m.Transfer(ctx, snap.ID, persona.TeachBack, "")
	if err != nil {
		t.Fatalf("transfer should succeed in degraded mode: %v", err)
	}
	if st.ActivePersona != persona.TeachBack {
		t.Errorf("active persona = %q", st.ActivePersona)
	}
}

func TestTransfer_InvalidLeavesSessionUntouched(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	if _, err := m.Transfer(ctx, snap.ID, persona.Quiz, "conditionals"); err != nil {
		t.Fatal(err)
	}
	before, _ := m.Get(snap.ID)

	_, err := m.Transfer(ctx, snap.ID, persona.Greeter, "loops")
	if !errors.Is(err, handoff.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	after, _ := m.Get(snap.ID)
	if after.State != before.State {
		t.Errorf("state changed: %+v -> %+v", before.State, after.State)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("rejected transfer recorded %d outcomes", n)
	}
}

func TestDeliver(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	accepted, err := m.Deliver(ctx, snap.ID, persona.Greeter, conversation.NewMessage(conversation.RoleUser, "I want to learn loops"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("accepted %d items", len(accepted))
	}
	if _, err := m.Deliver(ctx, snap.ID, persona.Learn, conversation.NewMessage(conversation.RoleUser, "hi")); !errors.Is(err, handoff.ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}

	items, err := m.Context(snap.ID, persona.Greeter)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if len(items) != 2 || items[1].Text() != "I want to learn loops" {
		t.Errorf("greeter context = %+v", items)
	}
}

func TestScore(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	if _, err := m.Score(ctx, snap.ID, 80, "good"); !errors.Is(err, handoff.ErrNoActiveTopic) {
		t.Fatalf("err = %v, want ErrNoActiveTopic", err)
	}

	if _, err := m.Transfer(ctx, snap.ID, persona.TeachBack, "functions"); err != nil {
		t.Fatal(err)
	}
	res, err := m.Score(ctx, snap.ID, 150, "Clear and complete.")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Score != 100 {
		t.Errorf("score = %d, want clamped 100", res.Score)
	}
	if res.Message != "Recorded your teach-back score for Functions: 100/100. Clear and complete." {
		t.Errorf("message = %q", res.Message)
	}
	records := rec.snapshot()
	last := records[len(records)-1]
	if last.Mode != progress.ModeRecall || last.Score == nil || *last.Score != 100 || last.Note != "Clear and complete." {
		t.Errorf("record = %+v", last)
	}
}

func TestRecordOutcome_UnknownTopic(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	snap := mustCreate(t, m)

	_, err := m.RecordOutcome(context.Background(), snap.ID, "astrophysics", progress.ModeTeach, nil, "")
	if !errors.Is(err, handoff.ErrUnknownTopic) {
		t.Errorf("err = %v, want ErrUnknownTopic", err)
	}
}

func TestSubscribe_ReceivesEnterAndClose(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()
	snap := mustCreate(t, m)

	events, cancel, err := m.Subscribe(snap.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := m.Transfer(ctx, snap.ID, persona.Learn, "loops"); err != nil {
		t.Fatal(err)
	}
	ev := <-events
	if ev.Type != EventEnter || ev.Persona != persona.Learn || ev.PersonaName != "Matthew" {
		t.Errorf("event = %+v", ev)
	}
	if ev.State.CurrentTopic != "loops" || ev.State.TurnCounter != 1 {
		t.Errorf("event state = %+v", ev.State)
	}
	if ev.Text != "Connecting you to Matthew." {
		t.Errorf("event text = %q", ev.Text)
	}

	if err := m.Close(snap.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev = <-events
	if ev.Type != EventClosed {
		t.Errorf("event type = %q, want closed", ev.Type)
	}
	if _, ok := <-events; ok {
		t.Error("channel should be closed after the session ends")
	}
	if _, err := m.Get(snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("closed session still reachable: %v", err)
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	snap := mustCreate(t, m)

	events, cancel, err := m.Subscribe(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestResponder_VoicesEntry(t *testing.T) {
	resp := &mockResponder{}
	m, _, _ := newTestManager(t, Options{Responder: resp})
	ctx := context.Background()
	snap := mustCreate(t, m)

	if _, err := m.Transfer(ctx, snap.ID, persona.Quiz, "variables"); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	if len(resp.calls) != 2 || !slices.Contains(resp.calls, persona.Greeter) || !slices.Contains(resp.calls, persona.Quiz) {
		t.Errorf("responder calls = %v, want greeter and quiz", resp.calls)
	}
	items, err := m.Context(snap.ID, persona.Quiz)
	if err != nil {
		t.Fatal(err)
	}
	last := items[len(items)-1]
	if last.Role != conversation.RoleAgent || !strings.Contains(last.Text(), "Alicia") {
		t.Errorf("last quiz item = %+v, want the agent greeting", last)
	}
}

func TestResponder_FailureIsNotFatal(t *testing.T) {
	resp := &mockResponder{err: errors.New("ollama down")}
	m, _, _ := newTestManager(t, Options{Responder: resp})
	snap := mustCreate(t, m)

	st, err := m.Transfer(context.Background(), snap.ID, persona.Learn, "loops")
	if err != nil {
		t.Fatalf("transfer should not fail when the responder does: %v", err)
	}
	m.Wait()
	if st.ActivePersona != persona.Learn {
		t.Errorf("active persona = %q", st.ActivePersona)
	}
}

func TestResponder_DoesNotHoldSessionLock(t *testing.T) {
	resp := &blockingResponder{started: make(chan persona.ID, 4), release: make(chan struct{})}
	m, _, _ := newTestManager(t, Options{Responder: resp})
	ctx := context.Background()
	snap := mustCreate(t, m)
	<-resp.started // greeter

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.Transfer(ctx, snap.ID, persona.Learn, "loops"); err != nil {
			t.Errorf("Transfer: %v", err)
		}
		m.List()
		if _, err := m.Get(snap.ID); err != nil {
			t.Errorf("Get: %v", err)
		}
		if _, err := m.Context(snap.ID, persona.Learn); err != nil {
			t.Errorf("Context: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session calls blocked behind an in-flight model reply")
	}
	if got := <-resp.started; got != persona.Learn {
		t.Errorf("reply started for %q, want learn", got)
	}

	close(resp.release)
	m.Wait()

	items, err := m.Context(snap.ID, persona.Learn)
	if err != nil {
		t.Fatal(err)
	}
	last := items[len(items)-1]
	if last.Role != conversation.RoleAgent || last.Text() != "Hi, I'm Matthew." {
		t.Errorf("last learn item = %q, want the learn greeting", last.Text())
	}

	// The greeter reply finished after the handoff and must not land anywhere.
	greeter, _ := m.Context(snap.ID, persona.Greeter)
	for _, it := range greeter {
		if it.Role == conversation.RoleAgent {
			t.Errorf("stale greeter reply delivered: %q", it.Text())
		}
	}
}

func TestResponder_DroppedWhenSessionCloses(t *testing.T) {
	resp := &blockingResponder{started: make(chan persona.ID, 1), release: make(chan struct{})}
	m, _, _ := newTestManager(t, Options{Responder: resp})
	snap := mustCreate(t, m)
	<-resp.started

	events, cancel, err := m.Subscribe(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if err := m.Close(snap.ID); err != nil {
		t.Fatal(err)
	}
	close(resp.release)
	m.Wait()

	for ev := range events {
		if ev.Type == EventReply {
			t.Errorf("reply published after close: %+v", ev)
		}
	}
}

func TestShutdown_CancelsInFlightReplies(t *testing.T) {
	resp := &blockingResponder{started: make(chan persona.ID, 1), release: make(chan struct{})}
	m, _, _ := newTestManager(t, Options{Responder: resp})
	mustCreate(t, m)
	<-resp.started

	finished := make(chan struct{})
	go func() {
		m.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not cancel the pending reply")
	}
}

func TestReap(t *testing.T) {
	m, _, clock := newTestManager(t, Options{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()
	idle := mustCreate(t, m)
	clock.Advance(6 * time.Minute)
	busy := mustCreate(t, m)

	clock.Advance(5 * time.Minute)
	if _, err := m.Deliver(ctx, busy.ID, persona.Greeter, conversation.NewMessage(conversation.RoleUser, "still here")); err != nil {
		t.Fatal(err)
	}

	if n := m.Reap(); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if _, err := m.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("idle session not reaped: %v", err)
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Errorf("busy session reaped: %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0].ID != busy.ID {
		t.Errorf("List() = %+v", got)
	}
}

func TestReap_Disabled(t *testing.T) {
	m, _, clock := newTestManager(t, Options{})
	mustCreate(t, m)
	clock.Advance(24 * time.Hour)
	if n := m.Reap(); n != 0 {
		t.Errorf("reaped %d sessions with no idle timeout", n)
	}
}

func TestRunReaper_StopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(t, Options{IdleTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReaper did not return after cancel")
	}
}

func TestRunReaper_ReapsOnEveryTick(t *testing.T) {
	m, _, clock := newTestManager(t, Options{IdleTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitEmpty := func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for len(m.List()) != 0 {
			if time.Now().After(deadline) {
				t.Fatal("idle session was not reaped")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	mustCreate(t, m)
	clock.Advance(2 * time.Minute)
	waitEmpty()

	// The ticker keeps firing after the first reap.
	mustCreate(t, m)
	clock.Advance(2 * time.Minute)
	waitEmpty()
}

func TestConcurrentSessions(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()

	const sessions = 20
	var wg sync.WaitGroup
	for range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Create(ctx)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			for _, step := range []persona.ID{persona.Learn, persona.Quiz, persona.TeachBack} {
				if _, err := m.Transfer(ctx, snap.ID, step, "loops"); err != nil {
					t.Errorf("Transfer(%s): %v", step, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := len(m.List()); got != sessions {
		t.Errorf("live sessions = %d, want %d", got, sessions)
	}
	// Each session leaves learn and quiz once.
	if got := len(rec.snapshot()); got != 2*sessions {
		t.Errorf("recorded %d outcomes, want %d", got, 2*sessions)
	}
}

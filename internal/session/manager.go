package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/handoff"
	"github.com/kalambet/tutor/internal/persona"
	"github.com/kalambet/tutor/internal/progress"
)

// Options configures a Manager.
type Options struct {
	KeepLastN       int
	MaxContextItems int
	// IdleTimeout retires sessions with no activity for this long. 0 keeps
	// sessions until they are closed explicitly.
	IdleTimeout time.Duration
	// Responder, when set, voices each persona's opening line on entry. It
	// runs in the background without holding the session lock.
	Responder Responder
	// ReplyTimeout bounds each Responder call. Defaults to 30s.
	ReplyTimeout time.Duration
	Logger       *slog.Logger
}

const defaultReplyTimeout = 30 * time.Second

// Manager owns every live session.
type Manager struct {
	personas *persona.Registry
	topics   *catalog.Catalog
	outcomes handoff.OutcomeRecorder
	opts     Options
	clock    Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// Background entry replies.
	replyCtx    context.Context
	stopReplies context.CancelFunc
	replies     sync.WaitGroup
}

// NewManager creates a Manager. outcomes may be nil, in which case progress
// tracking is unavailable and outcome requests fail with progress.ErrStore.
func NewManager(personas *persona.Registry, topics *catalog.Catalog, outcomes handoff.OutcomeRecorder, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	replyCtx, stopReplies := context.WithCancel(context.Background())
	return &Manager{
		personas:    personas,
		topics:      topics,
		outcomes:    outcomes,
		opts:        opts,
		clock:       realClock{},
		logger:      logger,
		sessions:    make(map[string]*Session),
		replyCtx:    replyCtx,
		stopReplies: stopReplies,
	}
}

// Wait blocks until every in-flight entry reply has been delivered or
// dropped.
func (m *Manager) Wait() {
	m.replies.Wait()
}

// Shutdown cancels in-flight entry replies and waits for them to finish.
func (m *Manager) Shutdown() {
	m.stopReplies()
	m.replies.Wait()
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(personas *persona.Registry, topics *catalog.Catalog, outcomes handoff.OutcomeRecorder, opts Options, clock Clock) *Manager {
	m := NewManager(personas, topics, outcomes, opts)
	m.clock = clock
	return m
}

// Create starts a new session with the entry persona active and runs its
// entry behavior.
func (m *Manager) Create(ctx context.Context) (Snapshot, error) {
	now := m.clock.Now()
	s := &Session{
		id:         uuid.NewString(),
		createdAt:  now,
		lastActive: now,
		subs:       make(map[int]chan Event),
	}
	s.router = handoff.NewRouter(m.personas, m.topics, m.outcomes, handoff.Options{
		KeepLastN:       m.opts.KeepLastN,
		MaxContextItems: m.opts.MaxContextItems,
		OnEnter:         m.onEnter(s),
		Logger:          m.logger.With("session", s.id),
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.router.Start(ctx)
	m.logger.Info("session started", "session", s.id, "persona", s.router.State().ActivePersona)
	return s.snapshot(m.personas, m.topics), nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()
	return s.snapshot(m.personas, m.topics), nil
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		if !s.closed {
			out = append(out, s.snapshot(m.personas, m.topics))
		}
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close ends the session and disconnects its subscribers.
func (m *Manager) Close(id string) error {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()
	m.closeLocked(s, "closed")
	return nil
}

// Context returns a copy of a persona's context in the session.
func (m *Manager) Context(id string, personaID persona.ID) ([]conversation.Item, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.router.Context(personaID)
}

// Deliver appends driver turns to the active persona's context.
func (m *Manager) Deliver(ctx context.Context, id string, personaID persona.ID, items ...conversation.Item) ([]conversation.Item, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	s.lastActive = m.clock.Now()
	return s.router.Deliver(personaID, items...)
}

// Transfer hands the session to target. Leaving a teaching or quizzing
// persona with a topic set records that activity; a failure to record is
// logged and does not undo the transfer.
func (m *Manager) Transfer(ctx context.Context, id string, target persona.ID, topic string) (handoff.State, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return handoff.State{}, err
	}
	defer unlock()

	leaving := s.router.Active()
	leftTopic := s.router.State().CurrentTopic

	st, err := s.router.RequestTransfer(ctx, target, topic)
	if err != nil {
		return st, err
	}
	s.lastActive = m.clock.Now()

	if leftTopic != "" && (leaving.Mode == progress.ModeTeach || leaving.Mode == progress.ModeAssess) {
		note := fmt.Sprintf("completed %s session", leaving.Key)
		if _, err := s.router.RecordOutcome(ctx, leftTopic, leaving.Mode, nil, note); err != nil {
			m.logger.Warn("recording completed mode failed", "session", s.id, "topic", leftTopic, "mode", leaving.Mode, "error", err)
		}
	}
	return st, nil
}

// RecordOutcome stores an explicit outcome for topic.
func (m *Manager) RecordOutcome(ctx context.Context, id, topic string, mode progress.Mode, score *int, note string) (progress.MasteryEntry, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return progress.MasteryEntry{}, err
	}
	defer unlock()
	s.lastActive = m.clock.Now()

	entry, err := s.router.RecordOutcome(ctx, topic, mode, score, note)
	if err != nil {
		return entry, err
	}
	s.publish(m.event(s, EventOutcome, fmt.Sprintf("%s recorded for %s", mode, m.topics.Title(topic))))
	return entry, nil
}

// ScoreResult is the outcome of scoring a teach-back explanation.
type ScoreResult struct {
	Topic   catalog.Topic         `json:"topic"`
	Score   int                   `json:"score"`
	Message string                `json:"message"`
	Mastery progress.MasteryEntry `json:"mastery"`
}

// Score records a teach-back score for the session's current topic. The
// score is clamped into range. Fails with handoff.ErrNoActiveTopic when the
// session has no topic.
func (m *Manager) Score(ctx context.Context, id string, score int, feedback string) (ScoreResult, error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return ScoreResult{}, err
	}
	defer unlock()
	s.lastActive = m.clock.Now()

	topicID := s.router.State().CurrentTopic
	if topicID == "" {
		return ScoreResult{}, handoff.ErrNoActiveTopic
	}
	topic, _ := m.topics.Lookup(topicID)

	clamped := progress.ClampScore(score)
	entry, err := s.router.RecordOutcome(ctx, topicID, progress.ModeRecall, &clamped, feedback)
	if err != nil {
		return ScoreResult{}, err
	}

	msg := fmt.Sprintf("Recorded your teach-back score for %s: %d/100.", topic.Title, clamped)
	if feedback != "" {
		msg += " " + feedback
	}
	s.publish(m.event(s, EventOutcome, msg))
	return ScoreResult{Topic: topic, Score: clamped, Message: msg, Mastery: entry}, nil
}

// Subscribe returns a channel of the session's events and a func that
// cancels the subscription. The channel is closed when the session ends or
// the subscription is cancelled.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	s, unlock, err := m.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	ch := make(chan Event, subscriberBuffer)
	key := s.nextSub
	s.nextSub++
	s.subs[key] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[key]; ok {
			delete(s.subs, key)
			close(c)
		}
	}
	return ch, cancel, nil
}

// Reap closes sessions idle for longer than the idle timeout and returns how
// many were closed.
func (m *Manager) Reap() int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range all {
		s.mu.Lock()
		if !s.closed && s.lastActive.Before(cutoff) {
			m.closeLocked(s, "idle")
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// acquire looks up a live session and locks it.
func (m *Manager) acquire(id string) (*Session, func(), error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, s.mu.Unlock, nil
}

// closeLocked retires s. Callers hold s.mu.
func (m *Manager) closeLocked(s *Session, reason string) {
	s.closed = true
	s.publish(m.event(s, EventClosed, reason))
	for key, ch := range s.subs {
		delete(s.subs, key)
		close(ch)
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	st := s.router.State()
	m.logger.Info("session closed", "session", s.id, "reason", reason, "handoffs", st.TurnCounter)
}

// onEnter builds the entry behavior for s. It runs inside Router calls, so
// s.mu is already held; it only publishes and snapshots. The model call
// happens in voiceEntry once the caller has released the lock.
func (m *Manager) onEnter(s *Session) handoff.EnterFunc {
	return func(_ context.Context, ev handoff.EnterEvent) {
		s.publish(m.event(s, EventEnter, fmt.Sprintf("Connecting you to %s.", ev.Persona.DisplayName())))

		if m.opts.Responder == nil {
			return
		}
		var topic *catalog.Topic
		if t, ok := m.topics.Lookup(ev.State.CurrentTopic); ok {
			topic = &t
		}
		history, _ := s.router.Context(ev.Persona.Key)

		m.replies.Add(1)
		go m.voiceEntry(s.id, ev, topic, history)
	}
}

// voiceEntry asks the Responder for the entering persona's opening line and
// delivers it, unless the session closed or moved on in the meantime.
func (m *Manager) voiceEntry(id string, ev handoff.EnterEvent, topic *catalog.Topic, history []conversation.Item) {
	defer m.replies.Done()

	ctx, cancel := context.WithTimeout(m.replyCtx, m.opts.ReplyTimeout)
	defer cancel()

	text, err := m.opts.Responder.Reply(ctx, ev.Persona, topic, history)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn("persona reply failed", "session", id, "persona", ev.Persona.Key, "error", err)
		}
		return
	}

	s, unlock, err := m.acquire(id)
	if err != nil {
		m.logger.Debug("dropping persona reply", "session", id, "persona", ev.Persona.Key, "reason", "session closed")
		return
	}
	defer unlock()

	st := s.router.State()
	if st.ActivePersona != ev.Persona.Key || st.TurnCounter != ev.State.TurnCounter {
		m.logger.Debug("dropping persona reply", "session", id, "persona", ev.Persona.Key, "reason", "persona no longer active")
		return
	}
	if _, err := s.router.Deliver(ev.Persona.Key, conversation.NewMessage(conversation.RoleAgent, text)); err != nil {
		m.logger.Warn("delivering persona reply failed", "session", id, "persona", ev.Persona.Key, "error", err)
		return
	}
	s.publish(m.event(s, EventReply, text))
}

// event builds an Event for the session's current state. Callers hold s.mu.
func (m *Manager) event(s *Session, typ, text string) Event {
	active := s.router.Active()
	return Event{
		Type:        typ,
		SessionID:   s.id,
		Persona:     active.Key,
		PersonaName: active.DisplayName(),
		Voice:       active.Voice,
		State:       s.router.State(),
		Text:        text,
		Time:        m.clock.Now(),
	}
}

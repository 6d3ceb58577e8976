// Package handoff routes control of a tutoring session between personas.
//
// A Router owns one session: the active persona, the shared state, and each
// persona's conversation context. It is not safe for concurrent use; the
// dialogue driver delivers turns one at a time and callers that cannot
// guarantee that must serialize access themselves.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/persona"
	"github.com/kalambet/tutor/internal/progress"
)

// State is the session-scoped data the Router mutates. Empty strings mean
// "none" for PreviousPersona and CurrentTopic.
type State struct {
	ActivePersona   persona.ID `json:"active_persona"`
	PreviousPersona persona.ID `json:"previous_persona,omitempty"`
	CurrentTopic    string     `json:"current_topic,omitempty"`
	TurnCounter     int        `json:"turn_counter"`
}

// TopicLookup resolves topic ids. Implemented by catalog.Catalog.
type TopicLookup interface {
	Lookup(id string) (catalog.Topic, bool)
}

// OutcomeRecorder persists completed modes. Implemented by progress.Store.
type OutcomeRecorder interface {
	AppendAndAggregate(ctx context.Context, rec progress.Record) (progress.MasteryEntry, error)
}

// EnterEvent describes a persona taking over the session.
type EnterEvent struct {
	Persona persona.Definition
	State   State
}

// EnterFunc is the persona entry behavior. It runs exactly once per
// successful transfer, after the state change is committed.
type EnterFunc func(ctx context.Context, ev EnterEvent)

// Options tunes a Router. Zero values select the defaults.
type Options struct {
	// KeepLastN is the carry-over window size. Defaults to
	// conversation.DefaultKeepLastN.
	KeepLastN int
	// MaxContextItems caps each persona's retained context. 0 is unbounded.
	MaxContextItems int
	OnEnter         EnterFunc
	Logger          *slog.Logger
}

// Router is the handoff state machine for one session.
type Router struct {
	personas *persona.Registry
	topics   TopicLookup
	outcomes OutcomeRecorder
	opts     Options
	logger   *slog.Logger

	started  bool
	state    State
	contexts map[persona.ID][]conversation.Item
}

// NewRouter creates a Router whose active persona is the registry's entry
// persona. outcomes may be nil, in which case RecordOutcome fails with
// progress.ErrStore.
func NewRouter(personas *persona.Registry, topics TopicLookup, outcomes OutcomeRecorder, opts Options) *Router {
	if opts.KeepLastN <= 0 {
		opts.KeepLastN = conversation.DefaultKeepLastN
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		personas: personas,
		topics:   topics,
		outcomes: outcomes,
		opts:     opts,
		logger:   logger,
		state:    State{ActivePersona: personas.Entry()},
		contexts: make(map[persona.ID][]conversation.Item),
	}
}

// State returns a copy of the session state.
func (r *Router) State() State { return r.state }

// Active returns the definition of the active persona.
func (r *Router) Active() persona.Definition {
	d, _ := r.personas.Lookup(r.state.ActivePersona)
	return d
}

// Context returns a copy of the persona's conversation context.
func (r *Router) Context(id persona.ID) ([]conversation.Item, error) {
	if _, ok := r.personas.Lookup(id); !ok {
		return nil, &TransferError{Kind: ErrUnknownPersona, To: id}
	}
	return slices.Clone(r.contexts[id]), nil
}

// Start runs the entry persona's entry behavior. It does nothing after the
// first call or once a transfer has happened.
func (r *Router) Start(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	entry := r.Active()
	r.appendStatus(entry)
	r.enter(ctx, entry)
}

// Deliver appends a driver turn to the active persona's context. Items
// without an id get a fresh one. personaID must name the active persona so
// a stale driver cannot write into a background context.
func (r *Router) Deliver(personaID persona.ID, items ...conversation.Item) ([]conversation.Item, error) {
	if _, ok := r.personas.Lookup(personaID); !ok {
		return nil, &TransferError{Kind: ErrUnknownPersona, To: personaID}
	}
	if personaID != r.state.ActivePersona {
		return nil, &TransferError{Kind: ErrNotActive, From: r.state.ActivePersona, To: personaID}
	}

	accepted := make([]conversation.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if err := it.Validate(); err != nil {
			return nil, err
		}
		accepted = append(accepted, it)
	}

	ctxItems := conversation.Merge(r.contexts[personaID], accepted)
	r.contexts[personaID] = conversation.Bound(ctxItems, r.opts.MaxContextItems)
	return accepted, nil
}

// RequestTransfer hands the session to target, optionally switching the
// current topic. On any error the state and all contexts are unchanged.
func (r *Router) RequestTransfer(ctx context.Context, target persona.ID, topic string) (State, error) {
	current := r.Active()

	next, ok := r.personas.Lookup(target)
	if !ok {
		return r.state, &TransferError{Kind: ErrUnknownPersona, From: current.Key, To: target}
	}
	if !current.Allows(target) {
		return r.state, &TransferError{Kind: ErrInvalidTransition, From: current.Key, To: target}
	}
	newTopic := r.state.CurrentTopic
	if topic != "" {
		if _, ok := r.topics.Lookup(topic); !ok {
			return r.state, &TransferError{Kind: ErrUnknownTopic, From: current.Key, To: target, Topic: topic}
		}
		newTopic = topic
	}

	// Validation passed; everything below always completes.
	r.state.CurrentTopic = newTopic

	carry := conversation.Truncate(r.contexts[current.Key], conversation.WindowOptions{
		KeepLastN:     r.opts.KeepLastN,
		KeepToolItems: true,
	})
	r.contexts[target] = conversation.Merge(r.contexts[target], carry)
	r.appendStatus(next)

	r.state.PreviousPersona = current.Key
	r.state.ActivePersona = target
	r.state.TurnCounter++
	r.started = true

	r.logger.Info("persona handoff",
		"from", current.Key,
		"to", target,
		"topic", r.state.CurrentTopic,
		"carried", len(carry),
		"turn", r.state.TurnCounter,
	)

	r.enter(ctx, next)
	return r.state, nil
}

// RecordOutcome stores the result of a completed mode for topic. Scores are
// clamped into [0, 100] rather than rejected. The session state is not
// touched.
func (r *Router) RecordOutcome(ctx context.Context, topic string, mode progress.Mode, score *int, note string) (progress.MasteryEntry, error) {
	if _, ok := r.topics.Lookup(topic); !ok {
		return progress.MasteryEntry{}, &TransferError{Kind: ErrUnknownTopic, From: r.state.ActivePersona, Topic: topic}
	}
	if r.outcomes == nil {
		return progress.MasteryEntry{}, &progress.StoreError{Op: "append", Err: fmt.Errorf("no progress store configured")}
	}

	rec := progress.Record{TopicID: topic, Mode: mode, Note: note}
	if score != nil {
		clamped := progress.ClampScore(*score)
		rec.Score = &clamped
	}
	return r.outcomes.AppendAndAggregate(ctx, rec)
}

// StatusLine is the grounding message appended to a persona's context when
// it takes over.
func (r *Router) StatusLine(p persona.Definition) string {
	summary := "Active recall tutor - ready to help you learn!"
	if r.state.CurrentTopic != "" {
		title := r.state.CurrentTopic
		if t, ok := r.topics.Lookup(r.state.CurrentTopic); ok {
			title = t.Title
		}
		summary = "Currently learning about: " + title
	}
	return fmt.Sprintf("You are %s, the %s persona. %s", p.DisplayName(), p.Key, summary)
}

func (r *Router) appendStatus(p persona.Definition) {
	status := conversation.NewMessage(conversation.RoleSystem, r.StatusLine(p))
	items := append(r.contexts[p.Key], status)
	r.contexts[p.Key] = conversation.Bound(items, r.opts.MaxContextItems)
}

func (r *Router) enter(ctx context.Context, p persona.Definition) {
	if r.opts.OnEnter == nil {
		return
	}
	r.opts.OnEnter(ctx, EnterEvent{Persona: p, State: r.state})
}

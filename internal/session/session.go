// Package session hosts live tutoring sessions. Each session owns a
// handoff.Router; the Manager serializes access per session, publishes
// persona changes to subscribers, and retires idle sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/handoff"
	"github.com/kalambet/tutor/internal/persona"
)

// ErrNotFound is returned for unknown or already closed session ids.
var ErrNotFound = errors.New("session not found")

// Responder voices a persona's next turn. Implemented by reply.Generator.
type Responder interface {
	Reply(ctx context.Context, p persona.Definition, topic *catalog.Topic, history []conversation.Item) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Event types pushed to subscribers.
const (
	EventEnter   = "enter"
	EventReply   = "reply"
	EventOutcome = "outcome"
	EventClosed  = "closed"
)

// Event is a notification about a session. Persona fields describe the
// persona that is active when the event fires.
type Event struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"session_id"`
	Persona     persona.ID    `json:"persona"`
	PersonaName string        `json:"persona_name,omitempty"`
	Voice       string        `json:"voice,omitempty"`
	State       handoff.State `json:"state"`
	Text        string        `json:"text,omitempty"`
	Time        time.Time     `json:"time"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID          string             `json:"id"`
	CreatedAt   time.Time          `json:"created_at"`
	LastActive  time.Time          `json:"last_active"`
	State       handoff.State      `json:"state"`
	PersonaName string             `json:"persona_name"`
	Voice       string             `json:"voice"`
	Contexts    map[persona.ID]int `json:"context_sizes"`
	Topic       *catalog.Topic     `json:"topic,omitempty"`
}

const subscriberBuffer = 16

// Session is one live conversation.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	router     *handoff.Router
	lastActive time.Time
	closed     bool
	subs       map[int]chan Event
	nextSub    int
}

// publish delivers ev to every subscriber without blocking. Slow subscribers
// miss events. Callers hold s.mu.
func (s *Session) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// snapshot builds a Snapshot. Callers hold s.mu.
func (s *Session) snapshot(personas *persona.Registry, topics *catalog.Catalog) Snapshot {
	st := s.router.State()
	active := s.router.Active()
	snap := Snapshot{
		ID:          s.id,
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
		State:       st,
		PersonaName: active.DisplayName(),
		Voice:       active.Voice,
		Contexts:    make(map[persona.ID]int),
	}
	for _, p := range personas.All() {
		items, _ := s.router.Context(p.Key)
		snap.Contexts[p.Key] = len(items)
	}
	if st.CurrentTopic != "" {
		if t, ok := topics.Lookup(st.CurrentTopic); ok {
			snap.Topic = &t
		}
	}
	return snap
}

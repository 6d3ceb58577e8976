package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrStore marks failures of the underlying persistence layer. Callers test
// for it with errors.Is and carry on without progress tracking.
var ErrStore = errors.New("progress store unavailable")

// StoreError wraps a persistence failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("progress %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Backend is the durable side of the store. Implemented by storage.Store.
type Backend interface {
	// AppendAndAggregate appends rec to the log and replaces the topic's
	// mastery entry with aggregate(current) in one transaction. current is
	// the zero entry when the topic has no history yet.
	AppendAndAggregate(ctx context.Context, rec Record, aggregate func(MasteryEntry) MasteryEntry) (MasteryEntry, error)
	RecentRecords(ctx context.Context, topicID string, limit int) ([]Record, error)
	Mastery(ctx context.Context, topicID string) (MasteryEntry, bool, error)
	ListMastery(ctx context.Context) ([]MasteryEntry, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Store serializes writes per topic on top of a Backend. Writes to different
// topics and all reads proceed without waiting on each other.
type Store struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger
	locks   topicLocks
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		clock:   realClock{},
		logger:  slog.Default(),
	}
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(backend Backend, clock Clock) *Store {
	s := NewStore(backend)
	s.clock = clock
	return s
}

// AppendAndAggregate persists rec and folds it into the topic's mastery
// entry. Either both changes become visible or neither does. A zero
// Timestamp is filled from the store clock.
func (s *Store) AppendAndAggregate(ctx context.Context, rec Record) (MasteryEntry, error) {
	if err := rec.Validate(); err != nil {
		return MasteryEntry{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}

	unlock := s.locks.lock(rec.TopicID)
	defer unlock()

	entry, err := s.backend.AppendAndAggregate(ctx, rec, func(cur MasteryEntry) MasteryEntry {
		return cur.Apply(rec)
	})
	if err != nil {
		return MasteryEntry{}, &StoreError{Op: "append", Err: err}
	}

	s.logger.Debug("session recorded", "topic", rec.TopicID, "mode", rec.Mode, "recall_count", entry.RecallCount)
	return entry, nil
}

// Recent returns up to limit records, newest first. An empty topicID
// returns records across all topics.
func (s *Store) Recent(ctx context.Context, topicID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	recs, err := s.backend.RecentRecords(ctx, topicID, limit)
	if err != nil {
		return nil, &StoreError{Op: "recent", Err: err}
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// Mastery returns the topic's entry; ok is false when nothing has been
// recorded for it yet.
func (s *Store) Mastery(ctx context.Context, topicID string) (entry MasteryEntry, ok bool, err error) {
	entry, ok, err = s.backend.Mastery(ctx, topicID)
	if err != nil {
		return MasteryEntry{}, false, &StoreError{Op: "mastery", Err: err}
	}
	return entry, ok, nil
}

// Summary renders every mastery entry as a short spoken-style report. title
// maps topic ids to display names; it may be nil.
func (s *Store) Summary(ctx context.Context, title func(topicID string) string) (string, error) {
	entries, err := s.backend.ListMastery(ctx)
	if err != nil {
		return "", &StoreError{Op: "summary", Err: err}
	}
	return summarize(entries, title), nil
}

func summarize(entries []MasteryEntry, title func(string) string) string {
	if len(entries) == 0 {
		return "You're just getting started! No progress recorded yet."
	}

	var sb strings.Builder
	sb.WriteString("Your learning progress:\n")
	for _, e := range entries {
		name := e.TopicID
		if title != nil {
			if t := title(e.TopicID); t != "" {
				name = t
			}
		}
		fmt.Fprintf(&sb, "\n%s:\n", name)
		if e.AverageScore != nil {
			fmt.Fprintf(&sb, "  - Average teach-back score: %.1f/100\n", *e.AverageScore)
		}
		fmt.Fprintf(&sb, "  - Learned %d times\n", e.TeachCount)
		fmt.Fprintf(&sb, "  - Quizzed %d times\n", e.AssessCount)
		fmt.Fprintf(&sb, "  - Taught back %d times\n", e.RecallCount)
	}
	return sb.String()
}

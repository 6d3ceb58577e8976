package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kalambet/tutor/internal/progress"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the session log index is created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_session_records_topic"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func intPtr(v int) *int { return &v }

func recallRecord(topic string, score int, at time.Time) progress.Record {
	return progress.Record{Timestamp: at, TopicID: topic, Mode: progress.ModeRecall, Score: intPtr(score)}
}

func applyRecord(rec progress.Record) func(progress.MasteryEntry) progress.MasteryEntry {
	return func(cur progress.MasteryEntry) progress.MasteryEntry { return cur.Apply(rec) }
}

// TestAppendAndAggregate_FirstRecall checks the first recall on a topic
// creates its mastery row.
func TestAppendAndAggregate_FirstRecall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

	rec := recallRecord("loops", 82, at)
	got, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec))
	if err != nil {
		t.Fatalf("AppendAndAggregate: %v", err)
	}
	if got.RecallCount != 1 || got.AverageScore == nil || *got.AverageScore != 82.0 {
		t.Errorf("returned entry = %+v", got)
	}

	stored, ok, err := s.Mastery(ctx, "loops")
	if err != nil || !ok {
		t.Fatalf("Mastery: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(got, stored); diff != "" {
		t.Errorf("stored entry differs from returned entry (-returned +stored):\n%s", diff)
	}
}

// TestAppendAndAggregate_Accumulates appends a mix of modes and checks the
// aggregate.
func TestAppendAndAggregate_Accumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

	recs := []progress.Record{
		{Timestamp: base, TopicID: "functions", Mode: progress.ModeTeach},
		{Timestamp: base.Add(time.Minute), TopicID: "functions", Mode: progress.ModeAssess},
		recallRecord("functions", 80, base.Add(2*time.Minute)),
		recallRecord("functions", 90, base.Add(3*time.Minute)),
	}
	for _, rec := range recs {
		if _, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec)); err != nil {
			t.Fatalf("AppendAndAggregate: %v", err)
		}
	}

	got, ok, err := s.Mastery(ctx, "functions")
	if err != nil || !ok {
		t.Fatalf("Mastery: ok=%v err=%v", ok, err)
	}
	avg := 85.0
	last := base.Add(3 * time.Minute)
	want := progress.MasteryEntry{
		TopicID:      "functions",
		RecallScores: []int{80, 90},
		AverageScore: &avg,
		TeachCount:   1,
		AssessCount:  1,
		RecallCount:  2,
		LastActivity: &last,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mastery mismatch (-want +got):\n%s", diff)
	}
}

// TestMastery_Missing verifies an unknown topic reports ok == false.
func TestMastery_Missing(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Mastery(context.Background(), "variables")
	if err != nil {
		t.Fatalf("Mastery: %v", err)
	}
	if ok {
		t.Error("expected no mastery entry for a topic with no history")
	}
}

// TestRecentRecords_NewestFirst checks ordering, limit and topic filtering.
func TestRecentRecords_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

	for i := range 5 {
		topic := "loops"
		if i%2 == 1 {
			topic = "variables"
		}
		rec := progress.Record{Timestamp: base.Add(time.Duration(i) * time.Second), TopicID: topic, Mode: progress.ModeTeach, Note: fmt.Sprintf("n%d", i)}
		if _, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec)); err != nil {
			t.Fatalf("AppendAndAggregate: %v", err)
		}
	}

	all, err := s.RecentRecords(ctx, "", 3)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	var notes []string
	for _, r := range all {
		notes = append(notes, r.Note)
	}
	if diff := cmp.Diff([]string{"n4", "n3", "n2"}, notes); diff != "" {
		t.Errorf("recent notes mismatch (-want +got):\n%s", diff)
	}

	loops, err := s.RecentRecords(ctx, "loops", 10)
	if err != nil {
		t.Fatalf("RecentRecords(loops): %v", err)
	}
	if len(loops) != 3 {
		t.Fatalf("got %d loops records, want 3", len(loops))
	}
	for _, r := range loops {
		if r.TopicID != "loops" {
			t.Errorf("filtered result contains topic %q", r.TopicID)
		}
		if r.Score != nil {
			t.Errorf("teach record should have no score, got %d", *r.Score)
		}
	}
	if !loops[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("newest timestamp = %v", loops[0].Timestamp)
	}
}

// TestSessionRecordsAppendOnly verifies the triggers reject edits to the log.
func TestSessionRecordsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := recallRecord("loops", 70, time.Now().UTC())
	if _, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec)); err != nil {
		t.Fatalf("AppendAndAggregate: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE session_records SET score = 100`); err == nil {
		t.Error("expected UPDATE on session_records to fail")
	}
	if _, err := s.db.Exec(`DELETE FROM session_records`); err == nil {
		t.Error("expected DELETE on session_records to fail")
	}

	recs, err := s.RecentRecords(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recs) != 1 || *recs[0].Score != 70 {
		t.Errorf("log was modified: %+v", recs)
	}
}

// TestAppendAndAggregate_RollsBack verifies a failed mastery upsert leaves no
// orphan log row behind.
func TestAppendAndAggregate_RollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`CREATE TRIGGER fail_mastery BEFORE INSERT ON topic_mastery
		BEGIN SELECT RAISE(ABORT, 'mastery write failed'); END`); err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	rec := recallRecord("loops", 70, time.Now().UTC())
	if _, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec)); err == nil {
		t.Fatal("expected AppendAndAggregate to fail")
	}

	recs, err := s.RecentRecords(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records after failed append, got %d", len(recs))
	}
}

// TestAppendAndAggregate_ConcurrentSameTopic runs the progress store on top
// of SQLite with many writers on one topic and checks nothing is lost.
func TestAppendAndAggregate_ConcurrentSameTopic(t *testing.T) {
	s := openTestStore(t)
	store := progress.NewStore(s)
	ctx := context.Background()

	const writers = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			score := 60 + i
			_, err := store.AppendAndAggregate(ctx, progress.Record{TopicID: "loops", Mode: progress.ModeRecall, Score: &score})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	got, ok, err := s.Mastery(ctx, "loops")
	if err != nil || !ok {
		t.Fatalf("Mastery: ok=%v err=%v", ok, err)
	}
	if got.RecallCount != writers || len(got.RecallScores) != writers {
		t.Errorf("recall count = %d, scores = %d, want %d", got.RecallCount, len(got.RecallScores), writers)
	}
	recs, err := s.RecentRecords(ctx, "loops", 100)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recs) != writers {
		t.Errorf("log has %d records, want %d", len(recs), writers)
	}
}

// TestListMasteryAndStats checks topic listing order and the stats snapshot.
func TestListMasteryAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

	for _, topic := range []string{"variables", "conditionals", "loops"} {
		rec := progress.Record{Timestamp: at, TopicID: topic, Mode: progress.ModeAssess}
		if _, err := s.AppendAndAggregate(ctx, rec, applyRecord(rec)); err != nil {
			t.Fatalf("AppendAndAggregate: %v", err)
		}
	}

	entries, err := s.ListMastery(ctx)
	if err != nil {
		t.Fatalf("ListMastery: %v", err)
	}
	var topics []string
	for _, e := range entries {
		topics = append(topics, e.TopicID)
		if e.AverageScore != nil {
			t.Errorf("%s: expected nil average without recall scores", e.TopicID)
		}
	}
	if diff := cmp.Diff([]string{"conditionals", "loops", "variables"}, topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Records != 3 || st.Topics != 3 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastRecorded == nil || !st.LastRecorded.Equal(at) {
		t.Errorf("last recorded = %v, want %v", st.LastRecorded, at)
	}
}

// TestStats_Empty verifies a fresh database reports zero counts.
func TestStats_Empty(t *testing.T) {
	s := openTestStore(t)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Records != 0 || st.Topics != 0 || st.LastRecorded != nil {
		t.Errorf("stats = %+v, want zero", st)
	}
}

// TestStoreError_Wrapping verifies backend errors surface as progress.ErrStore.
func TestStoreError_Wrapping(t *testing.T) {
	s := openTestStore(t)
	store := progress.NewStore(s)
	s.Close()

	_, err := store.AppendAndAggregate(context.Background(), progress.Record{TopicID: "loops", Mode: progress.ModeTeach})
	if !errors.Is(err, progress.ErrStore) {
		t.Errorf("err = %v, want ErrStore", err)
	}
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/tutor/internal/progress"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the session log and topic mastery.
// It implements progress.Backend.
type Store struct {
	db *sql.DB
}

var _ progress.Backend = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tutor.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Progress ---

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendAndAggregate inserts rec into the session log and upserts the
// topic's mastery row with aggregate(current) inside one transaction.
func (s *Store) AppendAndAggregate(ctx context.Context, rec progress.Record, aggregate func(progress.MasteryEntry) progress.MasteryEntry) (progress.MasteryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var score sql.NullInt64
	if rec.Score != nil {
		score = sql.NullInt64{Int64: int64(*rec.Score), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_records (recorded_at, topic_id, mode, score, note)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(timeLayout), rec.TopicID, string(rec.Mode), score, rec.Note,
	); err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("inserting session record: %w", err)
	}

	current, _, err := scanMastery(tx.QueryRowContext(ctx, masterySelect+` WHERE topic_id = ?`, rec.TopicID))
	if err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("reading mastery for %s: %w", rec.TopicID, err)
	}
	if current.TopicID == "" {
		current.TopicID = rec.TopicID
	}

	next := aggregate(current)
	scores, err := json.Marshal(nonNil(next.RecallScores))
	if err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("encoding recall scores: %w", err)
	}
	var avg sql.NullFloat64
	if next.AverageScore != nil {
		avg = sql.NullFloat64{Float64: *next.AverageScore, Valid: true}
	}
	var last sql.NullString
	if next.LastActivity != nil {
		last = sql.NullString{String: next.LastActivity.UTC().Format(timeLayout), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topic_mastery (topic_id, recall_scores, average_score, teach_count, assess_count, recall_count, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET
			recall_scores = excluded.recall_scores,
			average_score = excluded.average_score,
			teach_count   = excluded.teach_count,
			assess_count  = excluded.assess_count,
			recall_count  = excluded.recall_count,
			last_activity = excluded.last_activity`,
		rec.TopicID, string(scores), avg, next.TeachCount, next.AssessCount, next.RecallCount, last,
	); err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("updating mastery for %s: %w", rec.TopicID, err)
	}

	if err := tx.Commit(); err != nil {
		return progress.MasteryEntry{}, fmt.Errorf("committing append: %w", err)
	}
	next.RecallScores = nonNil(next.RecallScores)
	return next, nil
}

// RecentRecords returns up to limit log entries, newest first. An empty
// topicID matches every topic.
func (s *Store) RecentRecords(ctx context.Context, topicID string, limit int) ([]progress.Record, error) {
	query := `SELECT recorded_at, topic_id, mode, score, note FROM session_records`
	args := []any{}
	if topicID != "" {
		query += ` WHERE topic_id = ?`
		args = append(args, topicID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []progress.Record{}
	for rows.Next() {
		var r progress.Record
		var recordedAt, mode string
		var score sql.NullInt64
		if err := rows.Scan(&recordedAt, &r.TopicID, &mode, &score, &r.Note); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		r.Timestamp = t
		r.Mode = progress.Mode(mode)
		if score.Valid {
			v := int(score.Int64)
			r.Score = &v
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Mastery returns the topic's aggregate; ok is false when the topic has no
// history.
func (s *Store) Mastery(ctx context.Context, topicID string) (progress.MasteryEntry, bool, error) {
	return scanMastery(s.db.QueryRowContext(ctx, masterySelect+` WHERE topic_id = ?`, topicID))
}

// ListMastery returns every topic with history, ordered by topic id.
func (s *Store) ListMastery(ctx context.Context) ([]progress.MasteryEntry, error) {
	rows, err := s.db.QueryContext(ctx, masterySelect+` ORDER BY topic_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []progress.MasteryEntry{}
	for rows.Next() {
		e, _, err := scanMastery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// Stats returns log and mastery row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(recorded_at) FROM session_records`,
	).Scan(&st.Records, &last); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topic_mastery`).Scan(&st.Topics); err != nil {
		return Stats{}, err
	}
	if last.Valid {
		t, err := time.Parse(timeLayout, last.String)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing recorded_at: %w", err)
		}
		st.LastRecorded = &t
	}
	return st, nil
}

const masterySelect = `SELECT topic_id, recall_scores, average_score, teach_count, assess_count, recall_count, last_activity FROM topic_mastery`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMastery reads one topic_mastery row. A missing row yields the zero
// entry and ok == false.
func scanMastery(row rowScanner) (progress.MasteryEntry, bool, error) {
	var e progress.MasteryEntry
	var scores string
	var avg sql.NullFloat64
	var last sql.NullString
	err := row.Scan(&e.TopicID, &scores, &avg, &e.TeachCount, &e.AssessCount, &e.RecallCount, &last)
	if err == sql.ErrNoRows {
		return progress.MasteryEntry{}, false, nil
	}
	if err != nil {
		return progress.MasteryEntry{}, false, err
	}
	if err := json.Unmarshal([]byte(scores), &e.RecallScores); err != nil {
		return progress.MasteryEntry{}, false, fmt.Errorf("decoding recall scores for %s: %w", e.TopicID, err)
	}
	e.RecallScores = nonNil(e.RecallScores)
	if avg.Valid {
		v := avg.Float64
		e.AverageScore = &v
	}
	if last.Valid {
		t, err := time.Parse(timeLayout, last.String)
		if err != nil {
			return progress.MasteryEntry{}, false, fmt.Errorf("parsing last_activity for %s: %w", e.TopicID, err)
		}
		e.LastActivity = &t
	}
	return e, true, nil
}

func nonNil(scores []int) []int {
	if scores == nil {
		return []int{}
	}
	return scores
}

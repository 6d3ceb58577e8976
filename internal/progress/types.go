// Package progress keeps the durable learning log: an append-only list of
// session records and a per-topic mastery index derived from it.
package progress

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Mode is the learning activity a session record describes.
type Mode string

const (
	ModeTeach  Mode = "teach"
	ModeAssess Mode = "assess"
	ModeRecall Mode = "recall"
)

// ParseMode accepts the canonical mode names plus the persona-flavoured
// aliases used by voice front-ends (learn, quiz, teach_back).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "teach", "learn":
		return ModeTeach, nil
	case "assess", "quiz":
		return ModeAssess, nil
	case "recall", "teach_back":
		return ModeRecall, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) valid() bool {
	return m == ModeTeach || m == ModeAssess || m == ModeRecall
}

const (
	MinScore = 0
	MaxScore = 100
)

// ClampScore pulls a score into [MinScore, MaxScore].
func ClampScore(score int) int {
	return max(MinScore, min(MaxScore, score))
}

// ScoreFromFloat clamps a client-supplied score into [MinScore, MaxScore]
// before rounding it to an int, so out-of-range magnitudes cannot wrap.
// NaN is rejected.
func ScoreFromFloat(f float64) (int, error) {
	if math.IsNaN(f) {
		return 0, fmt.Errorf("score is not a number")
	}
	f = math.Max(MinScore, math.Min(MaxScore, f))
	return int(math.Round(f)), nil
}

// Record is one entry of the append-only session log.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	TopicID   string    `json:"topic_id"`
	Mode      Mode      `json:"mode"`
	Score     *int      `json:"score,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Validate checks the fields a record must carry before it is persisted.
func (r Record) Validate() error {
	if r.TopicID == "" {
		return fmt.Errorf("record has no topic")
	}
	if !r.Mode.valid() {
		return fmt.Errorf("record has invalid mode %q", r.Mode)
	}
	if r.Score != nil && (*r.Score < MinScore || *r.Score > MaxScore) {
		return fmt.Errorf("score %d out of range [%d, %d]", *r.Score, MinScore, MaxScore)
	}
	return nil
}

// MasteryEntry is the aggregate learning state of one topic.
type MasteryEntry struct {
	TopicID      string     `json:"topic_id"`
	RecallScores []int      `json:"recall_scores"`
	AverageScore *float64   `json:"average_score"`
	TeachCount   int        `json:"teach_count"`
	AssessCount  int        `json:"assess_count"`
	RecallCount  int        `json:"recall_count"`
	LastActivity *time.Time `json:"last_activity"`
}

// Apply folds r into a copy of e and returns it. Recall scores feed the
// running average; teach and assess only bump their counters.
func (e MasteryEntry) Apply(r Record) MasteryEntry {
	out := e
	out.TopicID = r.TopicID
	out.RecallScores = slices.Clone(e.RecallScores)

	switch r.Mode {
	case ModeTeach:
		out.TeachCount++
	case ModeAssess:
		out.AssessCount++
	case ModeRecall:
		out.RecallCount++
		if r.Score != nil {
			out.RecallScores = append(out.RecallScores, *r.Score)
		}
	}
	out.AverageScore = average(out.RecallScores)

	ts := r.Timestamp
	out.LastActivity = &ts
	return out
}

// average returns the mean of scores rounded to one decimal place, or nil
// when there are no scores. Rounding works on the exact mean sum/n, with
// halves going to the even tenth: 80.35 becomes 80.4 and 80.25 becomes 80.2.
// Scores are never negative.
func average(scores []int) *float64 {
	n := len(scores)
	if n == 0 {
		return nil
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	q, r := (10*sum)/n, (10*sum)%n
	switch {
	case 2*r > n, 2*r == n && q%2 == 1:
		q++
	}
	avg := float64(q) / 10
	return &avg
}

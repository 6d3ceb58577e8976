package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/config"
	"github.com/kalambet/tutor/internal/progress"
	"github.com/kalambet/tutor/internal/session"
)

// --- topics ---

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the topic catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listTopics(cmd.Context(), client, os.Stdout)
	},
}

func listTopics(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/topics")
	if err != nil {
		return err
	}
	var topics []catalog.Topic
	if err := decodeJSON(resp, &topics); err != nil {
		return err
	}
	for _, t := range topics {
		fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, t.ID), colorize(colorBold, t.Title))
		if t.Summary != "" {
			fmt.Fprintf(w, "    %s\n", t.Summary)
		}
	}
	return nil
}

// --- progress ---

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show learning progress",
}

var progressRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent learning sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRecent(cmd.Context(), client, os.Stdout, topic, limit)
	},
}

func listRecent(ctx context.Context, client *apiClient, w io.Writer, topic string, limit int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if topic != "" {
		q.Set("topic", topic)
	}
	resp, err := client.get(ctx, "/progress/recent?"+q.Encode())
	if err != nil {
		return err
	}
	var recs []progress.Record
	if err := decodeJSON(resp, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No sessions recorded yet.")
		return nil
	}
	for _, r := range recs {
		score := "-"
		if r.Score != nil {
			score = fmt.Sprintf("%d/100", *r.Score)
		}
		fmt.Fprintf(w, "%s  %-12s %-7s %7s  %s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			r.TopicID,
			r.Mode,
			score,
			r.Note,
		)
	}
	return nil
}

var progressMasteryCmd = &cobra.Command{
	Use:   "mastery <topic>",
	Short: "Show the mastery entry for a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showMastery(cmd.Context(), client, os.Stdout, args[0])
	},
}

func showMastery(ctx context.Context, client *apiClient, w io.Writer, topic string) error {
	resp, err := client.get(ctx, "/progress/mastery/"+url.PathEscape(topic))
	if err != nil {
		return err
	}
	var entry progress.MasteryEntry
	if err := decodeJSON(resp, &entry); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

var progressSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize mastery across all topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showSummary(cmd.Context(), client, os.Stdout)
	},
}

func showSummary(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/progress/summary")
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	fmt.Fprintln(w, result["summary"])
	return nil
}

func init() {
	progressRecentCmd.Flags().String("topic", "", "only show sessions for this topic")
	progressRecentCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	progressCmd.AddCommand(progressRecentCmd)
	progressCmd.AddCommand(progressMasteryCmd)
	progressCmd.AddCommand(progressSummaryCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Drive tutoring sessions on the running server",
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session with the greeter",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snap, err := startSession(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Started session %s", snap.ID)
		printPersona(snap.PersonaName, snap.Voice, "")
		return nil
	},
}

func startSession(ctx context.Context, client *apiClient) (session.Snapshot, error) {
	var snap session.Snapshot
	resp, err := client.post(ctx, "/sessions", nil)
	if err != nil {
		return snap, err
	}
	err = decodeJSON(resp, &snap)
	return snap, err
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}
		var snaps []session.Snapshot
		if err := decodeJSON(resp, &snaps); err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No live sessions.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %-10s %-12s handoffs=%d\n",
				colorize(colorCyan, s.ID),
				s.State.ActivePersona,
				s.State.CurrentTopic,
				s.State.TurnCounter,
			)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var snap session.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var sessionsTransferCmd = &cobra.Command{
	Use:   "transfer <id> <persona>",
	Short: "Hand a session to another persona",
	Long: `Hand a session to another persona, optionally switching topic.

Examples:
  tutor sessions transfer 3f2a... learn --topic loops
  tutor sessions transfer 3f2a... teach_back`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snap, err := transferSession(cmd.Context(), client, args[0], args[1], topic)
		if err != nil {
			return err
		}
		title := ""
		if snap.Topic != nil {
			title = snap.Topic.Title
		}
		printPersona(snap.PersonaName, snap.Voice, title)
		return nil
	},
}

func transferSession(ctx context.Context, client *apiClient, id, target, topic string) (session.Snapshot, error) {
	body := map[string]string{"target": target}
	if topic != "" {
		body["topic"] = topic
	}
	var snap session.Snapshot
	resp, err := client.post(ctx, "/sessions/"+url.PathEscape(id)+"/transfer", body)
	if err != nil {
		return snap, err
	}
	err = decodeJSON(resp, &snap)
	return snap, err
}

var sessionsScoreCmd = &cobra.Command{
	Use:   "score <id> <score>",
	Short: "Record a teach-back score for the session's current topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("score must be an integer: %q", args[1])
		}
		feedback, _ := cmd.Flags().GetString("feedback")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := scoreSession(cmd.Context(), client, args[0], score, feedback)
		if err != nil {
			return err
		}
		printSuccess("%s", res.Message)
		return nil
	},
}

func scoreSession(ctx context.Context, client *apiClient, id string, score int, feedback string) (session.ScoreResult, error) {
	body := map[string]any{"score": score}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var res session.ScoreResult
	resp, err := client.post(ctx, "/sessions/"+url.PathEscape(id)+"/score", body)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}
		printSuccess("Closed session %s", args[0])
		return nil
	},
}

func init() {
	sessionsTransferCmd.Flags().String("topic", "", "topic id to switch to")
	sessionsScoreCmd.Flags().String("feedback", "", "feedback spoken back to the learner")
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsTransferCmd)
	sessionsCmd.AddCommand(sessionsScoreCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/persona"
	"github.com/kalambet/tutor/internal/progress"
	"github.com/kalambet/tutor/internal/session"
)

const recentResourceLimit = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions *session.Manager
	Progress *progress.Store
	Catalog  *catalog.Catalog
}

// NewMCPServer creates an MCP server with the tutoring tools and resources
// registered. Voice front-ends call these as function tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tutor",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tutor: active recall coach. Start a session, hand off between the learn, quiz and teach_back personas, and record how the learner did."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a tutoring session with the greeter persona active."),
		),
		mcpStartSession(deps),
	)

	s.AddTool(
		mcp.NewTool("transfer",
			mcp.WithDescription("Hand the conversation to another persona, optionally switching topic."),
			mcp.WithString("session_id", mcp.Description("Session id from start_session"), mcp.Required()),
			mcp.WithString("target", mcp.Description("Persona to hand off to: learn, quiz or teach_back"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("Topic id; omit to keep the current topic")),
		),
		mcpTransfer(deps),
	)

	s.AddTool(
		mcp.NewTool("score_explanation",
			mcp.WithDescription("Score the learner's teach-back explanation of the current topic (0-100)."),
			mcp.WithString("session_id", mcp.Description("Session id from start_session"), mcp.Required()),
			mcp.WithNumber("score", mcp.Description("Score from 0 to 100"), mcp.Required()),
			mcp.WithString("feedback", mcp.Description("Short feedback for the learner")),
		),
		mcpScoreExplanation(deps),
	)

	s.AddTool(
		mcp.NewTool("record_outcome",
			mcp.WithDescription("Record a learning activity for a topic."),
			mcp.WithString("topic", mcp.Description("Topic id"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("teach, assess or recall"), mcp.Required()),
			mcp.WithNumber("score", mcp.Description("Optional score from 0 to 100")),
			mcp.WithString("note", mcp.Description("Optional note")),
			mcp.WithString("session_id", mcp.Description("Optional session to notify")),
		),
		mcpRecordOutcome(deps),
	)

	s.AddTool(
		mcp.NewTool("progress_summary",
			mcp.WithDescription("Summarize the learner's mastery across all topics."),
		),
		mcpProgressSummary(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tutor://topics",
			"Topics",
			mcp.WithResourceDescription("Topic catalog as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTopics(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tutor://progress/recent",
			"Recent Sessions",
			mcp.WithResourceDescription("Last 10 session records, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpStartSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := deps.Sessions.Create(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start session: %v", err)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpTransfer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		target, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}
		topic := req.GetString("topic", "")

		state, err := deps.Sessions.Transfer(ctx, id, persona.ID(target), topic)
		if err != nil {
			return mcpError(fmt.Sprintf("transfer failed: %v", err)), nil
		}
		snap, err := deps.Sessions.Get(id)
		if err != nil {
			return mcpError(fmt.Sprintf("transfer failed: %v", err)), nil
		}

		msg := fmt.Sprintf("Transferred to %s.", snap.PersonaName)
		if state.CurrentTopic != "" {
			msg = fmt.Sprintf("Transferred to %s for %s.", snap.PersonaName, deps.Catalog.Title(state.CurrentTopic))
		}
		return mcpText(msg), nil
	}
}

func mcpScoreExplanation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		raw, err := req.RequireFloat("score")
		if err != nil {
			return mcpError("score is required"), nil
		}
		score, err := progress.ScoreFromFloat(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Sessions.Score(ctx, id, score, req.GetString("feedback", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record score: %v", err)), nil
		}
		return mcpText(res.Message), nil
	}
}

func mcpRecordOutcome(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		modeArg, err := req.RequireString("mode")
		if err != nil {
			return mcpError("mode is required"), nil
		}
		mode, err := progress.ParseMode(modeArg)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		var score *int
		if _, ok := req.GetArguments()["score"]; ok {
			v, err := progress.ScoreFromFloat(req.GetFloat("score", 0))
			if err != nil {
				return mcpError(err.Error()), nil
			}
			score = &v
		}
		note := req.GetString("note", "")

		var entry progress.MasteryEntry
		if id := req.GetString("session_id", ""); id != "" {
			entry, err = deps.Sessions.RecordOutcome(ctx, id, topic, mode, score, note)
		} else {
			if _, ok := deps.Catalog.Lookup(topic); !ok {
				return mcpError(fmt.Sprintf("unknown topic %q", topic)), nil
			}
			entry, err = deps.Progress.AppendAndAggregate(ctx, progress.Record{TopicID: topic, Mode: mode, Score: score, Note: note})
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record outcome: %v", err)), nil
		}
		return mcpJSON(entry)
	}
}

func mcpProgressSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := deps.Progress.Summary(ctx, deps.Catalog.Title)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to summarize progress: %v", err)), nil
		}
		return mcpText(text), nil
	}
}

func mcpResourceTopics(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Catalog.Topics())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal topics: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Progress.Recent(ctx, "", recentResourceLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent sessions: %w", err)
		}
		b, err := json.Marshal(recs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func jsonResource(uri string, b []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

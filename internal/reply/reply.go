// Package reply voices persona turns with a local model. It turns a persona's
// instructions, the current topic and its conversation context into a chat
// request and returns the model's next utterance.
package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/ollama"
	"github.com/kalambet/tutor/internal/persona"
)

const defaultMaxContextTokens = 3000

// Chatter is the model call the Generator depends on. Implemented by
// ollama.Client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options) (string, error)
}

// Generator produces persona replies.
type Generator struct {
	chat  Chatter
	model string
	// MaxContextTokens bounds the conversation history sent to the model.
	// The persona's system prompt is always sent in full.
	MaxContextTokens int
	Options          *ollama.Options
}

// New creates a Generator. If maxContextTokens <= 0, the default (3000) is used.
func New(chat Chatter, model string, maxContextTokens int) *Generator {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Generator{
		chat:             chat,
		model:            model,
		MaxContextTokens: maxContextTokens,
		Options:          &ollama.Options{Temperature: 0.7, NumPredict: 200},
	}
}

// Reply asks the model for p's next utterance given its context. topic may
// be nil when the session has no current topic.
func (g *Generator) Reply(ctx context.Context, p persona.Definition, topic *catalog.Topic, history []conversation.Item) (string, error) {
	msgs := g.Compose(p, topic, history)
	out, err := g.chat.Chat(ctx, g.model, msgs, g.Options)
	if err != nil {
		return "", fmt.Errorf("generating %s reply: %w", p.Key, err)
	}
	if out == "" {
		return "", fmt.Errorf("generating %s reply: empty response", p.Key)
	}
	return out, nil
}

// Compose builds the chat messages for p. The first message is always the
// system prompt; history follows in order with tool traffic removed. When
// the history exceeds the token budget the oldest messages are dropped
// first.
func (g *Generator) Compose(p persona.Definition, topic *catalog.Topic, history []conversation.Item) []ollama.Message {
	system := buildSystemPrompt(p, topic)

	remaining := g.MaxContextTokens
	var kept []ollama.Message
	for i := len(history) - 1; i >= 0; i-- {
		m, ok := toMessage(history[i])
		if !ok {
			continue
		}
		tokens := EstimateTokens(m.Content)
		if tokens > remaining {
			break
		}
		kept = append(kept, m)
		remaining -= tokens
	}

	msgs := make([]ollama.Message, 0, len(kept)+1)
	msgs = append(msgs, ollama.Message{Role: "system", Content: system})
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, kept[i])
	}
	return msgs
}

func buildSystemPrompt(p persona.Definition, topic *catalog.Topic) string {
	var sb strings.Builder
	sb.WriteString(p.Instructions)

	if topic != nil {
		sb.WriteString("\n\n[Current Topic]\n")
		fmt.Fprintf(&sb, "ID: %s\nTitle: %s\n", topic.ID, topic.Title)
		if topic.Summary != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", topic.Summary)
		}
		if topic.SampleQuestion != "" {
			fmt.Fprintf(&sb, "Sample question: %s\n", topic.SampleQuestion)
		}
	}

	sb.WriteString("\nKeep replies short and conversational; they are spoken aloud.")
	return sb.String()
}

func toMessage(it conversation.Item) (ollama.Message, bool) {
	if it.Kind != conversation.KindMessage {
		return ollama.Message{}, false
	}
	text := it.Text()
	if text == "" {
		return ollama.Message{}, false
	}
	switch it.Role {
	case conversation.RoleAgent:
		return ollama.Message{Role: "assistant", Content: text}, true
	case conversation.RoleUser:
		return ollama.Message{Role: "user", Content: text}, true
	case conversation.RoleSystem:
		return ollama.Message{Role: "system", Content: text}, true
	default:
		return ollama.Message{}, false
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

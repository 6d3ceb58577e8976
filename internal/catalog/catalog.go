// Package catalog loads the read-only set of topics a tutor can teach.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed topics.json
var defaultTopics []byte

// Topic is one unit of subject matter. Summary and SampleQuestion are the
// teaching payload handed to personas; the engine never interprets them.
type Topic struct {
	ID             string `json:"id" yaml:"id"`
	Title          string `json:"title" yaml:"title"`
	Summary        string `json:"summary" yaml:"summary"`
	SampleQuestion string `json:"sample_question,omitempty" yaml:"sample_question,omitempty"`
}

// Catalog maps topic ids to topics. It is immutable after construction and
// safe for concurrent use.
type Catalog struct {
	order  []string
	topics map[string]Topic
}

// New validates topics and builds a Catalog preserving their order.
func New(topics []Topic) (*Catalog, error) {
	c := &Catalog{topics: make(map[string]Topic, len(topics))}
	for i, t := range topics {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("topic %d has no id", i)
		}
		if _, dup := c.topics[t.ID]; dup {
			return nil, fmt.Errorf("duplicate topic id %q", t.ID)
		}
		if t.Title == "" {
			t.Title = t.ID
		}
		c.topics[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	return c, nil
}

// Default returns the built-in programming fundamentals catalog.
func Default() *Catalog {
	c, err := parse(defaultTopics, ".json")
	if err != nil {
		panic(fmt.Sprintf("embedded topics: %v", err))
	}
	return c
}

// Load reads a catalog from path. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON. An empty path yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topic catalog: %w", err)
	}
	c, err := parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

func parse(data []byte, ext string) (*Catalog, error) {
	var topics []Topic
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &topics); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &topics); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("catalog has no topics")
	}
	return New(topics)
}

// Lookup returns the topic with the given id.
func (c *Catalog) Lookup(id string) (Topic, bool) {
	t, ok := c.topics[id]
	return t, ok
}

// Title returns the topic's title, or "" when id is unknown.
func (c *Catalog) Title(id string) string {
	return c.topics[id].Title
}

// IDs returns topic ids in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Topics returns all topics in catalog order.
func (c *Catalog) Topics() []Topic {
	out := make([]Topic, len(c.order))
	for i, id := range c.order {
		out[i] = c.topics[id]
	}
	return out
}

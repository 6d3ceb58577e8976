package conversation

import "slices"

// DefaultKeepLastN is the carry-over window size used during a handoff.
const DefaultKeepLastN = 6

// WindowOptions controls which items Truncate keeps.
type WindowOptions struct {
	KeepLastN     int
	KeepSystem    bool
	KeepToolItems bool
}

// DefaultWindow returns the window used when nothing else is configured:
// the last six non-system messages, no tool traffic.
func DefaultWindow() WindowOptions {
	return WindowOptions{KeepLastN: DefaultKeepLastN}
}

func (o WindowOptions) admits(it Item) bool {
	if it.IsTool() {
		return o.KeepToolItems
	}
	if it.Kind != KindMessage {
		return false
	}
	if it.Role == RoleSystem {
		return o.KeepSystem
	}
	return true
}

// Truncate returns at most opts.KeepLastN admitted items from the end of
// history, in their original order. A window never opens with a tool item:
// leading tool calls and results are dropped because their preceding message
// context was cut off. The input slice is not modified.
func Truncate(history []Item, opts WindowOptions) []Item {
	if opts.KeepLastN <= 0 {
		return []Item{}
	}

	kept := make([]Item, 0, min(opts.KeepLastN, len(history)))
	for i := len(history) - 1; i >= 0 && len(kept) < opts.KeepLastN; i-- {
		if opts.admits(history[i]) {
			kept = append(kept, history[i])
		}
	}
	slices.Reverse(kept)

	return trimLeadingTools(kept)
}

// Merge appends to dst every carry item whose id is not already present in
// dst. The result is a new slice; neither argument is modified. Merging the
// same carry twice yields no duplicates.
func Merge(dst, carry []Item) []Item {
	seen := make(map[string]struct{}, len(dst)+len(carry))
	out := make([]Item, 0, len(dst)+len(carry))
	for _, it := range dst {
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	for _, it := range carry {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Bound keeps at most limit items from the end of items, then drops any leading
// tool items. limit <= 0 means unbounded and returns items unchanged.
func Bound(items []Item, limit int) []Item {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	out := slices.Clone(items[len(items)-limit:])
	return trimLeadingTools(out)
}

func trimLeadingTools(items []Item) []Item {
	start := 0
	for start < len(items) && items[start].IsTool() {
		start++
	}
	return items[start:]
}

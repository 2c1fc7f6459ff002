// Package compactor shrinks conversation histories to fit a model's context
// window budget.
//
// Compression is staged and preserves the highest-value content first: tool
// result bodies are truncated before user messages, user messages before
// assistant messages, and whole-message omission is the last resort. The
// system message and the most recent turn are never dropped. Compact is a pure
// function over its inputs: it returns derived copies and never mutates the
// messages it is given.
package compactor

import (
	"fmt"

	"github.com/strandlabs/strand/runtime/agent/thread"
)

type (
	// Counter estimates the token count of a text. The default implementation
	// is a character-ratio heuristic; callers needing exact counts can plug a
	// real tokenizer.
	Counter func(text string) int

	// Options tunes the compression policy. All values are policy knobs, not
	// structural requirements; the zero value applies the defaults below.
	Options struct {
		// KeepRecent is the number of trailing messages that are never
		// truncated or omitted (the latest user turn and its predecessor).
		KeepRecent int
		// KeepEarliest is the number of leading messages (after the system
		// message) never omitted.
		KeepEarliest int
		// PerMessageCap is the token count above which a message body is
		// truncated.
		PerMessageCap int
		// EdgeChars is the number of characters preserved at each end of a
		// truncated body.
		EdgeChars int
		// OmitBatch is how many middle messages are removed per omission
		// round.
		OmitBatch int
		// MinRetained stops omission once the history is down to this many
		// messages, even if still over budget.
		MinRetained int
		// Count estimates token usage. Defaults to EstimateTokens.
		Count Counter
	}

	// Compactor applies staged compression with fixed options.
	Compactor struct {
		opts Options
	}
)

// Defaults applied for zero Options fields.
const (
	defaultKeepRecent    = 2
	defaultKeepEarliest  = 1
	defaultPerMessageCap = 1000
	defaultEdgeChars     = 1200
	defaultOmitBatch     = 8
	defaultMinRetained   = 10
)

// EstimateTokens is the default token counter: a conservative four characters
// per token ratio, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// New returns a Compactor with the given options, applying defaults for zero
// fields.
func New(opts Options) *Compactor {
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = defaultKeepRecent
	}
	if opts.KeepEarliest <= 0 {
		opts.KeepEarliest = defaultKeepEarliest
	}
	if opts.PerMessageCap <= 0 {
		opts.PerMessageCap = defaultPerMessageCap
	}
	if opts.EdgeChars <= 0 {
		opts.EdgeChars = defaultEdgeChars
	}
	if opts.OmitBatch <= 0 {
		opts.OmitBatch = defaultOmitBatch
	}
	if opts.MinRetained <= 0 {
		opts.MinRetained = defaultMinRetained
	}
	if opts.Count == nil {
		opts.Count = EstimateTokens
	}
	return &Compactor{opts: opts}
}

// Compact returns a message list that fits budget tokens whenever structurally
// possible. It never returns an error and never returns an empty list for
// non-empty input: when every stage is exhausted the best effort is returned
// even if still over budget.
func (c *Compactor) Compact(msgs []*thread.Message, budget int) []*thread.Message {
	out := make([]*thread.Message, len(msgs))
	copy(out, msgs)

	// Nothing useful to cut in a conversation this short.
	if len(out) < 3 || budget <= 0 {
		return out
	}
	if c.total(out) <= budget {
		return out
	}

	// Staged truncation: tool results first, then user turns, then assistant
	// turns. Stop as soon as the history fits.
	for _, typ := range []thread.Type{thread.TypeToolResult, thread.TypeUser, thread.TypeAssistant} {
		out = c.truncatePass(out, typ)
		if c.total(out) <= budget {
			return out
		}
	}

	// A single message larger than the whole budget is shrunk even when
	// protected: truncating beats losing the most recent turn.
	for i, m := range out {
		if c.tokens(m) > budget {
			out[i] = c.truncate(m)
		}
	}
	if c.total(out) <= budget {
		return out
	}

	return c.omit(out, budget)
}

// truncatePass shrinks oversized bodies of the given type, leaving protected
// messages intact.
func (c *Compactor) truncatePass(msgs []*thread.Message, typ thread.Type) []*thread.Message {
	out := make([]*thread.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Type != typ || c.protected(out, i) {
			continue
		}
		if c.tokens(m) <= c.opts.PerMessageCap {
			continue
		}
		out[i] = c.truncate(m)
	}
	return out
}

// truncate produces a derived copy keeping a bounded prefix and suffix with an
// ellipsis marker back-referencing the original message.
func (c *Compactor) truncate(m *thread.Message) *thread.Message {
	edge := c.opts.EdgeChars
	if len(m.Content) <= 2*edge {
		return m
	}
	derived := *m
	derived.Content = m.Content[:edge] +
		fmt.Sprintf("\n... (truncated, full content in message %s) ...\n", m.ID) +
		m.Content[len(m.Content)-edge:]
	if derived.Meta != nil {
		meta := make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			meta[k] = v
		}
		delete(meta, thread.MetaTokenHint)
		derived.Meta = meta
	}
	return &derived
}

// omit removes whole messages from the middle of the history in fixed-size
// batches until under budget or the retained-message floor is reached.
func (c *Compactor) omit(msgs []*thread.Message, budget int) []*thread.Message {
	out := msgs
	for c.total(out) > budget && len(out) > c.opts.MinRetained {
		removed := 0
		next := out[:0:0]
		for i, m := range out {
			if removed < c.opts.OmitBatch && !c.protected(out, i) && m.Type != thread.TypeSystem {
				removed++
				continue
			}
			next = append(next, m)
		}
		if removed == 0 {
			break
		}
		out = next
	}
	return out
}

// protected reports whether the message at index i must survive all passes:
// the system message, the earliest few, and the most recent few.
func (c *Compactor) protected(msgs []*thread.Message, i int) bool {
	if msgs[i].Type == thread.TypeSystem {
		return true
	}
	earliest := c.opts.KeepEarliest
	if msgs[0].Type == thread.TypeSystem {
		earliest++
	}
	if i < earliest {
		return true
	}
	return i >= len(msgs)-c.opts.KeepRecent
}

// tokens returns the token estimate for a message, preferring a stored hint.
func (c *Compactor) tokens(m *thread.Message) int {
	if m.Meta != nil {
		if hint, ok := m.Meta[thread.MetaTokenHint].(int); ok && hint > 0 {
			return hint
		}
	}
	return c.opts.Count(m.Content)
}

// total sums the token estimates of the history.
func (c *Compactor) total(msgs []*thread.Message) int {
	sum := 0
	for _, m := range msgs {
		sum += c.tokens(m)
	}
	return sum
}

package compactor

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/runtime/agent/thread"
)

func msg(id string, typ thread.Type, content string) *thread.Message {
	return &thread.Message{ID: id, Type: typ, Content: content, LLMVisible: true}
}

// history builds a synthetic conversation: a system prompt followed by
// repeating user, assistant and tool result turns with the given body.
func history(n int, body string) []*thread.Message {
	msgs := []*thread.Message{msg("m0", thread.TypeSystem, "You are a helpful assistant.")}
	types := []thread.Type{thread.TypeUser, thread.TypeAssistant, thread.TypeToolResult}
	for i := 1; i < n; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), types[(i-1)%len(types)], body))
	}
	return msgs
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestCompactUnderBudgetIsIdentity(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	msgs := history(6, "short body")

	out := c.Compact(msgs, 1_000_000)
	require.Len(t, out, len(msgs))
	for i := range msgs {
		assert.Same(t, msgs[i], out[i])
	}
}

func TestCompactShortHistoryUntouched(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	msgs := []*thread.Message{
		msg("m0", thread.TypeSystem, strings.Repeat("x", 50_000)),
		msg("m1", thread.TypeUser, strings.Repeat("y", 50_000)),
	}

	out := c.Compact(msgs, 10)
	require.Len(t, out, 2)
	assert.Same(t, msgs[0], out[0])
	assert.Same(t, msgs[1], out[1])
}

func TestCompactTruncatesToolResultsFirst(t *testing.T) {
	t.Parallel()

	c := New(Options{PerMessageCap: 100, EdgeChars: 40})
	big := strings.Repeat("z", 4_000)
	msgs := []*thread.Message{
		msg("m0", thread.TypeSystem, "system"),
		msg("m1", thread.TypeUser, "first question"),
		msg("m2", thread.TypeAssistant, big),
		msg("m3", thread.TypeToolResult, big),
		msg("m4", thread.TypeAssistant, "summary of the result"),
		msg("m5", thread.TypeUser, "next question"),
	}

	// Budget that fits once the tool result alone is truncated.
	budget := c.total(msgs) - 500
	out := c.Compact(msgs, budget)

	require.Len(t, out, len(msgs))
	assert.Contains(t, out[3].Content, "truncated, full content in message m3")
	assert.Equal(t, big, out[2].Content, "assistant turn untouched when tool results suffice")
	assert.Same(t, msgs[1], out[1])
}

func TestCompactNeverMutatesInput(t *testing.T) {
	t.Parallel()

	c := New(Options{PerMessageCap: 10, EdgeChars: 8})
	big := strings.Repeat("q", 2_000)
	msgs := history(8, big)

	_ = c.Compact(msgs, 50)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
		if i > 0 {
			assert.Equal(t, big, m.Content, "input message %d mutated", i)
		}
	}
}

func TestCompactOmitsMiddleMessages(t *testing.T) {
	t.Parallel()

	c := New(Options{
		KeepRecent:    2,
		KeepEarliest:  1,
		PerMessageCap: 1,
		EdgeChars:     1,
		OmitBatch:     4,
		MinRetained:   4,
	})
	msgs := history(30, strings.Repeat("w", 400))

	out := c.Compact(msgs, 10)
	require.NotEmpty(t, out)
	assert.Less(t, len(out), len(msgs))
	assert.GreaterOrEqual(t, len(out), 4)

	// The system message, the earliest turn and the two most recent turns
	// survive every omission round.
	assert.Equal(t, "m0", out[0].ID)
	assert.Equal(t, "m1", out[1].ID)
	assert.Equal(t, msgs[len(msgs)-2].ID, out[len(out)-2].ID)
	assert.Equal(t, msgs[len(msgs)-1].ID, out[len(out)-1].ID)
}

func TestCompactShrinksOversizedProtectedMessage(t *testing.T) {
	t.Parallel()

	c := New(Options{EdgeChars: 100})
	msgs := []*thread.Message{
		msg("m0", thread.TypeSystem, "system"),
		msg("m1", thread.TypeUser, "question"),
		msg("m2", thread.TypeAssistant, "answer"),
		msg("m3", thread.TypeUser, strings.Repeat("v", 40_000)),
	}

	out := c.Compact(msgs, 500)
	require.Len(t, out, len(msgs))
	assert.Contains(t, out[3].Content, "truncated")
	assert.Less(t, len(out[3].Content), 1_000)
}

func TestCompactUsesTokenHints(t *testing.T) {
	t.Parallel()

	counted := 0
	c := New(Options{Count: func(text string) int {
		counted++
		return EstimateTokens(text)
	}})

	m := msg("m1", thread.TypeUser, "hello")
	m.Meta = map[string]any{thread.MetaTokenHint: 42}
	msgs := []*thread.Message{
		msg("m0", thread.TypeSystem, "system"),
		m,
		msg("m2", thread.TypeAssistant, "reply"),
	}

	_ = c.Compact(msgs, 1_000)
	assert.Equal(t, 42, c.tokens(m))
}

func TestTruncateStripsTokenHint(t *testing.T) {
	t.Parallel()

	c := New(Options{EdgeChars: 10})
	m := msg("m1", thread.TypeToolResult, strings.Repeat("r", 500))
	m.Meta = map[string]any{thread.MetaTokenHint: 9_999, "tool": "search"}

	derived := c.truncate(m)
	require.NotSame(t, m, derived)
	assert.NotContains(t, derived.Meta, thread.MetaTokenHint)
	assert.Equal(t, "search", derived.Meta["tool"])
	assert.Contains(t, m.Meta, thread.MetaTokenHint, "original metadata untouched")
}

func TestBudgetTableForModel(t *testing.T) {
	t.Parallel()

	table := BudgetTable{
		Windows:      map[string]int{"claude-sonnet-4-20250514": 200_000},
		SafetyMargin: 8_000,
	}

	assert.Equal(t, 192_000, table.ForModel("claude-sonnet-4-20250514"))
	assert.Equal(t, 120_000, table.ForModel("unknown-model"))

	degenerate := BudgetTable{Windows: map[string]int{"tiny": 1_000}, SafetyMargin: 8_000}
	assert.Equal(t, 500, degenerate.ForModel("tiny"))

	zero := BudgetTable{}
	assert.Equal(t, 120_000, zero.ForModel("anything"))
}

// TestCompactProperties drives Compact over randomized histories and budgets
// and checks the structural guarantees that hold for every input.
func TestCompactProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	c := New(Options{PerMessageCap: 20, EdgeChars: 16, OmitBatch: 2, MinRetained: 4})

	genHistory := gen.SliceOfN(12, gen.IntRange(0, 2_000)).Map(func(sizes []int) []*thread.Message {
		msgs := []*thread.Message{msg("m0", thread.TypeSystem, "system prompt")}
		types := []thread.Type{thread.TypeUser, thread.TypeAssistant, thread.TypeToolResult}
		for i, n := range sizes {
			msgs = append(msgs, msg(fmt.Sprintf("m%d", i+1), types[i%len(types)], strings.Repeat("a", n)))
		}
		return msgs
	})

	properties.Property("output is never empty for non-empty input", prop.ForAll(
		func(msgs []*thread.Message, budget int) bool {
			return len(c.Compact(msgs, budget)) > 0
		},
		genHistory,
		gen.IntRange(1, 5_000),
	))

	properties.Property("system message always survives", prop.ForAll(
		func(msgs []*thread.Message, budget int) bool {
			out := c.Compact(msgs, budget)
			return len(out) > 0 && out[0].Type == thread.TypeSystem
		},
		genHistory,
		gen.IntRange(1, 5_000),
	))

	properties.Property("most recent turn always survives", prop.ForAll(
		func(msgs []*thread.Message, budget int) bool {
			out := c.Compact(msgs, budget)
			return len(out) > 0 && out[len(out)-1].ID == msgs[len(msgs)-1].ID
		},
		genHistory,
		gen.IntRange(1, 5_000),
	))

	properties.Property("input is never mutated", prop.ForAll(
		func(sizes []int, budget int) bool {
			msgs := []*thread.Message{msg("m0", thread.TypeSystem, "system prompt")}
			for i, n := range sizes {
				msgs = append(msgs, msg(fmt.Sprintf("m%d", i+1), thread.TypeToolResult, strings.Repeat("b", n)))
			}
			_ = c.Compact(msgs, budget)
			for i, m := range msgs[1:] {
				if len(m.Content) != sizes[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.IntRange(0, 2_000)),
		gen.IntRange(1, 5_000),
	))

	properties.Property("message order is preserved", prop.ForAll(
		func(msgs []*thread.Message, budget int) bool {
			out := c.Compact(msgs, budget)
			pos := make(map[string]int, len(msgs))
			for i, m := range msgs {
				pos[m.ID] = i
			}
			last := -1
			for _, m := range out {
				i, ok := pos[m.ID]
				if !ok || i <= last {
					return false
				}
				last = i
			}
			return true
		},
		genHistory,
		gen.IntRange(1, 5_000),
	))

	properties.TestingRun(t)
}

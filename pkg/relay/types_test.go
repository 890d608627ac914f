package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("kai", "eric", "PR ready")

	require.NotEmpty(t, msg.ID)
	assert.Equal(t, "kai", msg.From)
	assert.Equal(t, "eric", msg.To)
	assert.Equal(t, "PR ready", msg.Body)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.False(t, msg.Read)

	other := NewMessage("kai", "eric", "PR ready")
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestSessionKey(t *testing.T) {
	s := Session{User: "kai", Session: "editor"}
	assert.Equal(t, "kai:editor", s.Key())
}

func TestBuildSummary(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		summary := buildSummary(nil)
		assert.Zero(t, summary.Count)
		assert.Empty(t, summary.Preview)
	})

	t.Run("single message", func(t *testing.T) {
		summary := buildSummary([]Message{{From: "kai", Body: "PR ready"}})
		assert.Equal(t, 1, summary.Count)
		assert.Equal(t, "@kai about PR ready", summary.Preview)
	})

	t.Run("preview capped at three messages", func(t *testing.T) {
		msgs := []Message{
			{From: "a", Body: "one"},
			{From: "b", Body: "two"},
			{From: "c", Body: "three"},
			{From: "d", Body: "four"},
		}
		summary := buildSummary(msgs)
		assert.Equal(t, 4, summary.Count)
		assert.Contains(t, summary.Preview, "@a about one")
		assert.Contains(t, summary.Preview, "@c about three")
		assert.NotContains(t, summary.Preview, "@d")
	})

	t.Run("long body truncated with ellipsis", func(t *testing.T) {
		summary := buildSummary([]Message{{From: "kai", Body: strings.Repeat("x", 200)}})
		assert.Contains(t, summary.Preview, "…")
		assert.Less(t, len([]rune(summary.Preview)), 60)
	})

	t.Run("whole preview hard capped", func(t *testing.T) {
		msgs := []Message{
			{From: "alpha", Body: strings.Repeat("a", 100)},
			{From: "bravo", Body: strings.Repeat("b", 100)},
			{From: "carol", Body: strings.Repeat("c", 100)},
		}
		summary := buildSummary(msgs)
		assert.LessOrEqual(t, len([]rune(summary.Preview)), previewMaxRunes+1)
	})

	t.Run("body whitespace collapsed", func(t *testing.T) {
		summary := buildSummary([]Message{{From: "kai", Body: "line one\nline two"}})
		assert.Equal(t, "@kai about line one line two", summary.Preview)
	})
}

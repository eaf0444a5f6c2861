package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventKind_ClosedSet(t *testing.T) {
	for _, k := range []string{"info", "plan", "decision", "tool_call", "tool_result",
		"error", "escalation", "evaluation", "completion"} {
		kind, err := NewEventKind(k)
		require.NoError(t, err)
		assert.Equal(t, EventKind(k), kind)
	}

	_, err := NewEventKind("telemetry")
	assert.ErrorIs(t, err, ErrInvalidEventKind)
}

func TestEvent_Validate(t *testing.T) {
	e := &Event{JobID: "j-1", Kind: EventToolCall}
	assert.NoError(t, e.Validate())

	e = &Event{Kind: EventToolCall}
	assert.ErrorIs(t, e.Validate(), ErrInvalidID)

	e = &Event{JobID: "j-1", Kind: "banana"}
	assert.ErrorIs(t, e.Validate(), ErrInvalidEventKind)
}

func TestNewConversation_GeneratesID(t *testing.T) {
	c, err := NewConversation()
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
}

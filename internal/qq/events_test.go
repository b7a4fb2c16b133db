// ABOUTME: Tests for inbound event construction: source mapping, field
// ABOUTME: extraction per source, and skipping of non-message event types.

package qq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEventGuild(t *testing.T) {
	ev := buildEvent("AT_MESSAGE_CREATE", map[string]any{
		"id":         "evt-1",
		"content":    "  <@!botid> hello  ",
		"channel_id": "chan-9",
		"author":     map[string]any{"id": "user-3"},
	})
	require.NotNil(t, ev)
	assert.Equal(t, SourceGuild, ev.Source)
	assert.Equal(t, "<@!botid> hello", ev.Content)
	assert.Equal(t, "chan-9", ev.SourceID)
	assert.Equal(t, "evt-1", ev.EventID)
	assert.Equal(t, "AT_MESSAGE_CREATE", ev.EventType)
	assert.Equal(t, "user-3", ev.SenderID)
}

func TestBuildEventGroup(t *testing.T) {
	ev := buildEvent("GROUP_AT_MESSAGE_CREATE", map[string]any{
		"id":           "evt-2",
		"content":      "ping",
		"group_openid": "group-abc",
		"author":       map[string]any{"member_openid": "member-7"},
	})
	require.NotNil(t, ev)
	assert.Equal(t, SourceGroup, ev.Source)
	assert.Equal(t, "group-abc", ev.SourceID)
	assert.Equal(t, "member-7", ev.SenderID)
}

func TestBuildEventDirect(t *testing.T) {
	ev := buildEvent("C2C_MESSAGE_CREATE", map[string]any{
		"id":      "evt-3",
		"content": "dm",
		"author":  map[string]any{"user_openid": "user-xyz"},
	})
	require.NotNil(t, ev)
	assert.Equal(t, SourceDirect, ev.Source)
	// Direct messages have no container; sender doubles as the destination.
	assert.Equal(t, "user-xyz", ev.SourceID)
	assert.Equal(t, "user-xyz", ev.SenderID)
}

func TestBuildEventUnmappedTypeSkipped(t *testing.T) {
	for _, eventType := range []string{"READY", "GUILD_CREATE", "RESUMED", ""} {
		assert.Nil(t, buildEvent(eventType, map[string]any{"id": "x"}), eventType)
	}
}

func TestBuildEventMissingFields(t *testing.T) {
	// Payloads with absent or mistyped fields yield zero values, not panics.
	ev := buildEvent("AT_MESSAGE_CREATE", map[string]any{
		"content": 42,
		"author":  "not a map",
	})
	require.NotNil(t, ev)
	assert.Empty(t, ev.Content)
	assert.Empty(t, ev.SourceID)
	assert.Empty(t, ev.SenderID)
	assert.Empty(t, ev.EventID)
}

func TestSourceValid(t *testing.T) {
	assert.True(t, SourceGuild.Valid())
	assert.True(t, SourceGroup.Valid())
	assert.True(t, SourceDirect.Valid())
	assert.False(t, Source("").Valid())
	assert.False(t, Source("channel").Valid())
}

// ABOUTME: Gateway wire types: op codes, frame envelope, and inbound event construction.
// ABOUTME: Maps vendor event types to message sources; unmapped types are ignored.

package qq

import (
	"encoding/json"
	"strings"
)

// Gateway op codes.
const (
	OpDispatch       = 0  // in: business event, carries t + d + s
	OpHeartbeat      = 1  // out: carries last seen sequence
	OpIdentify       = 2  // out: fresh authentication + intents
	OpResume         = 6  // out: session_id + last sequence
	OpReconnect      = 7  // in: server requests reconnection, session resumable
	OpInvalidSession = 9  // in: session not resumable, must re-Identify
	OpHello          = 10 // in: carries heartbeat interval
	OpHeartbeatAck   = 11 // in: acknowledges heartbeat
)

// DefaultIntents is the default event subscription bitmask:
// GUILDS, GUILD_MEMBERS, GROUP_AND_C2C_EVENT, PUBLIC_GUILD_MESSAGES.
const DefaultIntents uint32 = 1<<0 | 1<<1 | 1<<25 | 1<<30

// Source identifies where a message came from. The wire value for direct
// messages is "c2c", the vendor's name for user-to-bot chats.
type Source string

const (
	SourceGuild  Source = "guild"
	SourceGroup  Source = "group"
	SourceDirect Source = "c2c"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceGuild, SourceGroup, SourceDirect:
		return true
	}
	return false
}

// frame is the envelope for every gateway payload in both directions.
type frame struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Event is an inbound message event handed to the business handler.
// Constructed once per dispatch payload and immutable afterwards.
type Event struct {
	Source    Source
	Content   string
	SourceID  string
	EventID   string
	EventType string
	SenderID  string
	Raw       map[string]any
}

// Reply is the handler's answer to an Event. A nil Content suppresses
// the reply entirely.
type Reply struct {
	Content *string `json:"content"`
}

// eventSourceMap maps vendor dispatch event types to message sources.
// Event types absent from the map are not message events and are skipped.
var eventSourceMap = map[string]Source{
	"AT_MESSAGE_CREATE":       SourceGuild,
	"GROUP_AT_MESSAGE_CREATE": SourceGroup,
	"C2C_MESSAGE_CREATE":      SourceDirect,
}

// buildEvent parses a raw dispatch payload into an Event. Returns nil for
// event types that do not map to a message source.
func buildEvent(eventType string, data map[string]any) *Event {
	source, ok := eventSourceMap[eventType]
	if !ok {
		return nil
	}

	content, _ := data["content"].(string)
	eventID, _ := data["id"].(string)
	author, _ := data["author"].(map[string]any)

	var sourceID, senderID string
	switch source {
	case SourceGuild:
		sourceID, _ = data["channel_id"].(string)
		senderID, _ = author["id"].(string)
	case SourceGroup:
		sourceID, _ = data["group_openid"].(string)
		senderID, _ = author["member_openid"].(string)
	case SourceDirect:
		sourceID, _ = author["user_openid"].(string)
		senderID = sourceID
	}

	return &Event{
		Source:    source,
		Content:   strings.TrimSpace(content),
		SourceID:  sourceID,
		EventID:   eventID,
		EventType: eventType,
		SenderID:  senderID,
		Raw:       data,
	}
}

// ABOUTME: Normalized event types and the single decoding step producing them
// ABOUTME: Events are a closed tagged union; handlers never see raw JSON strings

package wire

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of a normalized event.
type EventType string

// Normalized event types.
const (
	EventMessage            EventType = "MESSAGE"
	EventParticipantChanged EventType = "PARTICIPANT_CHANGED"
	EventCloseConversation  EventType = "CLOSE_CONVERSATION"
	EventUnknown            EventType = "UNKNOWN"
)

// Provider event names as they appear on the stream.
const (
	ProviderEventMessage            = "CONVERSATION_MESSAGE"
	ProviderEventParticipantChanged = "CONVERSATION_PARTICIPANT_CHANGED"
	ProviderEventClose              = "CONVERSATION_CLOSE_CONVERSATION"
)

// Participant identifies an actor inside a provider conversation.
type Participant struct {
	Role    string `json:"role"`
	Subject string `json:"subject"`
}

// ConversationEntry is the envelope common to every provider event payload.
type ConversationEntry struct {
	EntryType             string       `json:"entryType,omitempty"`
	EntryPayload          PayloadField `json:"entryPayload"`
	Sender                Participant  `json:"sender"`
	SenderDisplayName     string       `json:"senderDisplayName"`
	Identifier            string       `json:"identifier"`
	TranscriptedTimestamp int64        `json:"transcriptedTimestamp,omitempty"`
	ClientTimestamp       int64        `json:"clientTimestamp,omitempty"`
}

// PayloadField holds an entry payload that arrives either as an embedded JSON
// string (live frames) or as a plain object (transcript entries).
type PayloadField struct {
	raw json.RawMessage
}

// NewPayloadField wraps an already-parsed JSON document.
func NewPayloadField(raw json.RawMessage) PayloadField {
	return PayloadField{raw: raw}
}

// UnmarshalJSON accepts both encodings. A string value is unwrapped so that
// Decode always operates on the inner document.
func (p *PayloadField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.raw = json.RawMessage(s)
		return nil
	}
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON re-encodes in the live-frame form (JSON embedded in a string)
// so replayed transcript entries are indistinguishable from live frames.
func (p PayloadField) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(string(p.raw))
}

// Decode unmarshals the inner payload document into v.
func (p PayloadField) Decode(v any) error {
	if len(p.raw) == 0 {
		return fmt.Errorf("empty entry payload")
	}
	return json.Unmarshal(p.raw, v)
}

// StaticContent is the text body of a provider message.
type StaticContent struct {
	FormatType string `json:"formatType"`
	Text       string `json:"text"`
}

// AbstractMessage is the provider's message entry payload.
type AbstractMessage struct {
	ID            string        `json:"id"`
	MessageType   string        `json:"messageType"`
	StaticContent StaticContent `json:"staticContent"`
}

// ParticipantOperation is one add/remove operation inside a
// participant-changed payload.
type ParticipantOperation struct {
	Operation   string      `json:"operation"`
	DisplayName string      `json:"displayName"`
	Participant Participant `json:"participant"`
}

// Participant operations.
const (
	OperationAdd    = "add"
	OperationRemove = "remove"
)

// MessageData is the decoded payload of a MESSAGE event.
type MessageData struct {
	ConversationEntry ConversationEntry
	Message           AbstractMessage
}

// ParticipantChangedData is the decoded payload of a PARTICIPANT_CHANGED event.
type ParticipantChangedData struct {
	ConversationEntry ConversationEntry
	Entries           []ParticipantOperation
}

// CloseData is the decoded payload of a CLOSE_CONVERSATION event.
type CloseData struct {
	ConversationEntry ConversationEntry
}

// Event is one normalized transport event. Exactly one of the typed payload
// fields matching Type is non-nil; EventUnknown carries only RawName.
type Event struct {
	Type EventType

	// RawName is the provider event name, kept for unknown-type logging.
	RawName string

	Message            *MessageData
	ParticipantChanged *ParticipantChangedData
	Close              *CloseData

	// OriginTimestamp is the provider transcript timestamp of the underlying
	// entry, zero when the frame carried none.
	OriginTimestamp int64
}

// Identifier returns the provider entry identifier carried by the event,
// empty for unknown events. Used as the dedupe key component.
func (e Event) Identifier() string {
	switch e.Type {
	case EventMessage:
		return e.Message.ConversationEntry.Identifier
	case EventParticipantChanged:
		return e.ParticipantChanged.ConversationEntry.Identifier
	case EventCloseConversation:
		return e.Close.ConversationEntry.Identifier
	}
	return ""
}

// dataEnvelope is the outer shape of every DATA frame body.
type dataEnvelope struct {
	ConversationEntry ConversationEntry `json:"conversationEntry"`
}

// entriesPayload is the inner payload of a participant-changed entry.
type entriesPayload struct {
	Entries []ParticipantOperation `json:"entries"`
}

// messagePayload is the inner payload of a message entry.
type messagePayload struct {
	AbstractMessage AbstractMessage `json:"abstractMessage"`
}

// DecodeEvent parses a frame's data document under the given provider event
// name and produces the matching variant. An empty name defaults to a
// message. Names outside the supported set yield EventUnknown with no error
// as long as the data is valid JSON; the router decides what to do with them.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case ProviderEventMessage, "":
		var env dataEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Event{}, fmt.Errorf("decoding message frame: %w", err)
		}
		var inner messagePayload
		if err := env.ConversationEntry.EntryPayload.Decode(&inner); err != nil {
			return Event{}, fmt.Errorf("decoding message entry payload: %w", err)
		}
		return Event{
			Type:            EventMessage,
			RawName:         ProviderEventMessage,
			Message:         &MessageData{ConversationEntry: env.ConversationEntry, Message: inner.AbstractMessage},
			OriginTimestamp: env.ConversationEntry.TranscriptedTimestamp,
		}, nil

	case ProviderEventParticipantChanged:
		var env dataEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Event{}, fmt.Errorf("decoding participant frame: %w", err)
		}
		var inner entriesPayload
		if err := env.ConversationEntry.EntryPayload.Decode(&inner); err != nil {
			return Event{}, fmt.Errorf("decoding participant entry payload: %w", err)
		}
		return Event{
			Type:               EventParticipantChanged,
			RawName:            ProviderEventParticipantChanged,
			ParticipantChanged: &ParticipantChangedData{ConversationEntry: env.ConversationEntry, Entries: inner.Entries},
			OriginTimestamp:    env.ConversationEntry.TranscriptedTimestamp,
		}, nil

	case ProviderEventClose:
		var env dataEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Event{}, fmt.Errorf("decoding close frame: %w", err)
		}
		return Event{
			Type:            EventCloseConversation,
			RawName:         ProviderEventClose,
			Close:           &CloseData{ConversationEntry: env.ConversationEntry},
			OriginTimestamp: env.ConversationEntry.TranscriptedTimestamp,
		}, nil

	default:
		if !json.Valid(data) {
			return Event{}, fmt.Errorf("frame %q carries invalid JSON", name)
		}
		return Event{Type: EventUnknown, RawName: name}, nil
	}
}

// ABOUTME: Maps provider transcript entries to normalized wire events
// ABOUTME: Internal bookkeeping entries are suppressed, unknown types reported

package transcript

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/hitl-bridge/internal/wire"
)

// Entry types found in the provider's durable transcript.
const (
	EntryTypeParticipantChanged = "ParticipantChanged"
	EntryTypeMessage            = "Message"
	EntryTypeConversationClosed = "ConversationClosed"
	EntryTypeRoutingResult      = "RoutingResult"
)

// ErrUnknownEntryType marks transcript entries this bridge has no mapping
// for. Callers log and continue; the error is never fatal.
var ErrUnknownEntryType = errors.New("unknown transcript entry type")

// Entry is one record from the provider's conversation history, used only
// during recovery.
type Entry struct {
	EntryType             string           `json:"entryType"`
	EntryPayload          json.RawMessage  `json:"entryPayload"`
	TranscriptedTimestamp int64            `json:"transcriptedTimestamp"`
	Sender                wire.Participant `json:"sender"`
	SenderDisplayName     string           `json:"senderDisplayName"`
	Identifier            string           `json:"identifier"`
}

// Map converts a transcript entry into the event a live frame would have
// produced, so the router cannot distinguish replayed events from live ones
// except via their origin timestamp.
//
// Returns (nil, nil) for RoutingResult entries: provider-internal bookkeeping
// that is never surfaced. Unknown entry types return ErrUnknownEntryType.
func Map(entry Entry) (*wire.Event, error) {
	var eventName string
	switch entry.EntryType {
	case EntryTypeParticipantChanged:
		eventName = wire.ProviderEventParticipantChanged
	case EntryTypeMessage:
		eventName = wire.ProviderEventMessage
	case EntryTypeConversationClosed:
		eventName = wire.ProviderEventClose
	case EntryTypeRoutingResult:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntryType, entry.EntryType)
	}

	data, err := json.Marshal(wire.ConversationEntry{
		EntryType:             entry.EntryType,
		EntryPayload:          wire.NewPayloadField(entry.EntryPayload),
		Sender:                entry.Sender,
		SenderDisplayName:     entry.SenderDisplayName,
		Identifier:            entry.Identifier,
		TranscriptedTimestamp: entry.TranscriptedTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding transcript entry %q: %w", entry.Identifier, err)
	}

	ev, err := wire.DecodeEvent(eventName, []byte(`{"conversationEntry":`+string(data)+`}`))
	if err != nil {
		return nil, fmt.Errorf("mapping transcript entry %q: %w", entry.Identifier, err)
	}
	return &ev, nil
}

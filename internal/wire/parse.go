// ABOUTME: Frame parser splitting raw webhook payloads into normalized events
// ABOUTME: Tolerates single-JSON, multi-frame SSE, and escaped-newline encodings

package wire

import (
	"log/slog"
	"strings"
)

// Frame markers. The translator forwards the provider's SSE stream either as
// a multi-frame block (real newlines, frames separated by a blank line before
// the id field) or as a single frame with escaped newlines.
const (
	multiFrameMarker   = "\n\nid:"
	escapedFrameMarker = `\nevent:`
	frameSeparator     = "\n\n"
	eventLinePrefix    = "event:"
	dataLinePrefix     = "data:"
)

// Payload is the DATA trigger payload as delivered by the translator.
// Data carries a JSON string for single-event deliveries; Raw carries the
// original SSE text when the translator batched several frames.
type Payload struct {
	Event string `json:"event"`
	Data  string `json:"data"`
	Raw   string `json:"raw"`
}

// TransportFrame is one raw unit extracted from a multi-frame payload.
type TransportFrame struct {
	EventName string
	DataField string
}

// Parser turns raw payloads into ordered normalized events. Parsing never
// fails: unusable input yields an empty slice, and one malformed frame never
// aborts its siblings. The parser holds no per-call state.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a frame parser. Pass nil for the default logger.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With("component", "wire")}
}

// Parse converts a payload into zero or more events, preserving frame order.
func (p *Parser) Parse(payload Payload) []Event {
	if strings.Contains(payload.Raw, multiFrameMarker) || strings.Contains(payload.Raw, escapedFrameMarker) {
		return p.parseFrames(payload.Raw)
	}

	// Single-message payload: the whole data field is one JSON document.
	// There is nothing to salvage from a parse failure.
	ev, err := DecodeEvent(payload.Event, []byte(payload.Data))
	if err != nil {
		p.logger.Debug("discarding unparseable payload", "event", payload.Event, "error", err)
		return nil
	}
	return []Event{ev}
}

// parseFrames splits an SSE-style raw payload into frames and decodes each.
func (p *Parser) parseFrames(raw string) []Event {
	var blocks []string
	if strings.Contains(raw, multiFrameMarker) {
		for _, block := range strings.Split(raw, frameSeparator) {
			if strings.TrimSpace(block) != "" {
				blocks = append(blocks, block)
			}
		}
	} else {
		// Escaped-newline single frame.
		blocks = []string{strings.ReplaceAll(raw, `\n`, "\n")}
	}

	var events []Event
	for _, block := range blocks {
		frame, ok := splitFrame(block)
		if !ok {
			// A frame without a data field carries nothing to process.
			continue
		}
		ev, err := DecodeEvent(frame.EventName, []byte(frame.DataField))
		if err != nil {
			p.logger.Warn("dropping malformed frame", "event", frame.EventName, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// splitFrame extracts the event and data lines from one frame block.
// The event line is optional and defaults to a message; the data line is
// required for the frame to be usable.
func splitFrame(block string) (TransportFrame, bool) {
	frame := TransportFrame{EventName: ProviderEventMessage}
	var haveData, haveEvent bool

	for _, line := range strings.Split(block, "\n") {
		switch {
		case !haveData && strings.HasPrefix(line, dataLinePrefix):
			frame.DataField = line[len(dataLinePrefix):]
			haveData = true
		case !haveEvent && strings.HasPrefix(line, eventLinePrefix):
			frame.EventName = line[len(eventLinePrefix):]
			haveEvent = true
		}
	}

	return frame, haveData
}

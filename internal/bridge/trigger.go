// ABOUTME: Trigger envelope delivered by the transport translator webhook
// ABOUTME: Types cover data frames, relay lifecycle, and the internal force close

package bridge

import "github.com/2389/hitl-bridge/internal/wire"

// Trigger types delivered to the webhook.
const (
	TriggerData              = "DATA"
	TriggerError             = "ERROR"
	TriggerTransportStart    = "TRANSPORT_START"
	TriggerTransportEnd      = "TRANSPORT_END"
	TriggerTransportRestored = "TRANSPORT_RESTORED"

	// TriggerForceClose is synthesized locally, never by the translator, to
	// push a conversation through the terminal transition.
	TriggerForceClose = "INTERNAL_FORCE_CLOSE_CONVERSATION"
)

// expiredCredentialMarker is the raw payload the translator forwards when the
// provider rejects the session token.
const expiredCredentialMarker = "Jwt is expired"

// Transport identifies the relay session a trigger belongs to.
type Transport struct {
	Key string `json:"key"`
}

// Trigger is one webhook delivery. Payload is present only for DATA triggers.
type Trigger struct {
	Type      string        `json:"type"`
	Transport Transport     `json:"transport"`
	Payload   *wire.Payload `json:"payload,omitempty"`
}

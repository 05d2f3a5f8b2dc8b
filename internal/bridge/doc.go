// Package bridge is the webhook-facing edge: it receives trigger envelopes
// from the transport translator, resolves the conversation for the transport
// key, and dispatches frames through the parser and router. Transport
// lifecycle triggers (end, restore, force close) are handled here directly.
package bridge

// Package provider implements the outbound REST clients: the messaging API
// (conversations, tokens, messages, transcript, routing status) and the
// transport translator that relays the provider's SSE feed to our webhook.
//
// Calls are single-attempt with no internal retry; failures surface to the
// caller, which decides whether a retry happens on the next delivery.
package provider

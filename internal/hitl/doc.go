// Package hitl implements the host-facing actions: starting a human-in-the-
// loop session, stopping one, and resolving users. Start is the only place a
// conversation, its messaging state, and its transport relay are created
// together.
package hitl

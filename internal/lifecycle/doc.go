// Package lifecycle implements the conversation state machine: pending until
// an agent joins, assigned while one is present, closed forever after. It is
// the only code allowed to transition a conversation's state, and every
// transition is idempotent under re-delivery.
package lifecycle

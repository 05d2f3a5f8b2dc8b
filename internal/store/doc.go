// Package store provides SQLite-backed persistence for conversations, users,
// messages, domain events, and per-conversation named state slots.
package store

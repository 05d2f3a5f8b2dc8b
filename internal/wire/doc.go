// Package wire normalizes raw transport payloads from the translator webhook
// into typed domain events. All ad-hoc payload parsing (single JSON,
// multi-frame SSE text, escaped-newline frames) is contained here; nothing
// downstream ever sees an undecoded string.
package wire

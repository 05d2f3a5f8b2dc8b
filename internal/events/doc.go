// Package events persists and fans out domain events (hitlStarted,
// hitlAssigned, hitlStopped) to in-process subscribers. It is not a broker:
// delivery is best-effort and scoped to this process.
package events

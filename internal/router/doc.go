// Package router dispatches normalized transport events to the handler
// matching their type. It is stateless beyond the conversation it is handed;
// live and replayed events take the same path through it.
package router

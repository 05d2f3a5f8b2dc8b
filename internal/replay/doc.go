// Package replay reconciles a conversation after a transport interruption:
// it diffs the provider's durable transcript against the persisted watermark
// and re-routes everything the live stream missed, in timestamp order.
package replay

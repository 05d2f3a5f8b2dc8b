// Package transcript maps entries from the provider's durable conversation
// history into the same normalized events the live stream produces, so the
// recovery path and the live path share one downstream pipeline.
package transcript

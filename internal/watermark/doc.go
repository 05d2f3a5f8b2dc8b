// Package watermark tracks, per conversation, the timestamp of the last
// fully processed transport event. The watermark bounds replay during
// recovery and never decreases.
package watermark

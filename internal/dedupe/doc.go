// Package dedupe provides frame deduplication using a time-based cache so
// that re-delivered webhook payloads are not processed twice.
package dedupe

// Package channel renders outbound content into the provider conversation:
// text, files, media URLs, and locations. It enforces the closed-conversation
// guard and handles expired provider sessions by force-closing.
package channel

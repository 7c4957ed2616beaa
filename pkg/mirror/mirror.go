// Package mirror contains the core domain types for the Twitter to Nostr mirror.
package mirror

import "time"

// Account is a resolved source account.
type Account struct {
	Handle string // Handle without the leading @
	ID     string // Stable platform user ID
}

// SourceItem is one post fetched from the source platform.
type SourceItem struct {
	CreatedAt time.Time // Creation time on the source platform's clock
	ID        string    // Opaque, unique post ID
	Text      string    // Post body with HTML entities decoded
	Permalink string    // Canonical URL of the post
	MediaURLs []string  // Photo URLs in attachment order
}

// Attachment is a media reference derived from a SourceItem.
type Attachment struct {
	URL      string
	MIMEHint string // Empty when the URL carries no recognizable extension
}

// Content is the intermediate form of a SourceItem, ready to become an event.
type Content struct {
	Body      string
	Permalink string // Set only when the source URL is shown
	Hashtags  []string
	Mentions  []string
	Links     []string
	Media     []Attachment
}

// Replication records a source item that was published at least once.
type Replication struct {
	PublishedAt time.Time `json:"published_at"`
	SourceID    string    `json:"source_id"`
	Permalink   string    `json:"permalink"`
	EventID     string    `json:"event_id"`
}

// CursorKey is the progress record key holding the cursor.
const CursorKey = "start_date"

package nostr

import (
	"fmt"
	"nostr-mirror/pkg/mirror"
	"time"
)

// Builder turns transformed content into signed kind-1 events.
type Builder struct {
	key *PrivateKey
	now func() time.Time
}

// NewBuilder creates a builder that signs with key.
func NewBuilder(key *PrivateKey) *Builder {
	return &Builder{key: key, now: time.Now}
}

// PublicKey returns the hex public key events are signed with.
func (b *Builder) PublicKey() string {
	return b.key.PublicKey()
}

// Build creates and signs an event for c, stamped with the builder clock.
func (b *Builder) Build(c mirror.Content) (*Event, error) {
	ev := &Event{
		CreatedAt: b.now().Unix(),
		Kind:      KindTextNote,
		Tags:      Tags(c),
		Content:   c.Body,
	}
	if err := ev.Sign(b.key); err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	return ev, nil
}

// Tags returns the tag list for c: t per hashtag, p per mention, r per link,
// r for the permalink, then image per attachment.
func Tags(c mirror.Content) [][]string {
	tags := make([][]string, 0, len(c.Hashtags)+len(c.Mentions)+len(c.Links)+len(c.Media)+1)
	for _, h := range c.Hashtags {
		tags = append(tags, []string{"t", h})
	}
	for _, m := range c.Mentions {
		tags = append(tags, []string{"p", m})
	}
	for _, l := range c.Links {
		tags = append(tags, []string{"r", l})
	}
	if c.Permalink != "" {
		tags = append(tags, []string{"r", c.Permalink})
	}
	for _, a := range c.Media {
		if a.MIMEHint == "" {
			tags = append(tags, []string{"image", a.URL})
			continue
		}
		tags = append(tags, []string{"image", a.URL, a.MIMEHint})
	}
	return tags
}

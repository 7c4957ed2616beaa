// Package transform converts source items into Nostr-ready content.
package transform

import (
	"net/url"
	"nostr-mirror/pkg/mirror"
	"path"
	"regexp"
	"strings"
)

// MediaPolicy selects how media URLs are carried in the note.
type MediaPolicy int

const (
	// MediaTags emits one image tag per attachment and leaves the body untouched.
	MediaTags MediaPolicy = iota
	// MediaInBody also appends the media URLs to the body.
	MediaInBody
)

// Options controls formatting. The zero value emits hashtags and links only.
type Options struct {
	ShowSourceURL bool
	Mentions      bool
	Media         MediaPolicy
}

var (
	// Word characters plus the Hebrew block, matching what the source renders as hashtags.
	hashtagRegex = regexp.MustCompile(`#[\w\x{0590}-\x{05FF}]+`)
	mentionRegex = regexp.MustCompile(`@\w+`)
	linkRegex    = regexp.MustCompile(`https?://\S+`)
)

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".avif": "image/avif",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// Transform derives the note content for item. It performs no I/O.
func Transform(item mirror.SourceItem, opts Options) mirror.Content {
	c := mirror.Content{
		Hashtags: Hashtags(item.Text),
		Links:    Links(item.Text),
	}
	if opts.Mentions {
		c.Mentions = Mentions(item.Text)
	}

	for _, u := range item.MediaURLs {
		c.Media = append(c.Media, mirror.Attachment{URL: u, MIMEHint: MIMEHint(u)})
	}

	var b strings.Builder
	b.WriteString(item.Text)
	if opts.Media == MediaInBody && len(item.MediaURLs) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(item.MediaURLs, "\n"))
	}
	if opts.ShowSourceURL && item.Permalink != "" {
		c.Permalink = item.Permalink
		b.WriteString("\n\n🔗 ")
		b.WriteString(item.Permalink)
	}
	c.Body = b.String()

	return c
}

// Hashtags returns the hashtags in text without the leading #, in first-seen order.
func Hashtags(text string) []string {
	return extract(hashtagRegex, text, "#")
}

// Mentions returns the mentioned handles in text without the leading @.
func Mentions(text string) []string {
	return extract(mentionRegex, text, "@")
}

// Links returns the http and https URLs in text.
func Links(text string) []string {
	return extract(linkRegex, text, "")
}

// MIMEHint guesses a MIME type from the URL's file extension.
func MIMEHint(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return mimeByExt[strings.ToLower(path.Ext(p))]
}

func extract(re *regexp.Regexp, text, prefix string) []string {
	matches := re.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		v := strings.TrimPrefix(m, prefix)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

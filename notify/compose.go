package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Message is a rendered invitation ready for a Sender.
type Message struct {
	Subject string
	HTML    string
}

// Composer renders signing invitations from markdown. Raw HTML in the source
// is dropped by the renderer, so recipient-supplied names cannot inject markup.
type Composer struct {
	md      goldmark.Markdown
	product string
	linkTTL time.Duration
}

func NewComposer(product string, linkTTL time.Duration) *Composer {
	return &Composer{
		md:      goldmark.New(goldmark.WithExtensions(extension.Linkify)),
		product: product,
		linkTTL: linkTTL,
	}
}

// Invitation builds the message sent to one signer.
func (c *Composer) Invitation(name, link string, documents []string) (Message, error) {
	greeting := "Hello,"
	if strings.TrimSpace(name) != "" {
		greeting = fmt.Sprintf("Hello %s,", escapeMarkdown(name))
	}

	var src strings.Builder
	src.WriteString(greeting + "\n\n")
	fmt.Fprintf(&src, "You have been asked to review and sign %s:\n\n", plural(len(documents), "document"))
	for _, d := range documents {
		fmt.Fprintf(&src, "- %s\n", escapeMarkdown(d))
	}
	fmt.Fprintf(&src, "\n[Open your signing link](%s)\n\n", link)
	if c.linkTTL > 0 {
		fmt.Fprintf(&src, "The link is personal to you and expires after %s.\n", humanDuration(c.linkTTL))
	}

	var out bytes.Buffer
	if err := c.md.Convert([]byte(src.String()), &out); err != nil {
		return Message{}, fmt.Errorf("notify: render markdown: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("%s: signature requested", c.product),
		HTML:    out.String(),
	}, nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"(", `\(`, ")", `\)`, "#", `\#`, "!", `\!`, "<", `\<`, ">", `\>`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(strings.TrimSpace(s))
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func humanDuration(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return plural(int(d/(24*time.Hour)), "day")
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return plural(int(d/time.Hour), "hour")
	}
	return d.String()
}

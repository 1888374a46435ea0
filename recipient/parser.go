package recipient

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"

	"signflow/envelope"
)

var (
	emailShape = regexp.MustCompile(`^[a-z0-9._%+'\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	separators = regexp.MustCompile(`[,;\n\r]+`)
)

type entry struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Parse normalizes a raw recipients value. It accepts a JSON array of strings
// and/or {email,name} objects, a JSON string, or a plain delimited string.
// Invalid entries are dropped and duplicates keep their first occurrence.
func Parse(raw []byte) []envelope.Recipient {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return fromItems(items)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseString(s)
	}
	return ParseString(string(raw))
}

// ParseString splits a delimited list where each entry is either a bare
// address or "Name <address>". A string holding a JSON array is decoded as one.
func ParseString(s string) []envelope.Recipient {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &items); err == nil {
		return fromItems(items)
	}
	var c collector
	for _, part := range separators.Split(s, -1) {
		c.addText(part)
	}
	return c.out
}

func fromItems(items []json.RawMessage) []envelope.Recipient {
	var c collector
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			c.addText(s)
			continue
		}
		var e entry
		if err := json.Unmarshal(item, &e); err == nil {
			c.add(e.Email, e.Name)
		}
	}
	return c.out
}

type collector struct {
	seen map[string]struct{}
	out  []envelope.Recipient
}

func (c *collector) addText(text string) {
	text = strings.Trim(text, "[] \t")
	if text == "" {
		return
	}
	if strings.Contains(text, "<") {
		if addr, err := mail.ParseAddress(text); err == nil {
			c.add(addr.Address, addr.Name)
			return
		}
		name, rest, _ := strings.Cut(text, "<")
		addr, _, _ := strings.Cut(rest, ">")
		c.add(addr, strings.Trim(strings.TrimSpace(name), `"`))
		return
	}
	c.add(strings.Trim(text, `"' `), "")
}

func (c *collector) add(email, name string) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !Valid(email) {
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, dup := c.seen[email]; dup {
		return
	}
	c.seen[email] = struct{}{}
	c.out = append(c.out, envelope.Recipient{Email: email, Name: strings.TrimSpace(name)})
}

// Valid reports whether s looks like a deliverable, already lowercased address.
func Valid(s string) bool {
	return emailShape.MatchString(s)
}

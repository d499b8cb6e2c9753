package tgui

import (
	"html"
	"strings"
)

// H is HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H are treated as already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML.
// Use sparingly: feed content bodies are the only caller.
func Raw(s string) H { return H(s) }

func B(s string) H    { return H("<b>" + html.EscapeString(s) + "</b>") }
func Code(s string) H { return H("<code>" + html.EscapeString(s) + "</code>") }

// Link builds an anchor with a single-quoted href.
func Link(text, url string) H {
	return H("<a href='" + html.EscapeString(url) + "'>" + html.EscapeString(text) + "</a>")
}

// JoinH joins safe HTML parts with sep, skipping blank parts.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

package feed

import (
	"fmt"
	"strings"

	"feedspy/pkg/tgui"
)

const DefaultProfileURL = "https://twitter.com/"

var contentUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// Kind labels a private sub-feed in delivered text.
type Kind string

const (
	KindDirect Kind = "direct"
	KindFriend Kind = "friend"
)

// shortName returns the first word of an author display name.
func shortName(author string) string {
	if f := strings.Fields(author); len(f) > 0 {
		return f[0]
	}
	return author
}

// SearchItem formats a search hit as "user: text".
func SearchItem(e Entry) Item {
	u := shortName(e.Author)
	body := tgui.Esc(e.Text)
	if e.Content != "" {
		body = tgui.Raw(contentUnescaper.Replace(e.Content))
	}
	return Item{
		ID:    e.ID,
		Plain: u + ": " + e.Text,
		Rich:  string(tgui.Link(u, e.AuthorURI)) + ": " + string(body),
	}
}

// PrivateItem formats a direct message or friend update as "[kind] user: text".
// profileURL is prefixed to the author name to build the link.
func PrivateItem(kind Kind, e Entry, profileURL string) Item {
	if profileURL == "" {
		profileURL = DefaultProfileURL
	}
	u := e.Author
	return Item{
		ID:    e.ID,
		Plain: fmt.Sprintf("[%s] %s: %s", kind, u, e.Text),
		Rich:  fmt.Sprintf("[%s] %s: %s", kind, tgui.Link(u, profileURL+u), tgui.Esc(e.Text)),
	}
}

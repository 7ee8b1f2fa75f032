package content

import (
	"strings"

	"golang.org/x/net/html"
)

// Cleaned is the result of running a message body through content cleaning.
type Cleaned struct {
	Text     string
	Mentions []string
	Links    []string
}

// Clean strips markup from a message body and collects the mentions and
// links it referenced. Export bodies are fragments, not documents, so the
// tokenizer is used directly instead of building a full tree.
func Clean(raw string) Cleaned {
	if !strings.ContainsAny(raw, "<&") {
		return Cleaned{Text: raw}
	}

	var (
		text     strings.Builder
		mentions []string
		links    []string
	)

	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// Fragment exhausted (or malformed past this point); keep what we have.
			return Cleaned{
				Text:     strings.TrimSpace(text.String()),
				Mentions: mentions,
				Links:    links,
			}
		case html.TextToken:
			text.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "a":
				if href := attrValue(z, hasAttr, "href"); href != "" {
					links = append(links, href)
				}
			case "at":
				if id := attrValue(z, hasAttr, "id"); id != "" {
					mentions = append(mentions, id)
				}
			case "br":
				text.WriteByte('\n')
			}
		}
	}
}

func attrValue(z *html.Tokenizer, hasAttr bool, want string) string {
	for hasAttr {
		key, val, more := z.TagAttr()
		if string(key) == want {
			return string(val)
		}
		hasAttr = more
	}
	return ""
}

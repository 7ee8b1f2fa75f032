// Package content turns raw message bodies into plain text plus a
// structured-data blob, dispatching on the export's messagetype tag. Every
// handler is a pure function; the registry is built once and is safe for
// concurrent use by transform workers.
package content

import (
	"strings"
)

// Result is the normalized view of one message body.
type Result struct {
	Text       string
	Structured map[string]any
	// Unhandled marks a message whose type had no registered handler. Its
	// raw content is preserved rather than dropped.
	Unhandled bool
}

// Handler converts one raw message body of a known type.
type Handler func(body string) Result

// Registry maps messagetype tags to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a registry with handlers for the message types the
// export format is known to produce.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.handlers["Text"] = handleText
	r.handlers["RichText"] = handleRichText
	r.handlers["RichText/UriObject"] = handleMedia
	r.handlers["RichText/Media_GenericFile"] = handleMedia
	r.handlers["RichText/Media_Video"] = handleMedia
	r.handlers["RichText/Media_AudioMsg"] = handleMedia
	r.handlers["RichText/Location"] = handleRichText
	r.handlers["Event/Call"] = handleCall
	return r
}

// Process dispatches body to the handler for messageType. Unknown types fall
// back to a pass-through that keeps the raw content and flags the result.
func (r *Registry) Process(messageType, body string) Result {
	if h, ok := r.handlers[messageType]; ok {
		return h(body)
	}
	// ThreadActivity/* covers a family of membership and topic events that
	// share one shape.
	if strings.HasPrefix(messageType, "ThreadActivity/") {
		return handleThreadActivity(body)
	}
	return Result{Text: body, Unhandled: true}
}

func handleText(body string) Result {
	return Result{Text: body}
}

func handleRichText(body string) Result {
	c := Clean(body)
	res := Result{Text: c.Text, Structured: map[string]any{}}
	if len(c.Mentions) > 0 {
		res.Structured["mentions"] = c.Mentions
	}
	if len(c.Links) > 0 {
		res.Structured["links"] = c.Links
	}
	if len(res.Structured) == 0 {
		res.Structured = nil
	}
	return res
}

func handleMedia(body string) Result {
	c := Clean(body)
	structured := map[string]any{"media": true}
	if len(c.Links) > 0 {
		structured["links"] = c.Links
	}
	if name := tagAttr(body, "uriobject", "doc_id"); name != "" {
		structured["doc_id"] = name
	}
	if name := tagText(body, "originalname"); name != "" {
		structured["filename"] = name
	}
	return Result{Text: c.Text, Structured: structured}
}

func handleCall(body string) Result {
	structured := map[string]any{"call": true}
	if d := tagText(body, "duration"); d != "" {
		structured["duration"] = d
	}
	text := "call"
	if strings.Contains(body, "type=\"ended\"") {
		text = "call ended"
	} else if strings.Contains(body, "type=\"started\"") {
		text = "call started"
	}
	return Result{Text: text, Structured: structured}
}

func handleThreadActivity(body string) Result {
	c := Clean(body)
	return Result{Text: c.Text, Structured: map[string]any{"thread_activity": true}}
}

// tagText extracts the text content of the first <tag>...</tag> pair. Export
// media bodies use a small XML-ish vocabulary that does not warrant a full
// parse.
func tagText(body, tag string) string {
	lower := strings.ToLower(body)
	open := strings.Index(lower, "<"+tag)
	if open < 0 {
		return ""
	}
	start := strings.IndexByte(lower[open:], '>')
	if start < 0 {
		return ""
	}
	start += open + 1
	end := strings.Index(lower[start:], "</"+tag+">")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[start : start+end])
}

// tagAttr extracts an attribute value from the first occurrence of tag.
func tagAttr(body, tag, attr string) string {
	lower := strings.ToLower(body)
	open := strings.Index(lower, "<"+tag)
	if open < 0 {
		return ""
	}
	gt := strings.IndexByte(lower[open:], '>')
	if gt < 0 {
		return ""
	}
	segment := body[open : open+gt]
	marker := attr + "=\""
	at := strings.Index(strings.ToLower(segment), marker)
	if at < 0 {
		return ""
	}
	rest := segment[at+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

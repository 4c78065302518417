// Package bus defines the normalized inbound/outbound message shapes every
// channel adapter produces and consumes (§4.8), the per-channel bounded
// queues that decouple adapters from the pipeline (§5), and the best-effort
// event publisher (C9).
package bus

import (
	"regexp"
	"strings"
)

// Attachment is a normalized inbound media attachment (image, audio, file).
type Attachment struct {
	Kind     string // "image", "audio", "file"
	URL      string
	MimeType string
	Data     []byte
}

// IncomingMessage is the normalized inbound record every adapter produces.
type IncomingMessage struct {
	ID           string
	Channel      string
	ChannelID    string // platform-scoped chat/channel locus
	SenderID     string
	SenderName   string
	Content      string
	IsDM         bool
	ReplyTo      string
	ThreadID     string
	Attachments  []Attachment
	CallbackData string
	Metadata     map[string]string
}

// CodeBlock is one fenced code block extracted from an OutgoingMessage.
type CodeBlock struct {
	Lang string
	Code string
}

// Keyboard is an adapter-agnostic inline keyboard: rows of labeled buttons,
// each carrying callback data the adapter round-trips on tap.
type Keyboard struct {
	Rows [][]KeyboardButton
}

// KeyboardButton is a single inline-keyboard button.
type KeyboardButton struct {
	Label string
	Data  string
	URL   string
}

// OutgoingMessage is the normalized outbound record the pipeline hands to an
// adapter's Send.
type OutgoingMessage struct {
	ChannelID  string
	Content    string
	ReplyTo    string
	ThreadID   string
	Keyboard   *Keyboard
	Media      []Attachment
	EditTarget string
	VoiceNote  bool
}

var codeBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n?(.*?)```")

// HasCodeBlocks reports whether Content contains at least one fenced code block.
func (m OutgoingMessage) HasCodeBlocks() bool {
	return codeBlockRe.MatchString(m.Content)
}

// HasMarkdown reports whether Content contains common markdown formatting
// markers (code fences, emphasis, headers, links).
func (m OutgoingMessage) HasMarkdown() bool {
	if m.HasCodeBlocks() {
		return true
	}
	markers := []string{"**", "__", "# ", "](", "`"}
	for _, mk := range markers {
		if strings.Contains(m.Content, mk) {
			return true
		}
	}
	return false
}

// ExtractCodeBlocks splits out every fenced code block as (lang, code) pairs.
func (m OutgoingMessage) ExtractCodeBlocks() []CodeBlock {
	matches := codeBlockRe.FindAllStringSubmatch(m.Content, -1)
	out := make([]CodeBlock, 0, len(matches))
	for _, match := range matches {
		out = append(out, CodeBlock{Lang: match[1], Code: match[2]})
	}
	return out
}

// Segment is one piece of a message split for rich rendering: either plain
// text or a code block.
type Segment struct {
	IsCode bool
	Lang   string
	Text   string
}

// Segments splits Content into an ordered sequence of plain-text and
// code-block segments, the shape every channel adapter's rich formatter
// iterates over to build platform-native code blocks (embeds, Block Kit,
// adaptive cards, <pre> tags).
func (m OutgoingMessage) Segments() []Segment {
	locs := codeBlockRe.FindAllStringSubmatchIndex(m.Content, -1)
	if len(locs) == 0 {
		return []Segment{{Text: m.Content}}
	}

	var segs []Segment
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if start > last {
			segs = append(segs, Segment{Text: m.Content[last:start]})
		}
		lang := m.Content[loc[2]:loc[3]]
		code := m.Content[loc[4]:loc[5]]
		segs = append(segs, Segment{IsCode: true, Lang: lang, Text: code})
		last = end
	}
	if last < len(m.Content) {
		segs = append(segs, Segment{Text: m.Content[last:]})
	}
	return segs
}

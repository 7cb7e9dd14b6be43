package rxml

import (
	"context"
	"errors"
	"io"
	"strings"
)

// StreamItem is one result from ParseStream: a completed top-level node or an
// error. Parse errors are per-element and scanning continues; a StreamError
// ends the stream.
type StreamItem struct {
	Node *Node
	Err  error
}

// ParseStream consumes chunks from src and yields completed top-level nodes
// as soon as their closing tag arrives. The output is identical no matter
// where chunk boundaries fall, including inside a tag name, attribute value,
// CDATA block, or comment. The consumed prefix of the buffer is discarded as
// elements complete so memory stays bounded by the largest single element.
//
// The returned channel closes when the source is drained or ctx is canceled;
// cancellation stops chunk requests immediately.
func ParseStream(ctx context.Context, src ChunkSource, opts ParseOptions) <-chan StreamItem {
	out := make(chan StreamItem)
	go func() {
		defer close(out)
		a := newAssembler(opts)
		emit := func(item StreamItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			chunk, err := src.Next(ctx)
			if chunk != "" {
				for _, item := range a.feed(chunk) {
					if !emit(item) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					for _, item := range a.finish() {
						if !emit(item) {
							return
						}
					}
					return
				}
				emit(StreamItem{Err: &StreamError{Cause: err}})
				return
			}
		}
	}()
	return out
}

type scanState int

const (
	scanText scanState = iota
	scanTag
	scanComment
	scanCDATA
	scanBang
	scanPI
)

// assembler is a resumable scanner over a growing buffer. It tracks just
// enough structure (open-tag names, quoting, non-text regions) to know when a
// top-level element is complete, then hands the complete slice to Parse.
type assembler struct {
	opts    ParseOptions
	noChild map[string]struct{}

	buf       string
	pos       int
	state     scanState
	quote     byte
	tagStart  int
	elemStart int // start of the in-flight top-level element, -1 if none
	names     []string
}

func newAssembler(opts ParseOptions) *assembler {
	return &assembler{
		opts:      opts,
		noChild:   opts.noChildSet(),
		elemStart: -1,
	}
}

func (a *assembler) feed(chunk string) []StreamItem {
	a.buf += chunk
	items := a.scan()
	a.compact()
	return items
}

// finish flushes whatever remains after the source ends. Dangling open tags
// get the same recovery closing the parser applies, regardless of strict
// mode: there is no more input that could balance them.
func (a *assembler) finish() []StreamItem {
	items := a.scan()
	start := a.elemStart
	if start < 0 && a.state == scanTag && len(a.names) == 0 {
		start = a.tagStart
	}
	if start < 0 || start >= len(a.buf) {
		return items
	}
	repairOpts := a.opts
	repairOpts.Repair = true
	parsed, err := Parse(a.buf[start:], repairOpts)
	if err != nil {
		return append(items, StreamItem{Err: err})
	}
	for _, c := range parsed {
		if n, ok := c.(*Node); ok {
			items = append(items, StreamItem{Node: n})
		}
	}
	a.buf = ""
	a.pos = 0
	a.elemStart = -1
	return items
}

func (a *assembler) scan() []StreamItem {
	var items []StreamItem
	for a.pos < len(a.buf) {
		switch a.state {
		case scanText:
			if !a.scanTextStep() {
				return items
			}
		case scanTag:
			done, tag := a.scanTagStep()
			if !done {
				return items
			}
			if tag != "" {
				if item, ok := a.completeTag(tag); ok {
					items = append(items, item)
				}
			}
		case scanComment:
			if !a.scanUntil("-->") {
				return items
			}
		case scanCDATA:
			if !a.scanUntil("]]>") {
				return items
			}
		case scanPI:
			if !a.scanUntil("?>") {
				return items
			}
		case scanBang:
			if i := strings.IndexByte(a.buf[a.pos:], '>'); i >= 0 {
				a.pos += i + 1
				a.state = scanText
			} else {
				a.pos = len(a.buf)
				return items
			}
		}
	}
	return items
}

// scanTextStep consumes text until the next markup start. Returns false when
// more input is needed to classify a trailing "<".
func (a *assembler) scanTextStep() bool {
	i := strings.IndexByte(a.buf[a.pos:], '<')
	if i < 0 {
		a.pos = len(a.buf)
		return false
	}
	a.pos += i
	rest := a.buf[a.pos:]
	if len(rest) < len("<![CDATA[") &&
		(strings.HasPrefix("<![CDATA[", rest) || strings.HasPrefix("<!--", rest)) {
		// Ambiguous prefix at the buffer tail, wait for the next chunk.
		return false
	}
	switch {
	case strings.HasPrefix(rest, "<!--"):
		a.state = scanComment
		a.pos += 4
	case strings.HasPrefix(rest, "<![CDATA["):
		a.state = scanCDATA
		a.pos += 9
	case strings.HasPrefix(rest, "<!"):
		a.state = scanBang
		a.pos += 2
	case strings.HasPrefix(rest, "<?"):
		a.state = scanPI
		a.pos += 2
	case strings.HasPrefix(rest, "</"):
		a.state = scanTag
		a.tagStart = a.pos
		a.pos += 2
	default:
		switch {
		case isNameStart(rest[1]):
			a.state = scanTag
			a.tagStart = a.pos
			a.pos++
		case isDigit(rest[1]):
			j := 1
			for j < len(rest) && isDigit(rest[j]) {
				j++
			}
			if j >= len(rest) {
				// "<12" at the buffer tail could still close into a numeric
				// tuple tag, wait for the next chunk.
				return false
			}
			if rest[j] == '>' {
				a.state = scanTag
				a.tagStart = a.pos
				a.pos++
			} else {
				a.pos++ // literal "<" in text
			}
		default:
			a.pos++ // literal "<" in text
		}
	}
	return true
}

// scanTagStep advances inside a tag. Quoted attribute values may contain ">"
// without ending the tag. Returns the raw tag slice once "> " is reached.
func (a *assembler) scanTagStep() (bool, string) {
	for a.pos < len(a.buf) {
		c := a.buf[a.pos]
		if a.quote != 0 {
			if c == a.quote {
				a.quote = 0
			}
			a.pos++
			continue
		}
		switch c {
		case '\'', '"':
			a.quote = c
			a.pos++
		case '>':
			tag := a.buf[a.tagStart : a.pos+1]
			a.pos++
			a.state = scanText
			return true, tag
		default:
			a.pos++
		}
	}
	return false, ""
}

// scanUntil advances past marker, retaining enough tail bytes that a marker
// split across chunks is still found.
func (a *assembler) scanUntil(marker string) bool {
	if i := strings.Index(a.buf[a.pos:], marker); i >= 0 {
		a.pos += i + len(marker)
		a.state = scanText
		return true
	}
	keep := len(a.buf) - len(marker) + 1
	if keep > a.pos {
		a.pos = keep
	}
	return false
}

// completeTag updates the open-name bookkeeping for one finished tag and, if
// it closed the in-flight top-level element, parses and returns it.
func (a *assembler) completeTag(tag string) (StreamItem, bool) {
	if strings.HasPrefix(tag, "</") {
		name := strings.TrimSpace(tag[2 : len(tag)-1])
		match := -1
		for i := len(a.names) - 1; i >= 0; i-- {
			if a.names[i] == name {
				match = i
				break
			}
		}
		if match < 0 {
			return StreamItem{}, false // stray closer, healed or rejected later
		}
		a.names = a.names[:match]
		if len(a.names) == 0 {
			return a.completeElement()
		}
		return StreamItem{}, false
	}

	name := tagName(tag)
	if name == "" {
		return StreamItem{}, false
	}
	selfClosing := strings.HasSuffix(tag, "/>")
	if _, ok := a.noChild[name]; ok {
		selfClosing = true
	}
	if len(a.names) == 0 && a.elemStart < 0 {
		a.elemStart = a.tagStart
	}
	if !selfClosing {
		a.names = append(a.names, name)
		return StreamItem{}, false
	}
	if len(a.names) == 0 {
		return a.completeElement()
	}
	return StreamItem{}, false
}

func (a *assembler) completeElement() (StreamItem, bool) {
	start := a.elemStart
	a.elemStart = -1
	if start < 0 {
		return StreamItem{}, false
	}
	parsed, err := Parse(a.buf[start:a.pos], a.opts)
	if err != nil {
		return StreamItem{Err: err}, true
	}
	for _, c := range parsed {
		if n, ok := c.(*Node); ok {
			return StreamItem{Node: n}, true
		}
	}
	return StreamItem{}, false
}

// compact discards the fully consumed prefix when nothing in it can still be
// referenced.
func (a *assembler) compact() {
	if a.elemStart >= 0 {
		if a.elemStart > 0 {
			a.buf = a.buf[a.elemStart:]
			a.pos -= a.elemStart
			a.tagStart -= a.elemStart
			a.elemStart = 0
		}
		return
	}
	cut := a.pos
	if a.state == scanTag {
		// Mid-tag at top level: keep from the tag start.
		cut = a.tagStart
	}
	if cut > 0 {
		a.buf = a.buf[cut:]
		a.pos -= cut
		a.tagStart -= cut
		if a.tagStart < 0 {
			a.tagStart = 0
		}
	}
}

func tagName(tag string) string {
	i := 1
	for i < len(tag) && isNameChar(tag[i]) {
		i++
	}
	return tag[1:i]
}

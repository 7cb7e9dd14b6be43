package rxml

import (
	"fmt"
	"strings"
)

// Parse scans input in a single pass and returns the top-level children
// (*Node and string values in document order).
//
// The scan keeps an explicit open-tag stack instead of recursing so that
// arbitrarily deep or hostile input cannot exhaust the goroutine stack. A
// closing tag that matches an outer open element pops everything above it,
// which heals "nested unclosed" output; with Repair disabled the same
// situation is a ParseError. A closing tag matching nothing open is dropped
// under Repair, an error otherwise. A bare "<" that does not start a valid
// construct becomes literal text, because model output routinely contains
// comparison operators inside argument values.
func Parse(input string, opts ParseOptions) ([]any, error) {
	p := &parser{
		src:     input,
		opts:    opts,
		noChild: opts.noChildSet(),
	}
	return p.run()
}

type parser struct {
	src     string
	pos     int
	opts    ParseOptions
	noChild map[string]struct{}

	top   []any
	stack []*Node
	text  strings.Builder
}

func (p *parser) run() ([]any, error) {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c != '<' {
			p.text.WriteByte(c)
			p.pos++
			continue
		}
		if err := p.markup(); err != nil {
			return nil, err
		}
	}
	p.flushText()
	if len(p.stack) > 0 && !p.opts.Repair {
		open := p.stack[len(p.stack)-1]
		line, col := lineCol(p.src, len(p.src))
		return nil, &ParseError{
			Message: fmt.Sprintf("unclosed tag <%s>", open.TagName),
			Line:    line,
			Column:  col,
		}
	}
	// Open nodes are already attached to their parents; leaving the stack
	// unwound is exactly the recovery closing.
	return p.top, nil
}

// markup dispatches on the construct starting at the current "<".
func (p *parser) markup() error {
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, "<!--"):
		p.comment()
	case strings.HasPrefix(rest, "<![CDATA["):
		p.cdata()
	case strings.HasPrefix(rest, "<!"):
		p.skipTo('>')
	case strings.HasPrefix(rest, "<?"):
		p.skipPast("?>")
	case strings.HasPrefix(rest, "</"):
		return p.closingTag()
	default:
		return p.openingTag()
	}
	return nil
}

func (p *parser) comment() {
	end := strings.Index(p.src[p.pos:], "-->")
	var raw string
	if end < 0 {
		raw = p.src[p.pos:]
		p.pos = len(p.src)
	} else {
		raw = p.src[p.pos : p.pos+end+3]
		p.pos += end + 3
	}
	if p.opts.KeepComments {
		p.flushText()
		p.appendChild(raw)
	}
}

func (p *parser) cdata() {
	start := p.pos + len("<![CDATA[")
	end := strings.Index(p.src[start:], "]]>")
	if end < 0 {
		p.text.WriteString(p.src[start:])
		p.pos = len(p.src)
		return
	}
	p.text.WriteString(p.src[start : start+end])
	p.pos = start + end + 3
}

func (p *parser) skipTo(b byte) {
	if i := strings.IndexByte(p.src[p.pos:], b); i >= 0 {
		p.pos += i + 1
	} else {
		p.pos = len(p.src)
	}
}

func (p *parser) skipPast(marker string) {
	if i := strings.Index(p.src[p.pos:], marker); i >= 0 {
		p.pos += i + len(marker)
	} else {
		p.pos = len(p.src)
	}
}

func (p *parser) closingTag() error {
	tagPos := p.pos
	end := strings.IndexByte(p.src[p.pos:], '>')
	if end < 0 {
		// Truncated "</..." tail, keep it as text.
		p.text.WriteString(p.src[p.pos:])
		p.pos = len(p.src)
		return nil
	}
	name := strings.TrimSpace(p.src[p.pos+2 : p.pos+end])
	p.pos += end + 1

	match := -1
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].TagName == name {
			match = i
			break
		}
	}
	if match < 0 {
		if p.opts.Repair {
			p.flushText()
			return nil
		}
		line, col := lineCol(p.src, tagPos)
		return &ParseError{
			Message: fmt.Sprintf("unexpected closing tag </%s>", name),
			Line:    line,
			Column:  col,
		}
	}
	if match != len(p.stack)-1 && !p.opts.Repair {
		line, col := lineCol(p.src, tagPos)
		return &ParseError{
			Message: fmt.Sprintf("closing tag </%s> does not match open tag <%s>", name, p.stack[len(p.stack)-1].TagName),
			Line:    line,
			Column:  col,
		}
	}
	p.flushText()
	// Everything opened after the match gets a synthesized closer.
	p.stack = p.stack[:match]
	return nil
}

func (p *parser) openingTag() error {
	if p.pos+1 >= len(p.src) ||
		!(isNameStart(p.src[p.pos+1]) || numericTagAt(p.src, p.pos+1)) {
		// Not a tag. Escape the "<" to literal text.
		p.text.WriteByte('<')
		p.pos++
		return nil
	}
	tagPos := p.pos
	p.pos++
	nameStart := p.pos
	for p.pos < len(p.src) && isNameChar(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[nameStart:p.pos]

	node := &Node{TagName: name}
	selfClosing := false
	closed := false

	for p.pos < len(p.src) {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}
		c := p.src[p.pos]
		if c == '>' {
			p.pos++
			closed = true
			break
		}
		if c == '/' {
			p.pos++
			if p.pos < len(p.src) && p.src[p.pos] == '>' {
				p.pos++
				selfClosing = true
				closed = true
				break
			}
			continue
		}
		p.attribute(node)
	}

	if !closed {
		if !p.opts.Repair {
			line, col := lineCol(p.src, tagPos)
			return &ParseError{
				Message: fmt.Sprintf("unterminated tag <%s>", name),
				Line:    line,
				Column:  col,
			}
		}
		// Truncated tag at end of input: keep the raw text.
		p.text.WriteString(p.src[tagPos:])
		p.pos = len(p.src)
		return nil
	}

	if _, ok := p.noChild[name]; ok {
		selfClosing = true
	}
	node.SelfClosing = selfClosing

	p.flushText()
	p.appendChild(node)
	if !selfClosing {
		p.stack = append(p.stack, node)
	}
	return nil
}

// attribute scans one name[=value] pair. Values may be single-quoted,
// double-quoted, or bare. A duplicate attribute name overwrites the earlier
// value: last wins.
func (p *parser) attribute(node *Node) {
	nameStart := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '=' || c == '>' || c == '/' || isSpace(c) {
			break
		}
		p.pos++
	}
	name := p.src[nameStart:p.pos]
	if name == "" {
		p.pos++ // unparseable byte inside tag, skip it
		return
	}
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '=' {
		setAttr(node, name, "")
		return
	}
	p.pos++ // consume '='
	p.skipSpace()
	if p.pos >= len(p.src) {
		setAttr(node, name, "")
		return
	}
	quote := p.src[p.pos]
	if quote == '\'' || quote == '"' {
		p.pos++
		valStart := p.pos
		for p.pos < len(p.src) && p.src[p.pos] != quote {
			p.pos++
		}
		val := p.src[valStart:p.pos]
		if p.pos < len(p.src) {
			p.pos++ // closing quote
		}
		setAttr(node, name, val)
		return
	}
	valStart := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '>' || c == '/' || isSpace(c) {
			break
		}
		p.pos++
	}
	setAttr(node, name, p.src[valStart:p.pos])
}

func setAttr(node *Node, name, value string) {
	if node.Attributes == nil {
		node.Attributes = make(map[string]string, 2)
	}
	node.Attributes[name] = value
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) appendChild(c any) {
	if len(p.stack) == 0 {
		p.top = append(p.top, c)
		return
	}
	parent := p.stack[len(p.stack)-1]
	parent.Children = append(parent.Children, c)
}

func (p *parser) flushText() {
	if p.text.Len() == 0 {
		return
	}
	p.appendChild(p.text.String())
	p.text.Reset()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// numericTagAt reports whether the bytes at i (just past a "<") form a purely
// numeric tag like "0>". Positional tuple elements are emitted as <0>, <1>, …
// by some models; requiring the immediate ">" keeps prose like "a <5 apples"
// as literal text.
func numericTagAt(s string, i int) bool {
	j := i
	for j < len(s) && isDigit(s[j]) {
		j++
	}
	return j > i && j < len(s) && s[j] == '>'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == ':'
}

package repair

import "strings"

// BalanceTags reconstructs valid nesting for segments the parser rejected:
// unclosed tags get synthetic closers, a malformed early closer can reopen a
// sibling, and stray closers are dropped. It only fires when the segment is
// not already balanced, and it refuses rewrites that grow the content beyond
// what synthesized closers explain.
func BalanceTags() Heuristic {
	return New("balance-tags", PhaseFallbackReparse,
		func(ctx *Context) bool {
			return !isBalanced(ctx.RawSegment)
		},
		func(ctx *Context) Result {
			balanced, warnings := balance(ctx.RawSegment)
			if balanced == ctx.RawSegment {
				return Result{}
			}
			if len(balanced) > 2*len(ctx.RawSegment)+64 {
				return Result{Warnings: []string{"tag balancing abandoned: rewrite grew content unexpectedly"}}
			}
			return Result{
				RawSegment:     balanced,
				RewroteSegment: true,
				Reparse:        true,
				Warnings:       warnings,
			}
		})
}

const (
	tokText = iota
	tokOpen
	tokClose
	tokSelf
)

type tagToken struct {
	kind int
	name string
	raw  string
}

func isBalanced(s string) bool {
	var stack []string
	for _, tok := range scanTokens(s) {
		switch tok.kind {
		case tokOpen:
			stack = append(stack, tok.name)
		case tokClose:
			if len(stack) == 0 || stack[len(stack)-1] != tok.name {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// balance rebuilds the segment with an explicit stack. The reopen rule
// covers output like "<cmd>ls</cmd> -la</cmd>": the second closer has no
// open partner, but the text before it clearly belongs to another <cmd>.
func balance(s string) (string, []string) {
	tokens := scanTokens(s)
	var parts []string
	var stack []string
	var warnings []string
	lastClosed := ""
	lastCloseEnd := -1 // index into parts right after the previous closer

	for _, tok := range tokens {
		switch tok.kind {
		case tokText:
			parts = append(parts, tok.raw)
		case tokSelf:
			parts = append(parts, tok.raw)
			lastClosed = tok.name
			lastCloseEnd = len(parts)
		case tokOpen:
			parts = append(parts, tok.raw)
			stack = append(stack, tok.name)
		case tokClose:
			match := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == tok.name {
					match = i
					break
				}
			}
			if match >= 0 {
				for i := len(stack) - 1; i > match; i-- {
					parts = append(parts, "</"+stack[i]+">")
					warnings = append(warnings, "synthesized closer for <"+stack[i]+">")
				}
				parts = append(parts, "</"+tok.name+">")
				stack = stack[:match]
				lastClosed = tok.name
				lastCloseEnd = len(parts)
				continue
			}
			if tok.name == lastClosed && lastCloseEnd >= 0 && hasContent(parts[lastCloseEnd:]) {
				reopened := make([]string, 0, len(parts)+2)
				reopened = append(reopened, parts[:lastCloseEnd]...)
				reopened = append(reopened, "<"+tok.name+">")
				reopened = append(reopened, parts[lastCloseEnd:]...)
				parts = append(reopened, "</"+tok.name+">")
				warnings = append(warnings, "reopened sibling <"+tok.name+"> after early closer")
				lastCloseEnd = len(parts)
				continue
			}
			warnings = append(warnings, "dropped stray closer </"+tok.name+">")
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		parts = append(parts, "</"+stack[i]+">")
		warnings = append(warnings, "synthesized closer for <"+stack[i]+">")
	}
	return strings.Join(parts, ""), warnings
}

func hasContent(parts []string) bool {
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// scanTokens is a flat, quote-aware tag scan. Comments and CDATA blocks are
// carried as opaque text so their payload is never rebalanced.
func scanTokens(s string) []tagToken {
	var toks []tagToken
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			toks = append(toks, tagToken{kind: tokText, raw: text.String()})
			text.Reset()
		}
	}

	i := 0
	for i < len(s) {
		c := s[i]
		if c != '<' {
			text.WriteByte(c)
			i++
			continue
		}
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest, "-->")
			if end < 0 {
				text.WriteString(rest)
				i = len(s)
			} else {
				text.WriteString(rest[:end+3])
				i += end + 3
			}
		case strings.HasPrefix(rest, "<![CDATA["):
			end := strings.Index(rest, "]]>")
			if end < 0 {
				text.WriteString(rest)
				i = len(s)
			} else {
				text.WriteString(rest[:end+3])
				i += end + 3
			}
		case strings.HasPrefix(rest, "</"):
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				text.WriteString(rest)
				i = len(s)
				continue
			}
			name := strings.TrimSpace(rest[2:end])
			if !validTagName(name) {
				text.WriteString(rest[:end+1])
				i += end + 1
				continue
			}
			flush()
			toks = append(toks, tagToken{kind: tokClose, name: name, raw: rest[:end+1]})
			i += end + 1
		default:
			if len(rest) < 2 || !(nameStartByte(rest[1]) || numericTagPrefix(rest)) {
				text.WriteByte('<')
				i++
				continue
			}
			j := 1
			var quote byte
			for i+j < len(s) {
				ch := s[i+j]
				if quote != 0 {
					if ch == quote {
						quote = 0
					}
					j++
					continue
				}
				if ch == '\'' || ch == '"' {
					quote = ch
					j++
					continue
				}
				if ch == '>' {
					break
				}
				j++
			}
			if i+j >= len(s) {
				// Unterminated tag tail, keep as text.
				text.WriteString(rest)
				i = len(s)
				continue
			}
			raw := s[i : i+j+1]
			kind := tokOpen
			if strings.HasSuffix(raw, "/>") {
				kind = tokSelf
			}
			flush()
			toks = append(toks, tagToken{kind: kind, name: rawTagName(raw), raw: raw})
			i += j + 1
		}
	}
	flush()
	return toks
}

func rawTagName(raw string) string {
	i := 1
	for i < len(raw) && nameByte(raw[i]) {
		i++
	}
	return raw[1:i]
}

func validTagName(name string) bool {
	if name == "" {
		return false
	}
	if !nameStartByte(name[0]) {
		return numericName(name)
	}
	for i := 1; i < len(name); i++ {
		if !nameByte(name[i]) {
			return false
		}
	}
	return true
}

// numericName accepts purely numeric names, the positional tuple tags
// <0>, <1>, ….
func numericName(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return name != ""
}

// numericTagPrefix reports whether rest, starting at "<", opens a purely
// numeric tag like "<0>".
func numericTagPrefix(rest string) bool {
	j := 1
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	return j > 1 && j < len(rest) && rest[j] == '>'
}

func nameStartByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func nameByte(c byte) bool {
	return nameStartByte(c) || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == ':'
}

package repair

import (
	"regexp"
	"strings"
)

var malformedCloserRE = regexp.MustCompile(`</\s+([A-Za-z_][A-Za-z0-9_.:-]*)\s*>`)

// NormalizeClosers rewrites malformed closing tags like "</ tag>" to
// "</tag>". Models emit the spaced form often enough that it runs before
// every parse attempt.
func NormalizeClosers() Heuristic {
	return New("normalize-closers", PhasePreParse,
		func(ctx *Context) bool {
			return strings.Contains(ctx.RawSegment, "</ ") || malformedCloserRE.MatchString(ctx.RawSegment)
		},
		func(ctx *Context) Result {
			fixed := malformedCloserRE.ReplaceAllString(ctx.RawSegment, "</$1>")
			if fixed == ctx.RawSegment {
				return Result{}
			}
			return Result{RawSegment: fixed, RewroteSegment: true}
		})
}

// EscapeStrayLT wraps "<" characters that cannot start a markup construct in
// CDATA so a strict parse sees them as literal text. CDATA round-trips
// exactly through the parser, so string-typed arguments keep their original
// bytes (an entity rewrite would not).
func EscapeStrayLT() Heuristic {
	return New("escape-stray-lt", PhasePreParse,
		func(ctx *Context) bool {
			return hasStrayLT(ctx.RawSegment)
		},
		func(ctx *Context) Result {
			fixed := escapeStrayLT(ctx.RawSegment)
			if fixed == ctx.RawSegment {
				return Result{}
			}
			return Result{RawSegment: fixed, RewroteSegment: true}
		})
}

func hasStrayLT(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '<' && isStrayLT(s, i) {
			return true
		}
	}
	return false
}

func escapeStrayLT(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '<' && isStrayLT(s, i) {
			sb.WriteString("<![CDATA[<]]>")
			continue
		}
		if c == '<' && strings.HasPrefix(s[i:], "<![CDATA[") {
			// Copy existing CDATA opaquely so its payload is not rescanned.
			end := strings.Index(s[i:], "]]>")
			if end < 0 {
				sb.WriteString(s[i:])
				return sb.String()
			}
			sb.WriteString(s[i : i+end+3])
			i += end + 2
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// isStrayLT reports whether the "<" at position i cannot begin a tag,
// closing tag, numeric tuple tag, comment, CDATA block, or processing
// instruction.
func isStrayLT(s string, i int) bool {
	if i+1 >= len(s) {
		return true
	}
	c := s[i+1]
	switch {
	case c == '/' || c == '!' || c == '?':
		return false
	case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return false
	case c >= '0' && c <= '9':
		j := i + 2
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		// "<0>" is a tuple tag; "<5 apples" is prose.
		return j >= len(s) || s[j] != '>'
	}
	return true
}

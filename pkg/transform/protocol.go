package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/efortin/streamcall/pkg/schema"
)

// Tool pairs a callable name with the schema its arguments coerce against.
type Tool struct {
	Name   string
	Schema *schema.Descriptor
}

// Registry is the per-instance tool table. It is plain data handed to each
// Transformer; nothing here is process-wide.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry preserving declaration order, which also
// fixes delimiter tie-break order for the tag protocol.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name]; !dup {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
	return r
}

// Lookup returns the tool for name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in declaration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return r.order
}

// Variant is one concrete start delimiter with its paired end delimiters.
// Protocols may accept synonymous start tags; each keeps its own closers so
// a block opened with one variant is only closed by its pair.
type Variant struct {
	Start string
	Ends  []string
	// Tool is set when the start delimiter itself names the tool.
	Tool string
}

// Call is a resolved segment: which tool, and the raw body holding its
// arguments.
type Call struct {
	ToolName string
	Body     string
}

// Protocol derives the delimiter table for a tool set and resolves captured
// segments into calls.
type Protocol interface {
	Name() string
	Variants(reg *Registry) []Variant
	// Resolve extracts the tool name and argument body from the text
	// captured between a variant's start and end delimiters.
	Resolve(v Variant, inner string, reg *Registry) (Call, error)
	// PeekToolName reports the tool name as soon as it is recoverable from a
	// partial body, or "" while still unknown. Drives early
	// tool-call-start events during streaming.
	PeekToolName(v Variant, inner string) string
}

// TagProtocol brackets each call with the tool's own name:
// <get_weather>...</get_weather>. Used by models trained to emit one tag per
// tool.
type TagProtocol struct{}

func (TagProtocol) Name() string { return "tag" }

func (TagProtocol) Variants(reg *Registry) []Variant {
	var vs []Variant
	for _, name := range reg.Names() {
		vs = append(vs, Variant{
			Start: "<" + name + ">",
			Ends:  []string{"</" + name + ">"},
			Tool:  name,
		})
	}
	return vs
}

func (TagProtocol) Resolve(v Variant, inner string, _ *Registry) (Call, error) {
	return Call{ToolName: v.Tool, Body: inner}, nil
}

func (TagProtocol) PeekToolName(v Variant, _ string) string { return v.Tool }

var (
	nameAttrRE   = regexp.MustCompile(`\bname\s*=\s*["']([^"']+)["']`)
	toolNameRE   = regexp.MustCompile(`<tool_name(?:\s[^>]*)?>([\s\S]*?)</tool_name>`)
	nameTagRE    = regexp.MustCompile(`<name(?:\s[^>]*)?>([\s\S]*?)</name>`)
	argsUnwrapRE = regexp.MustCompile(`(?s)\A\s*<(tool_arguments|arguments|args)(?:\s[^>]*)?>(.*)</(?:tool_arguments|arguments|args)>\s*\z`)
)

// WrapperProtocol brackets calls with a generic wrapper tag and carries the
// tool name inside the body, either as a name attribute on the wrapper or as
// a tool_name/name child. Both tool_call and function_call spellings are
// accepted, and each start form is paired with its own closer.
type WrapperProtocol struct{}

func (WrapperProtocol) Name() string { return "wrapper" }

func (WrapperProtocol) Variants(_ *Registry) []Variant {
	return []Variant{
		{Start: "<tool_call>", Ends: []string{"</tool_call>"}},
		{Start: "<tool_call ", Ends: []string{"</tool_call>"}},
		{Start: "<function_call>", Ends: []string{"</function_call>"}},
		{Start: "<function_call ", Ends: []string{"</function_call>"}},
	}
}

func (p WrapperProtocol) Resolve(v Variant, inner string, _ *Registry) (Call, error) {
	name, body := splitNameAndBody(v, inner)
	if name == "" {
		return Call{}, fmt.Errorf("transform: no tool name in %s block", strings.Trim(v.Start, "< >"))
	}
	if m := argsUnwrapRE.FindStringSubmatch(body); m != nil {
		body = m[2]
	}
	return Call{ToolName: name, Body: body}, nil
}

func (p WrapperProtocol) PeekToolName(v Variant, inner string) string {
	name, _ := splitNameAndBody(v, inner)
	return name
}

func splitNameAndBody(v Variant, inner string) (string, string) {
	body := inner
	if strings.HasSuffix(v.Start, " ") {
		// Attribute form: the captured body starts inside the wrapper tag.
		i := strings.IndexByte(body, '>')
		if i < 0 {
			if m := nameAttrRE.FindStringSubmatch(body); m != nil {
				return m[1], ""
			}
			return "", body
		}
		attrs := body[:i]
		body = body[i+1:]
		if m := nameAttrRE.FindStringSubmatch(attrs); m != nil {
			return m[1], body
		}
	}
	if m := toolNameRE.FindStringSubmatchIndex(body); m != nil {
		name := strings.TrimSpace(body[m[2]:m[3]])
		return name, body[:m[0]] + body[m[1]:]
	}
	if m := nameTagRE.FindStringSubmatchIndex(body); m != nil {
		name := strings.TrimSpace(body[m[2]:m[3]])
		return name, body[:m[0]] + body[m[1]:]
	}
	return "", body
}

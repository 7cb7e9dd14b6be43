package repair

import (
	"regexp"
	"strings"

	"github.com/efortin/streamcall/pkg/rxml"
	"github.com/efortin/streamcall/pkg/schema"
)

// SchemaRepair normalizes a successfully parsed value against the tool
// schema: array properties that landed as objects or strings become proper
// arrays, string-array items are trimmed, object-array items that stayed raw
// text get a per-item reparse with a targeted field-extraction fallback, and
// a lone #text body is folded into a single-property schema.
func SchemaRepair() Heuristic {
	return New("schema-repair", PhasePostParse,
		func(ctx *Context) bool {
			if ctx.Schema == nil {
				return false
			}
			_, ok := ctx.Parsed.(map[string]any)
			return ok
		},
		func(ctx *Context) Result {
			d := ctx.Schema.Resolve()
			m := ctx.Parsed.(map[string]any)
			out := make(map[string]any, len(m))
			for k, v := range m {
				out[k] = v
			}
			var warnings []string

			if folded, ok := foldTextBody(out, d); ok {
				out = folded
				warnings = append(warnings, "folded scalar body into single-property schema")
			}

			for name, prop := range d.Properties {
				p := prop.Resolve()
				if p == nil || p.Type != "array" {
					continue
				}
				v, present := out[name]
				if !present {
					continue
				}
				repaired, w := repairArrayProperty(v, p)
				out[name] = repaired
				warnings = append(warnings, w...)
			}

			return Result{Parsed: out, ReplacedParsed: true, Warnings: warnings}
		})
}

// foldTextBody maps {"#text": v} onto a schema with exactly one property.
func foldTextBody(m map[string]any, d *schema.Descriptor) (map[string]any, bool) {
	if len(m) != 1 || len(d.Properties) != 1 {
		return nil, false
	}
	v, ok := m["#text"]
	if !ok {
		return nil, false
	}
	for name, prop := range d.Properties {
		cv, err := schema.CoerceValue(v, prop, schema.Options{})
		if err != nil {
			cv = v
		}
		return map[string]any{name: cv}, true
	}
	return nil, false
}

func repairArrayProperty(v any, p *schema.Descriptor) (any, []string) {
	var warnings []string
	switch tv := v.(type) {
	case string, map[string]any:
		cv, err := schema.CoerceValue(tv, p, schema.Options{})
		if err != nil {
			warnings = append(warnings, "array repair failed: "+err.Error())
			return v, warnings
		}
		return cv, warnings
	case []any:
		item := p.Items.Resolve()
		if item == nil {
			return tv, nil
		}
		switch item.Type {
		case "string":
			out := make([]any, len(tv))
			for i, it := range tv {
				if s, ok := it.(string); ok {
					out[i] = strings.TrimSpace(s)
				} else {
					out[i] = it
				}
			}
			return out, nil
		case "object":
			out := make([]any, len(tv))
			for i, it := range tv {
				s, ok := it.(string)
				if !ok {
					out[i] = it
					continue
				}
				obj, w := reparseObjectItem(s, item)
				out[i] = obj
				warnings = append(warnings, w...)
			}
			return out, warnings
		}
	}
	return v, warnings
}

// reparseObjectItem retries a full XML parse of one raw item against the
// item schema, then falls back to pulling known sub-fields out of the text.
func reparseObjectItem(s string, item *schema.Descriptor) (any, []string) {
	children, err := rxml.Parse(s, rxml.ParseOptions{Repair: true})
	if err == nil {
		if v, cerr := schema.Coerce(children, item, schema.Options{}); cerr == nil {
			if m, ok := v.(map[string]any); ok && len(m) > 0 {
				if _, only := m["#text"]; !(only && len(m) == 1) {
					return m, nil
				}
			}
		}
	}
	if m := extractFields(s, item); len(m) > 0 {
		return m, []string{"recovered object item by field extraction"}
	}
	return s, []string{"object item left as raw text"}
}

// extractFields pulls first occurrences of the schema's property tags out of
// raw text, e.g. step/status pairs from a half-formed progress item.
func extractFields(s string, d *schema.Descriptor) map[string]any {
	if d == nil || len(d.Properties) == 0 {
		return nil
	}
	out := make(map[string]any)
	for name, prop := range d.Properties {
		re := regexp.MustCompile(`<` + regexp.QuoteMeta(name) + `(?:\s[^>]*)?>([\s\S]*?)</` + regexp.QuoteMeta(name) + `>`)
		match := re.FindStringSubmatch(s)
		if match == nil {
			continue
		}
		cv, err := schema.CoerceValue(strings.TrimSpace(match[1]), prop, schema.Options{})
		if err != nil {
			cv = strings.TrimSpace(match[1])
		}
		out[name] = cv
	}
	return out
}

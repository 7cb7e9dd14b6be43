package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/efortin/streamcall/pkg/rxml"
)

// Coerce converts an element body (the Children slice of a parsed node) into
// a typed value per the descriptor. Passing a nil descriptor applies the
// no-schema heuristics: numeric and boolean-looking scalars are converted,
// everything else stays a string.
func Coerce(children []any, d *Descriptor, opts Options) (any, error) {
	return coerceChildren(children, d.Resolve(), opts, "")
}

// CoerceValue re-coerces an already-parsed value. Coercing a value that
// already matches the schema is a no-op, which lets repair heuristics run the
// same rules over partially typed data.
func CoerceValue(v any, d *Descriptor, opts Options) (any, error) {
	return coerceValue(v, d.Resolve(), opts, "")
}

func coerceChildren(children []any, d *Descriptor, opts Options, path string) (any, error) {
	if d == nil || d.Type == "" && len(d.Properties) == 0 && d.Items == nil {
		return coerceUntyped(children), nil
	}
	switch d.Type {
	case "string":
		// Verbatim and untrimmed: code or markdown the model placed in a
		// string argument must survive, tags included.
		return rxml.InnerText(children), nil
	case "number":
		return parseNumber(scalarText(children), path, false)
	case "integer":
		return parseNumber(scalarText(children), path, true)
	case "boolean":
		return parseBool(scalarText(children), path)
	case "array":
		return coerceArray(children, d, opts, path)
	case "object", "":
		return coerceObject(children, d, opts, path)
	default:
		return coerceUntyped(children), nil
	}
}

func scalarText(children []any) string {
	return strings.TrimSpace(rxml.InnerText(children))
}

func parseNumber(t, path string, integer bool) (any, error) {
	if integer {
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil && f == float64(int64(f)) {
			return int64(f), nil
		}
		return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %q to integer", t), Path: path}
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f, nil
	}
	return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %q to number", t), Path: path}
}

func parseBool(t, path string) (any, error) {
	switch strings.ToLower(t) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %q to boolean", t), Path: path}
}

// coerceArray normalizes the representations models use for list arguments:
// a wrapper of repeated item elements, a tuple-style object with integer
// keys, a JSON-looking string, or a separated scalar list in one text node.
// Repeated same-name siblings are handled one level up in coerceObject.
func coerceArray(children []any, d *Descriptor, opts Options, path string) (any, error) {
	var nodes []*rxml.Node
	for _, c := range children {
		if n, ok := c.(*rxml.Node); ok {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) > 0 {
		if tuple, ok := tupleNodes(nodes); ok {
			nodes = tuple
		}
		out := make([]any, 0, len(nodes))
		for i, n := range nodes {
			v, err := coerceChildren(n.Children, d.Items.Resolve(), opts, indexPath(path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return coerceArrayText(rxml.InnerText(children), d, opts, path)
}

func coerceArrayText(text string, d *Descriptor, opts Options, path string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []any{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		if v, err := relaxedUnmarshal(trimmed); err == nil {
			if list, ok := v.([]any); ok {
				out := make([]any, 0, len(list))
				for i, item := range list {
					cv, err := coerceValue(item, d.Items.Resolve(), opts, indexPath(path, i))
					if err != nil {
						return nil, err
					}
					out = append(out, cv)
				}
				return out, nil
			}
		}
	}
	// Separated scalar list: commas win over newlines when both appear.
	sep := ","
	if !strings.Contains(trimmed, ",") && strings.Contains(trimmed, "\n") {
		sep = "\n"
	}
	parts := strings.Split(trimmed, sep)
	out := make([]any, 0, len(parts))
	for i, part := range parts {
		cv, err := coerceValue(strings.TrimSpace(part), d.Items.Resolve(), opts, indexPath(path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, nil
}

// tupleNodes detects the tuple heuristic: element children named by the
// consecutive integers 0..n, in any order, convert to a positional sequence.
func tupleNodes(nodes []*rxml.Node) ([]*rxml.Node, bool) {
	if len(nodes) == 0 {
		return nil, false
	}
	ordered := make([]*rxml.Node, len(nodes))
	for _, n := range nodes {
		idx, err := strconv.Atoi(n.TagName)
		if err != nil || idx < 0 || idx >= len(nodes) || ordered[idx] != nil {
			return nil, false
		}
		ordered[idx] = n
	}
	return ordered, true
}

func coerceObject(children []any, d *Descriptor, opts Options, path string) (any, error) {
	groups, order := groupByTag(children)
	if len(order) == 0 {
		// Scalar-only body against an object schema: collapse under #text and
		// let the post-parse repair normalize it.
		if t := scalarText(children); t != "" {
			return map[string]any{"#text": heuristicScalar(t)}, nil
		}
		return map[string]any{}, nil
	}

	result := make(map[string]any, len(order))
	for _, tag := range order {
		occ := groups[tag]
		var prop *Descriptor
		if d != nil && d.Properties != nil {
			prop = d.Properties[tag].Resolve()
		}
		propPath := joinPath(path, tag)

		switch {
		case prop != nil && prop.Type == "array" && len(occ) > 1:
			// Repeated same-name siblings, each one is an item.
			items := make([]any, 0, len(occ))
			for i, n := range occ {
				v, err := coerceChildren(n.Children, prop.Items.Resolve(), opts, indexPath(propPath, i))
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
			result[tag] = items
		case len(occ) > 1 && prop != nil && prop.Type == "string":
			if !opts.AllowDuplicateStringTags {
				return nil, &DuplicateStringTagError{TagName: tag}
			}
			result[tag] = rxml.InnerText(occ[0].Children)
		case len(occ) > 1:
			items := make([]any, 0, len(occ))
			for i, n := range occ {
				v, err := coerceChildren(n.Children, prop, opts, indexPath(propPath, i))
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
			result[tag] = items
		default:
			v, err := coerceChildren(occ[0].Children, prop, opts, propPath)
			if err != nil {
				return nil, err
			}
			result[tag] = v
		}
	}
	return result, nil
}

func groupByTag(children []any) (map[string][]*rxml.Node, []string) {
	groups := make(map[string][]*rxml.Node)
	var order []string
	for _, c := range children {
		n, ok := c.(*rxml.Node)
		if !ok {
			continue
		}
		if _, seen := groups[n.TagName]; !seen {
			order = append(order, n.TagName)
		}
		groups[n.TagName] = append(groups[n.TagName], n)
	}
	return groups, order
}

func coerceUntyped(children []any) any {
	groups, order := groupByTag(children)
	if len(order) == 0 {
		return heuristicScalar(rxml.InnerText(children))
	}
	m := make(map[string]any, len(order))
	for _, tag := range order {
		occ := groups[tag]
		if len(occ) == 1 {
			m[tag] = coerceUntyped(occ[0].Children)
			continue
		}
		items := make([]any, 0, len(occ))
		for _, n := range occ {
			items = append(items, coerceUntyped(n.Children))
		}
		m[tag] = items
	}
	return m
}

// heuristicScalar converts numeric and boolean-looking strings; anything
// else is returned unchanged.
func heuristicScalar(s string) any {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true":
		return true
	case "false":
		return false
	}
	if t == "" {
		return s
	}
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}

func coerceValue(v any, d *Descriptor, opts Options, path string) (any, error) {
	if d == nil {
		return v, nil
	}
	switch d.Type {
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "number":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case string:
			return parseNumber(strings.TrimSpace(n), path, false)
		}
		return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %T to number", v), Path: path}
	case "integer":
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
			return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %v to integer", n), Path: path}
		case string:
			return parseNumber(strings.TrimSpace(n), path, true)
		}
		return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %T to integer", v), Path: path}
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return parseBool(strings.TrimSpace(b), path)
		}
		return nil, &CoercionError{Message: fmt.Sprintf("cannot coerce %T to boolean", v), Path: path}
	case "array":
		switch a := v.(type) {
		case []any:
			out := make([]any, 0, len(a))
			for i, item := range a {
				cv, err := coerceValue(item, d.Items.Resolve(), opts, indexPath(path, i))
				if err != nil {
					return nil, err
				}
				out = append(out, cv)
			}
			return out, nil
		case string:
			return coerceArrayText(a, d, opts, path)
		case map[string]any:
			if tuple, ok := tupleMap(a); ok {
				return coerceValue(tuple, d, opts, path)
			}
			// Wrapper object holding the real list under its only key.
			if len(a) == 1 {
				for _, inner := range a {
					if list, ok := inner.([]any); ok {
						return coerceValue(list, d, opts, path)
					}
				}
			}
			cv, err := coerceValue(v, d.Items.Resolve(), opts, indexPath(path, 0))
			if err != nil {
				return nil, err
			}
			return []any{cv}, nil
		}
		return []any{v}, nil
	case "object", "":
		if m, ok := v.(map[string]any); ok {
			out := make(map[string]any, len(m))
			for k, item := range m {
				var prop *Descriptor
				if d.Properties != nil {
					prop = d.Properties[k].Resolve()
				}
				cv, err := coerceValue(item, prop, opts, joinPath(path, k))
				if err != nil {
					return nil, err
				}
				out[k] = cv
			}
			return out, nil
		}
		if s, ok := v.(string); ok {
			return map[string]any{"#text": heuristicScalar(s)}, nil
		}
		return v, nil
	}
	return v, nil
}

// tupleMap is the map form of the tuple heuristic: keys "0".."n" convert to
// a positional slice.
func tupleMap(m map[string]any) ([]any, bool) {
	if len(m) == 0 {
		return nil, false
	}
	out := make([]any, len(m))
	filled := make([]bool, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(m) || filled[idx] {
			return nil, false
		}
		out[idx] = v
		filled[idx] = true
	}
	return out, true
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

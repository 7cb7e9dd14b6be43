// Package schema converts raw rxml tree fragments into typed values driven by
// a JSON-Schema-like descriptor. It performs type coercion only; validation
// beyond that (formats, bounds, enums) is out of scope.
package schema

import "fmt"

// Descriptor is the supported JSON-Schema subset. Tool schemas arrive either
// as JSON (from an OpenAI-style tools array) or YAML (from a registry file).
type Descriptor struct {
	Type       string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Properties map[string]*Descriptor `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items      *Descriptor            `json:"items,omitempty" yaml:"items,omitempty"`
	Required   []string               `json:"required,omitempty" yaml:"required,omitempty"`

	// Unwrap names a wrapper property holding the real schema. Some SDKs nest
	// the argument schema under a fixed key; Resolve follows the indirection.
	Unwrap string `json:"unwrap,omitempty" yaml:"unwrap,omitempty"`
}

// Resolve follows Unwrap indirections until it reaches the effective schema.
func (d *Descriptor) Resolve() *Descriptor {
	seen := 0
	for d != nil && d.Unwrap != "" {
		next, ok := d.Properties[d.Unwrap]
		if !ok || next == nil {
			return d
		}
		d = next
		if seen++; seen > 16 {
			return d
		}
	}
	return d
}

// Options controls coercion policy.
type Options struct {
	// AllowDuplicateStringTags makes repeated occurrences of a string-typed
	// tag non-fatal, keeping the first occurrence. The zero value is strict:
	// duplicates raise DuplicateStringTagError, because silently picking one
	// hides that the model emitted ambiguous output.
	AllowDuplicateStringTags bool
}

// CoercionError reports a value that cannot match its declared type.
type CoercionError struct {
	Message string
	Path    string
}

func (e *CoercionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: %s", e.Message)
	}
	return fmt.Sprintf("schema: %s at %s", e.Message, e.Path)
}

// DuplicateStringTagError reports ambiguous repeated occurrences of a
// string-typed tag.
type DuplicateStringTagError struct {
	TagName string
}

func (e *DuplicateStringTagError) Error() string {
	return fmt.Sprintf("schema: duplicate occurrences of string-typed tag <%s>", e.TagName)
}

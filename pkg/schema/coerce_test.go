package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efortin/streamcall/pkg/rxml"
)

func mustParse(t *testing.T, input string) []any {
	t.Helper()
	children, err := rxml.Parse(input, rxml.ParseOptions{})
	require.NoError(t, err)
	return children
}

func objectSchema(props map[string]*Descriptor) *Descriptor {
	return &Descriptor{Type: "object", Properties: props}
}

func TestCoerceScalars(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{
		"location": {Type: "string"},
		"days":     {Type: "integer"},
		"ratio":    {Type: "number"},
		"metric":   {Type: "boolean"},
	})
	children := mustParse(t, `<location>Paris, France</location><days>3</days><ratio>0.5</ratio><metric>true</metric>`)
	v, err := Coerce(children, schema, Options{})
	require.NoError(t, err)
	want := map[string]any{
		"location": "Paris, France",
		"days":     int64(3),
		"ratio":    0.5,
		"metric":   true,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatal(diff)
	}
}

func TestCoerceStringVerbatim(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{"content": {Type: "string"}})

	t.Run("whitespace preserved", func(t *testing.T) {
		children := mustParse(t, "<content>\n  indented code\n</content>")
		v, err := Coerce(children, schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, "\n  indented code\n", v.(map[string]any)["content"])
	})

	t.Run("nested tags survive as literal markup", func(t *testing.T) {
		children := mustParse(t, "<content>use <b>bold</b> here</content>")
		v, err := Coerce(children, schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, "use <b>bold</b> here", v.(map[string]any)["content"])
	})

	t.Run("numeric-looking text stays a string", func(t *testing.T) {
		children := mustParse(t, "<content>42</content>")
		v, err := Coerce(children, schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, "42", v.(map[string]any)["content"])
	})
}

func TestCoerceScalarErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema *Descriptor
		input  string
	}{
		{"bad integer", objectSchema(map[string]*Descriptor{"n": {Type: "integer"}}), "<n>three</n>"},
		{"fractional integer", objectSchema(map[string]*Descriptor{"n": {Type: "integer"}}), "<n>3.5</n>"},
		{"bad number", objectSchema(map[string]*Descriptor{"n": {Type: "number"}}), "<n>NaN-ish text</n>"},
		{"bad boolean", objectSchema(map[string]*Descriptor{"b": {Type: "boolean"}}), "<b>yes</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(mustParse(t, tt.input), tt.schema, Options{})
			require.Error(t, err)
			var cerr *CoercionError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestCoerceArrays(t *testing.T) {
	itemsOf := func(item *Descriptor) *Descriptor {
		return objectSchema(map[string]*Descriptor{
			"list": {Type: "array", Items: item},
		})
	}

	t.Run("wrapped item elements", func(t *testing.T) {
		children := mustParse(t, "<list><item>a</item><item>b</item></list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v.(map[string]any)["list"])
	})

	t.Run("repeated same-name siblings", func(t *testing.T) {
		children := mustParse(t, "<list>a</list><list>b</list><list>c</list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b", "c"}, v.(map[string]any)["list"])
	})

	t.Run("json string body", func(t *testing.T) {
		children := mustParse(t, `<list>["x", "y"]</list>`)
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"x", "y"}, v.(map[string]any)["list"])
	})

	t.Run("json with trailing comma", func(t *testing.T) {
		children := mustParse(t, `<list>[1, 2, 3,]</list>`)
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "integer"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, v.(map[string]any)["list"])
	})

	t.Run("comma separated scalars", func(t *testing.T) {
		children := mustParse(t, "<list>ls, -la, /tmp</list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"ls", "-la", "/tmp"}, v.(map[string]any)["list"])
	})

	t.Run("newline separated scalars", func(t *testing.T) {
		children := mustParse(t, "<list>one\ntwo\nthree</list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"one", "two", "three"}, v.(map[string]any)["list"])
	})

	t.Run("empty body is empty list", func(t *testing.T) {
		children := mustParse(t, "<list></list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{}, v.(map[string]any)["list"])
	})

	t.Run("tuple-style integer tags", func(t *testing.T) {
		children := mustParse(t, "<list><0>1</0><1>2</1></list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "number"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{1.0, 2.0}, v.(map[string]any)["list"])
	})

	t.Run("tuple tags reordered by index", func(t *testing.T) {
		children := mustParse(t, "<list><1>b</1><0>a</0></list>")
		v, err := Coerce(children, itemsOf(&Descriptor{Type: "string"}), Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v.(map[string]any)["list"])
	})
}

func TestCoerceNestedObjects(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{
		"options": objectSchema(map[string]*Descriptor{
			"depth":   {Type: "integer"},
			"verbose": {Type: "boolean"},
		}),
	})
	children := mustParse(t, "<options><depth>2</depth><verbose>false</verbose></options>")
	v, err := Coerce(children, schema, Options{})
	require.NoError(t, err)
	want := map[string]any{
		"options": map[string]any{"depth": int64(2), "verbose": false},
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatal(diff)
	}
}

func TestCoerceDuplicateStringTags(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{"path": {Type: "string"}})
	children := mustParse(t, "<path>/a</path><path>/b</path>")

	t.Run("strict by default", func(t *testing.T) {
		_, err := Coerce(children, schema, Options{})
		require.Error(t, err)
		var derr *DuplicateStringTagError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "path", derr.TagName)
	})

	t.Run("first wins when allowed", func(t *testing.T) {
		v, err := Coerce(children, schema, Options{AllowDuplicateStringTags: true})
		require.NoError(t, err)
		assert.Equal(t, "/a", v.(map[string]any)["path"])
	})
}

func TestCoerceScalarBodyAgainstObjectSchema(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{"query": {Type: "string"}})
	v, err := Coerce(mustParse(t, "just some text"), schema, Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"#text": "just some text"}, v)
}

func TestCoerceNoSchemaHeuristics(t *testing.T) {
	v, err := Coerce(mustParse(t, "<a>42</a><b>true</b><c>plain</c><d>1.5</d>"), nil, Options{})
	require.NoError(t, err)
	want := map[string]any{"a": int64(42), "b": true, "c": "plain", "d": 1.5}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatal(diff)
	}
}

func TestCoerceUnwrapResolution(t *testing.T) {
	outer := &Descriptor{
		Unwrap:     "input_schema",
		Properties: map[string]*Descriptor{"input_schema": {Type: "string"}},
	}
	schema := objectSchema(map[string]*Descriptor{"v": outer})
	v, err := Coerce(mustParse(t, "<v>hello</v>"), schema, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", v.(map[string]any)["v"])
}

func TestDescriptorResolve(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var d *Descriptor
		assert.Nil(t, d.Resolve())
	})
	t.Run("no unwrap is identity", func(t *testing.T) {
		d := &Descriptor{Type: "string"}
		assert.Same(t, d, d.Resolve())
	})
	t.Run("missing unwrap key stops", func(t *testing.T) {
		d := &Descriptor{Unwrap: "gone"}
		assert.Same(t, d, d.Resolve())
	})
}

func TestCoerceValueIdempotent(t *testing.T) {
	schema := objectSchema(map[string]*Descriptor{
		"name":  {Type: "string"},
		"count": {Type: "integer"},
		"tags":  {Type: "array", Items: &Descriptor{Type: "string"}},
	})
	typed := map[string]any{
		"name":  "x",
		"count": int64(2),
		"tags":  []any{"a", "b"},
	}
	v, err := CoerceValue(typed, schema, Options{})
	require.NoError(t, err)
	if diff := cmp.Diff(typed, v); diff != "" {
		t.Fatal(diff)
	}
}

func TestCoerceValueConversions(t *testing.T) {
	t.Run("string list to array", func(t *testing.T) {
		v, err := CoerceValue("a, b", &Descriptor{Type: "array", Items: &Descriptor{Type: "string"}}, Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v)
	})
	t.Run("wrapper object to array", func(t *testing.T) {
		v, err := CoerceValue(map[string]any{"items": []any{"a"}},
			&Descriptor{Type: "array", Items: &Descriptor{Type: "string"}}, Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a"}, v)
	})
	t.Run("tuple map to array", func(t *testing.T) {
		v, err := CoerceValue(map[string]any{"0": "a", "1": "b"},
			&Descriptor{Type: "array", Items: &Descriptor{Type: "string"}}, Options{})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v)
	})
	t.Run("string to object collapses under #text", func(t *testing.T) {
		v, err := CoerceValue("scalar", &Descriptor{Type: "object"}, Options{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"#text": "scalar"}, v)
	})
	t.Run("float to integer when whole", func(t *testing.T) {
		v, err := CoerceValue(float64(3), &Descriptor{Type: "integer"}, Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	})
}

func TestRelaxedJSON(t *testing.T) {
	t.Run("strict passes through", func(t *testing.T) {
		v, err := ParseRelaxedJSON(`{"a": 1}`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, v)
	})
	t.Run("trailing comma fixed", func(t *testing.T) {
		v, err := ParseRelaxedJSON(`{"a": 1,}`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, v)
	})
	t.Run("single quotes fixed", func(t *testing.T) {
		v, err := ParseRelaxedJSON(`{'a': 'x'}`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "x"}, v)
	})
	t.Run("hopeless input errors", func(t *testing.T) {
		_, err := ParseRelaxedJSON(`{broken`)
		require.Error(t, err)
	})
}

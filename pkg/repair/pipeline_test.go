package repair

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efortin/streamcall/pkg/rxml"
	"github.com/efortin/streamcall/pkg/schema"
)

// strictParse is the parse function the transformer wires in: no-repair parse
// plus schema coercion.
func strictParse(ctx *Context) (any, error) {
	children, err := rxml.Parse(ctx.RawSegment, rxml.ParseOptions{})
	if err != nil {
		return nil, err
	}
	return schema.Coerce(children, ctx.Schema, schema.Options{})
}

func shellSchema() *schema.Descriptor {
	return &schema.Descriptor{
		Type: "object",
		Properties: map[string]*schema.Descriptor{
			"command": {Type: "array", Items: &schema.Descriptor{Type: "string"}},
		},
	}
}

func TestApplyCleanSegmentNeedsNoRepair(t *testing.T) {
	ctx := &Context{
		ToolName:   "shell",
		Schema:     shellSchema(),
		RawSegment: "<command>ls</command><command>-la</command>",
	}
	Apply(ctx, DefaultConfig(), strictParse)
	require.Empty(t, ctx.Errors)
	want := map[string]any{"command": []any{"ls", "-la"}}
	if diff := cmp.Diff(want, ctx.Parsed); diff != "" {
		t.Fatal(diff)
	}
}

func TestApplyStrayCloserRecovered(t *testing.T) {
	// The model closed a tag it never opened; strict parse fails, the
	// balancer drops the stray closer, and the reparse succeeds.
	ctx := &Context{
		ToolName:   "shell",
		Schema:     shellSchema(),
		RawSegment: "<command>ls</command></wrong><command>-la</command>",
	}
	Apply(ctx, DefaultConfig(), strictParse)
	require.NotNil(t, ctx.Parsed)
	assert.NotEmpty(t, ctx.Errors, "first strict parse should have failed")
	assert.NotEmpty(t, ctx.Warnings)
	want := map[string]any{"command": []any{"ls", "-la"}}
	if diff := cmp.Diff(want, ctx.Parsed); diff != "" {
		t.Fatal(diff)
	}
}

func TestApplyUnclosedTagRecovered(t *testing.T) {
	ctx := &Context{
		ToolName:   "shell",
		Schema:     shellSchema(),
		RawSegment: "<command>ls -la",
	}
	Apply(ctx, DefaultConfig(), strictParse)
	require.NotNil(t, ctx.Parsed)
	want := map[string]any{"command": []any{"ls -la"}}
	if diff := cmp.Diff(want, ctx.Parsed); diff != "" {
		t.Fatal(diff)
	}
}

func TestApplyNeverReturnsParsedOnTotalFailure(t *testing.T) {
	failing := func(ctx *Context) (any, error) {
		return nil, errors.New("always fails")
	}
	ctx := &Context{RawSegment: "<x>unparseable</x>"}
	Apply(ctx, DefaultConfig(), failing)
	assert.Nil(t, ctx.Parsed)
	assert.NotEmpty(t, ctx.Errors)
	assert.Equal(t, "<x>unparseable</x>", ctx.Original, "original preserved verbatim")
}

func TestApplyOriginalPreservedAcrossRewrites(t *testing.T) {
	raw := "</ bad><command>ls</command>"
	ctx := &Context{Schema: shellSchema(), RawSegment: raw}
	Apply(ctx, DefaultConfig(), strictParse)
	assert.Equal(t, raw, ctx.Original)
	assert.NotEqual(t, raw, ctx.RawSegment, "normalize-closers should have rewritten the segment")
}

func TestApplyDeterministic(t *testing.T) {
	run := func() (any, []string) {
		ctx := &Context{
			Schema:     shellSchema(),
			RawSegment: "<command>a</command></x><command>b</command></y>",
		}
		Apply(ctx, DefaultConfig(), strictParse)
		return ctx.Parsed, ctx.Warnings
	}
	first, firstWarnings := run()
	for i := 0; i < 5; i++ {
		again, againWarnings := run()
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatal(diff)
		}
		assert.Equal(t, firstWarnings, againWarnings)
	}
}

func TestApplyFallbackShortCircuits(t *testing.T) {
	var ran []string
	cfg := &Config{}
	cfg.Add(New("first", PhaseFallbackReparse, nil, func(ctx *Context) Result {
		ran = append(ran, "first")
		return Result{RawSegment: "<ok/>", RewroteSegment: true, Reparse: true}
	}))
	cfg.Add(New("second", PhaseFallbackReparse, nil, func(ctx *Context) Result {
		ran = append(ran, "second")
		return Result{}
	}))

	calls := 0
	parse := func(ctx *Context) (any, error) {
		calls++
		if ctx.RawSegment == "<ok/>" {
			return map[string]any{}, nil
		}
		return nil, errors.New("nope")
	}

	ctx := &Context{RawSegment: "<broken"}
	Apply(ctx, cfg, parse)
	assert.Equal(t, []string{"first"}, ran, "success stops remaining fallbacks")
	assert.Equal(t, 2, calls)
	assert.NotNil(t, ctx.Parsed)
}

func TestApplyStopAbortsPhase(t *testing.T) {
	var ran []string
	cfg := &Config{}
	cfg.Add(New("stopper", PhasePreParse, nil, func(ctx *Context) Result {
		ran = append(ran, "stopper")
		return Result{Stop: true}
	}))
	cfg.Add(New("never", PhasePreParse, nil, func(ctx *Context) Result {
		ran = append(ran, "never")
		return Result{}
	}))
	ctx := &Context{RawSegment: "<a/>"}
	Apply(ctx, cfg, strictParse)
	assert.Equal(t, []string{"stopper"}, ran)
}

func TestNormalizeClosers(t *testing.T) {
	h := NormalizeClosers()
	ctx := &Context{RawSegment: "<a>x</ a> and </  b >"}
	require.True(t, h.Applies(ctx))
	res := h.Run(ctx)
	assert.True(t, res.RewroteSegment)
	assert.Equal(t, "<a>x</a> and </b>", res.RawSegment)
}

func TestEscapeStrayLT(t *testing.T) {
	h := EscapeStrayLT()

	t.Run("comparison operators wrapped", func(t *testing.T) {
		ctx := &Context{RawSegment: "<cond>a < 5</cond>"}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		assert.Equal(t, "<cond>a <![CDATA[<]]> 5</cond>", res.RawSegment)
	})

	t.Run("existing cdata untouched", func(t *testing.T) {
		ctx := &Context{RawSegment: "<code><![CDATA[a < b]]></code> x < y"}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		assert.Equal(t, "<code><![CDATA[a < b]]></code> x <![CDATA[<]]> y", res.RawSegment)
	})

	t.Run("clean markup not applicable", func(t *testing.T) {
		ctx := &Context{RawSegment: "<a>text</a>"}
		assert.False(t, h.Applies(ctx))
	})

	t.Run("round trips through the parser", func(t *testing.T) {
		ctx := &Context{RawSegment: "<v>x < y <= z</v>"}
		res := h.Run(ctx)
		children, err := rxml.Parse(res.RawSegment, rxml.ParseOptions{})
		require.NoError(t, err)
		node := children[0].(*rxml.Node)
		assert.Equal(t, "x < y <= z", node.Text())
	})

	t.Run("numeric tuple tags untouched", func(t *testing.T) {
		ctx := &Context{RawSegment: "<x><0>1</0><1>2</1></x> buy <5 apples"}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		assert.Equal(t, "<x><0>1</0><1>2</1></x> buy <![CDATA[<]]>5 apples", res.RawSegment)
	})
}

func TestDedupeRepeatedTags(t *testing.T) {
	sch := shellSchema()

	t.Run("keep final run", func(t *testing.T) {
		h := DedupeRepeatedTags(KeepFinalRun)
		raw := "<command>old</command><other>x</other><command>new1</command><command>new2</command>"
		ctx := &Context{Schema: sch, RawSegment: raw}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		require.True(t, res.RewroteSegment)
		assert.True(t, res.Reparse)
		assert.NotContains(t, res.RawSegment, "old")
		assert.Contains(t, res.RawSegment, "new1")
		assert.Contains(t, res.RawSegment, "new2")
		assert.Contains(t, res.RawSegment, "<other>x</other>")
	})

	t.Run("merge all runs", func(t *testing.T) {
		h := DedupeRepeatedTags(MergeAllRuns)
		raw := "<command>a</command><other>x</other><command>b</command>"
		ctx := &Context{Schema: sch, RawSegment: raw}
		res := h.Run(ctx)
		require.True(t, res.RewroteSegment)
		assert.Contains(t, res.RawSegment, "<command>a</command>")
		assert.Contains(t, res.RawSegment, "<command>b</command>")
	})

	t.Run("single run not applicable", func(t *testing.T) {
		h := DedupeRepeatedTags(KeepFinalRun)
		ctx := &Context{
			Schema:     sch,
			RawSegment: "<command>a</command><command>b</command>",
		}
		assert.False(t, h.Applies(ctx), "adjacent occurrences are one run")
	})

	t.Run("no schema not applicable", func(t *testing.T) {
		h := DedupeRepeatedTags(KeepFinalRun)
		ctx := &Context{RawSegment: "<command>a</command><x/><command>b</command>"}
		assert.False(t, h.Applies(ctx))
	})
}

func TestSchemaRepairPostParse(t *testing.T) {
	h := SchemaRepair()

	t.Run("string value becomes array", func(t *testing.T) {
		ctx := &Context{
			Schema: shellSchema(),
			Parsed: map[string]any{"command": "ls, -la"},
		}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		require.True(t, res.ReplacedParsed)
		want := map[string]any{"command": []any{"ls", "-la"}}
		if diff := cmp.Diff(want, res.Parsed); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("text body folds into single property", func(t *testing.T) {
		sch := &schema.Descriptor{
			Type: "object",
			Properties: map[string]*schema.Descriptor{
				"query": {Type: "string"},
			},
		}
		ctx := &Context{Schema: sch, Parsed: map[string]any{"#text": "find me"}}
		res := h.Run(ctx)
		require.True(t, res.ReplacedParsed)
		assert.Equal(t, map[string]any{"query": "find me"}, res.Parsed)
	})

	t.Run("string array items trimmed", func(t *testing.T) {
		ctx := &Context{
			Schema: shellSchema(),
			Parsed: map[string]any{"command": []any{" ls ", "\n-la\n"}},
		}
		res := h.Run(ctx)
		require.True(t, res.ReplacedParsed)
		assert.Equal(t, map[string]any{"command": []any{"ls", "-la"}}, res.Parsed)
	})

	t.Run("raw object items reparsed", func(t *testing.T) {
		sch := &schema.Descriptor{
			Type: "object",
			Properties: map[string]*schema.Descriptor{
				"steps": {
					Type: "array",
					Items: &schema.Descriptor{
						Type: "object",
						Properties: map[string]*schema.Descriptor{
							"step":   {Type: "string"},
							"status": {Type: "string"},
						},
					},
				},
			},
		}
		ctx := &Context{
			Schema: sch,
			Parsed: map[string]any{
				"steps": []any{"<step>build</step><status>done</status>"},
			},
		}
		res := h.Run(ctx)
		require.True(t, res.ReplacedParsed)
		steps := res.Parsed.(map[string]any)["steps"].([]any)
		require.Len(t, steps, 1)
		assert.Equal(t, map[string]any{"step": "build", "status": "done"}, steps[0])
	})
}

func TestBalanceTags(t *testing.T) {
	h := BalanceTags()

	t.Run("balanced input not applicable", func(t *testing.T) {
		assert.False(t, h.Applies(&Context{RawSegment: "<a><b>x</b></a>"}))
	})

	t.Run("synthesizes closers at EOF", func(t *testing.T) {
		ctx := &Context{RawSegment: "<a><b>x"}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		assert.Equal(t, "<a><b>x</b></a>", res.RawSegment)
		assert.True(t, res.Reparse)
	})

	t.Run("outer closer pops inner", func(t *testing.T) {
		ctx := &Context{RawSegment: "<a><b>x</a>"}
		res := h.Run(ctx)
		assert.Equal(t, "<a><b>x</b></a>", res.RawSegment)
	})

	t.Run("reopens sibling after early closer", func(t *testing.T) {
		ctx := &Context{RawSegment: "<cmd>ls</cmd> -la</cmd>"}
		res := h.Run(ctx)
		assert.Equal(t, "<cmd>ls</cmd><cmd> -la</cmd>", res.RawSegment)
	})

	t.Run("drops stray closer without content", func(t *testing.T) {
		ctx := &Context{RawSegment: "<a>x</a></b>"}
		res := h.Run(ctx)
		assert.Equal(t, "<a>x</a>", res.RawSegment)
	})

	t.Run("quoted angle brackets ignored", func(t *testing.T) {
		ctx := &Context{RawSegment: `<a attr="x > y">body`}
		res := h.Run(ctx)
		assert.Equal(t, `<a attr="x > y">body</a>`, res.RawSegment)
	})

	t.Run("numeric tuple tags balanced", func(t *testing.T) {
		ctx := &Context{RawSegment: "<x><0>1</0><1>2"}
		require.True(t, h.Applies(ctx))
		res := h.Run(ctx)
		assert.Equal(t, "<x><0>1</0><1>2</1></x>", res.RawSegment)
	})

	t.Run("cdata payload untouched", func(t *testing.T) {
		ctx := &Context{RawSegment: "<a><![CDATA[<open>]]>"}
		res := h.Run(ctx)
		assert.Equal(t, "<a><![CDATA[<open>]]></a>", res.RawSegment)
	})
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "pre-parse", PhasePreParse.String())
	assert.Equal(t, "fallback-reparse", PhaseFallbackReparse.String())
	assert.Equal(t, "post-parse", PhasePostParse.String())
}

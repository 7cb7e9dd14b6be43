// Package repair is the heuristic recovery layer around the rxml parser and
// schema coercer. Heuristics are small, conditionally applied rewrite steps
// organized into three phases: pre-parse rewrites run unconditionally before
// the first parse attempt, fallback-reparse steps run only after a parse
// failure and may trigger retries, post-parse steps fix up the typed result.
//
// New behavior is added by composing heuristic values into a Config, never by
// wrapping or subclassing the parser.
package repair

import (
	"github.com/efortin/streamcall/pkg/schema"
)

// Phase identifies when a heuristic runs.
type Phase int

const (
	PhasePreParse Phase = iota
	PhaseFallbackReparse
	PhasePostParse
)

func (p Phase) String() string {
	switch p {
	case PhasePreParse:
		return "pre-parse"
	case PhaseFallbackReparse:
		return "fallback-reparse"
	case PhasePostParse:
		return "post-parse"
	}
	return "unknown"
}

// Context is the transient per-segment state threaded through the pipeline.
// One Context exists per parse attempt and is discarded afterwards.
type Context struct {
	ToolName   string
	Schema     *schema.Descriptor
	RawSegment string
	// Original preserves the segment exactly as captured, before any
	// heuristic rewrote RawSegment. Callers report it alongside errors so
	// model output is never lost.
	Original string
	Parsed   any
	Errors   []error
	Warnings []string
}

// Result is what a heuristic returns. Zero value means "no change".
type Result struct {
	RawSegment     string
	RewroteSegment bool
	Parsed         any
	ReplacedParsed bool
	// Reparse asks the pipeline to retry the parse function on the updated
	// segment. Only honored in the fallback phase.
	Reparse bool
	// Stop aborts the remainder of the current phase.
	Stop     bool
	Warnings []string
}

// Heuristic is one repair step. Applies is a cheap gate checked before Run.
type Heuristic interface {
	ID() string
	Phase() Phase
	Applies(*Context) bool
	Run(*Context) Result
}

// Config holds the ordered heuristic lists per phase.
type Config struct {
	PreParse  []Heuristic
	Fallback  []Heuristic
	PostParse []Heuristic
}

// Add appends a heuristic to its phase's list.
func (c *Config) Add(h Heuristic) {
	switch h.Phase() {
	case PhasePreParse:
		c.PreParse = append(c.PreParse, h)
	case PhaseFallbackReparse:
		c.Fallback = append(c.Fallback, h)
	case PhasePostParse:
		c.PostParse = append(c.PostParse, h)
	}
}

// DefaultConfig returns the built-in heuristic set in its canonical order.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Add(NormalizeClosers())
	cfg.Add(EscapeStrayLT())
	cfg.Add(BalanceTags())
	cfg.Add(DedupeRepeatedTags(KeepFinalRun))
	cfg.Add(SchemaRepair())
	return cfg
}

// ParseFunc parses ctx.RawSegment against ctx.Schema. It is supplied by the
// caller so the pipeline stays independent of how segments are parsed.
type ParseFunc func(*Context) (any, error)

// Apply runs the pipeline. It never returns an error: an unresolved failure
// leaves ctx.Parsed nil with ctx.Errors populated, paired with ctx.Original,
// and the caller decides how to degrade.
func Apply(ctx *Context, cfg *Config, parse ParseFunc) {
	if ctx.Original == "" {
		ctx.Original = ctx.RawSegment
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	for _, h := range cfg.PreParse {
		if !h.Applies(ctx) {
			continue
		}
		res := h.Run(ctx)
		absorb(ctx, res)
		if res.Stop {
			break
		}
	}

	parsed, err := parse(ctx)
	if err == nil {
		ctx.Parsed = parsed
	} else {
		ctx.Errors = append(ctx.Errors, err)
		if !fallback(ctx, cfg, parse) {
			ctx.Parsed = nil
			return
		}
	}

	for _, h := range cfg.PostParse {
		if !h.Applies(ctx) {
			continue
		}
		res := h.Run(ctx)
		absorb(ctx, res)
		if res.Stop {
			break
		}
	}
}

// fallback runs the fallback-reparse phase and reports whether a parse
// eventually succeeded. The first successful reparse short-circuits the
// remaining heuristics.
func fallback(ctx *Context, cfg *Config, parse ParseFunc) bool {
	for _, h := range cfg.Fallback {
		if !h.Applies(ctx) {
			continue
		}
		res := h.Run(ctx)
		absorb(ctx, res)
		if res.ReplacedParsed {
			return true
		}
		if res.Reparse {
			parsed, err := parse(ctx)
			if err == nil {
				ctx.Parsed = parsed
				return true
			}
			ctx.Errors = append(ctx.Errors, err)
		}
		if res.Stop {
			return false
		}
	}
	return false
}

func absorb(ctx *Context, res Result) {
	if res.RewroteSegment {
		ctx.RawSegment = res.RawSegment
	}
	if res.ReplacedParsed {
		ctx.Parsed = res.Parsed
	}
	ctx.Warnings = append(ctx.Warnings, res.Warnings...)
}

// funcHeuristic adapts plain functions into a Heuristic. Built-ins and most
// caller extensions use this rather than defining new types.
type funcHeuristic struct {
	id      string
	phase   Phase
	applies func(*Context) bool
	run     func(*Context) Result
}

// New builds a Heuristic from functions. A nil applies gate always applies.
func New(id string, phase Phase, applies func(*Context) bool, run func(*Context) Result) Heuristic {
	return &funcHeuristic{id: id, phase: phase, applies: applies, run: run}
}

func (h *funcHeuristic) ID() string   { return h.id }
func (h *funcHeuristic) Phase() Phase { return h.phase }

func (h *funcHeuristic) Applies(ctx *Context) bool {
	if h.applies == nil {
		return true
	}
	return h.applies(ctx)
}

func (h *funcHeuristic) Run(ctx *Context) Result { return h.run(ctx) }

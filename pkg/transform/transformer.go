package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/efortin/streamcall/pkg/repair"
	"github.com/efortin/streamcall/pkg/rxml"
	"github.com/efortin/streamcall/pkg/scan"
	"github.com/efortin/streamcall/pkg/schema"
)

// Config assembles one Transformer. Registry is required; the zero values of
// the other fields select the tag protocol, the default repair set, a strict
// first parse, strict coercion and a nop logger.
type Config struct {
	Protocol Protocol
	Registry *Registry
	Repair   *repair.Config
	// ParseOptions configures the first parse attempt on captured segments.
	// Healing still runs in the repair pipeline even when Repair is false
	// here.
	ParseOptions rxml.ParseOptions
	// CoerceOptions configures schema coercion of parsed arguments.
	CoerceOptions schema.Options
	Logger        *zap.Logger
}

// Transformer turns a sequence of text deltas into text and tool-call events.
// Create one per model response; it is not safe for concurrent use.
type Transformer struct {
	protocol   Protocol
	registry   *Registry
	repair     *repair.Config
	parseOpts  rxml.ParseOptions
	coerceOpts schema.Options
	log        *zap.Logger

	variants []Variant
	starts   []string

	buf     string
	active  *activeCall
	callSeq int
}

type activeCall struct {
	variant  Variant
	id       string
	started  bool
	pending  []string
	captured strings.Builder
}

// New builds a Transformer from cfg.
func New(cfg Config) *Transformer {
	p := cfg.Protocol
	if p == nil {
		p = TagProtocol{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transformer{
		protocol:   p,
		registry:   cfg.Registry,
		repair:     cfg.Repair,
		parseOpts:  cfg.ParseOptions,
		coerceOpts: cfg.CoerceOptions,
		log:        log,
		variants:   p.Variants(cfg.Registry),
	}
	for _, v := range t.variants {
		t.starts = append(t.starts, v.Start)
	}
	return t
}

// Push feeds one delta and returns the events it releases. Event boundaries
// depend on chunking but the concatenated text and the sequence of resolved
// calls do not.
func (t *Transformer) Push(delta string) []Event {
	t.buf += delta
	var events []Event
	for {
		if t.active == nil {
			m := scan.PotentialStartIndexMultiple(t.buf, t.starts)
			if m == nil {
				events = t.flushText(events, t.buf)
				t.buf = ""
				return events
			}
			events = t.flushText(events, t.buf[:m.Index])
			t.buf = t.buf[m.Index:]
			if !m.Complete {
				// Tail could still become a start delimiter. Hold it.
				return events
			}
			t.buf = t.buf[len(m.Text):]
			t.activate(t.variantFor(m.Text))
			continue
		}

		m := scan.PotentialStartIndexMultiple(t.buf, t.active.variant.Ends)
		if m == nil {
			events = t.consumeBody(events, t.buf)
			t.buf = ""
			return events
		}
		events = t.consumeBody(events, t.buf[:m.Index])
		t.buf = t.buf[m.Index:]
		if !m.Complete {
			return events
		}
		t.buf = t.buf[len(m.Text):]
		events = t.finishCall(events, m.Text)
		// Loop again: the remaining buffer may hold a back-to-back call.
	}
}

// Finish flushes state at end of stream and returns the final events. A held
// partial start delimiter was just text; a call cut off mid-body gets one
// last resolution attempt before degrading.
func (t *Transformer) Finish() []Event {
	var events []Event
	if t.active == nil {
		events = t.flushText(events, t.buf)
		t.buf = ""
		return events
	}
	events = t.consumeBody(events, t.buf)
	t.buf = ""
	return t.finishCall(events, "")
}

// Run drives the Transformer from a chunk source until EOF or ctx
// cancellation, closing the returned channel when done. A source failure that
// is not a cancellation flushes buffered state, then surfaces as a final
// stream-error event wrapping an *rxml.StreamError.
func (t *Transformer) Run(ctx context.Context, src rxml.ChunkSource) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		emit := func(evs []Event) bool {
			for _, e := range evs {
				select {
				case out <- e:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		for {
			chunk, err := src.Next(ctx)
			if chunk != "" {
				if !emit(t.Push(chunk)) {
					return
				}
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !emit(t.Finish()) {
					return
				}
				if !errors.Is(err, io.EOF) {
					emit([]Event{{Type: EventStreamError, Err: &rxml.StreamError{Cause: err}}})
				}
				return
			}
		}
	}()
	return out
}

func (t *Transformer) variantFor(start string) Variant {
	for _, v := range t.variants {
		if v.Start == start {
			return v
		}
	}
	return Variant{Start: start}
}

func (t *Transformer) activate(v Variant) {
	t.active = &activeCall{variant: v, id: t.nextCallID()}
	t.log.Debug("tool call opened", zap.String("start", v.Start), zap.String("call_id", t.active.id))
}

// nextCallID mirrors the call_a, call_b id scheme the downstream clients
// already accept.
func (t *Transformer) nextCallID() string {
	id := fmt.Sprintf("call_%c", 'a'+t.callSeq%26)
	t.callSeq++
	return id
}

func (t *Transformer) flushText(events []Event, text string) []Event {
	if text == "" {
		return events
	}
	return append(events, Event{Type: EventTextDelta, Text: text})
}

// consumeBody accumulates captured body text. Deltas are held back until the
// tool name is known so a start event always precedes them.
func (t *Transformer) consumeBody(events []Event, s string) []Event {
	if s == "" {
		return events
	}
	a := t.active
	a.captured.WriteString(s)
	if !a.started {
		a.pending = append(a.pending, s)
		name := t.protocol.PeekToolName(a.variant, a.captured.String())
		if name == "" {
			return events
		}
		a.started = true
		events = append(events, Event{Type: EventToolCallStart, ToolName: name, CallID: a.id})
		for _, p := range a.pending {
			events = append(events, Event{Type: EventToolCallDelta, CallID: a.id, Delta: p})
		}
		a.pending = nil
		return events
	}
	return append(events, Event{Type: EventToolCallDelta, CallID: a.id, Delta: s})
}

// finishCall resolves and parses the captured segment. Failures degrade to
// the raw text, delimiters included, followed by a parse-failure diagnostic;
// captured output is never dropped.
func (t *Transformer) finishCall(events []Event, endText string) []Event {
	a := t.active
	t.active = nil
	inner := a.captured.String()
	raw := a.variant.Start + inner + endText

	call, err := t.protocol.Resolve(a.variant, inner, t.registry)
	if err != nil {
		return t.degrade(events, a, raw, "", err, nil)
	}
	tool, ok := t.registry.Lookup(call.ToolName)
	if !ok {
		return t.degrade(events, a, raw, call.ToolName,
			fmt.Errorf("transform: unknown tool %q", call.ToolName), nil)
	}

	rctx := &repair.Context{
		ToolName:   call.ToolName,
		Schema:     tool.Schema,
		RawSegment: call.Body,
		Original:   call.Body,
	}
	repair.Apply(rctx, t.repair, t.parseSegment)
	if rctx.Parsed == nil {
		return t.degrade(events, a, raw, call.ToolName, errors.Join(rctx.Errors...), rctx.Warnings)
	}

	if !a.started {
		events = append(events, Event{Type: EventToolCallStart, ToolName: call.ToolName, CallID: a.id})
		for _, p := range a.pending {
			events = append(events, Event{Type: EventToolCallDelta, CallID: a.id, Delta: p})
		}
	}
	t.log.Debug("tool call resolved",
		zap.String("tool", call.ToolName),
		zap.String("call_id", a.id),
		zap.Int("warnings", len(rctx.Warnings)))
	return append(events, Event{
		Type:     EventToolCallEnd,
		ToolName: call.ToolName,
		CallID:   a.id,
		Input:    rctx.Parsed,
		Warnings: rctx.Warnings,
	})
}

func (t *Transformer) degrade(events []Event, a *activeCall, raw, toolName string, err error, warnings []string) []Event {
	t.log.Warn("tool call segment unrecoverable",
		zap.String("call_id", a.id),
		zap.String("tool", toolName),
		zap.Error(err))
	events = append(events, Event{Type: EventTextDelta, Text: raw})
	return append(events, Event{
		Type:     EventParseFailure,
		ToolName: toolName,
		CallID:   a.id,
		Text:     raw,
		Warnings: warnings,
		Err:      err,
	})
}

// parseSegment is the parse attempt handed to the repair pipeline:
// JSON-shaped bodies go through the relaxed JSON reader, markup bodies
// through the configured parse options plus schema coercion. Healing belongs
// to the pipeline's own heuristics, not to this function.
func (t *Transformer) parseSegment(ctx *repair.Context) (any, error) {
	body := ctx.RawSegment
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		v, err := schema.ParseRelaxedJSON(trimmed)
		if err == nil {
			return schema.CoerceValue(v, ctx.Schema, t.coerceOpts)
		}
		// Fall through: a body starting with { may still be markup-ish.
	}
	children, err := rxml.Parse(body, t.parseOpts)
	if err != nil {
		return nil, err
	}
	return schema.Coerce(children, ctx.Schema, t.coerceOpts)
}

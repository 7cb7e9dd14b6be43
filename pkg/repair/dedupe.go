package repair

import (
	"regexp"
	"strings"

	"github.com/efortin/streamcall/pkg/schema"
)

// KeepPolicy decides which occurrences survive when DedupeRepeatedTags finds
// an array parameter emitted as several separated runs of same-named tags.
// The right precedence is only inferred from observed model output, so it is
// a policy knob rather than a hard-coded rule.
type KeepPolicy int

const (
	// KeepFinalRun keeps the final contiguous run and discards earlier runs.
	KeepFinalRun KeepPolicy = iota
	// MergeAllRuns concatenates every run at the final run's position.
	MergeAllRuns
)

// DedupeRepeatedTags handles array parameters the model emitted as many
// same-named tags interleaved with other fields. It rewrites the segment so
// that one contiguous run remains, then asks for a reparse.
func DedupeRepeatedTags(policy KeepPolicy) Heuristic {
	return New("dedupe-repeated-tags", PhaseFallbackReparse,
		func(ctx *Context) bool {
			if ctx.Schema == nil {
				return false
			}
			for _, tag := range arrayPropertyTags(ctx.Schema) {
				if len(findRuns(ctx.RawSegment, tag)) > 1 {
					return true
				}
			}
			return false
		},
		func(ctx *Context) Result {
			raw := ctx.RawSegment
			var warnings []string
			for _, tag := range arrayPropertyTags(ctx.Schema) {
				runs := findRuns(raw, tag)
				if len(runs) < 2 {
					continue
				}
				raw = dedupeRuns(raw, runs, policy)
				warnings = append(warnings, "deduplicated repeated <"+tag+"> runs")
			}
			if raw == ctx.RawSegment {
				return Result{}
			}
			return Result{RawSegment: raw, RewroteSegment: true, Reparse: true, Warnings: warnings}
		})
}

func arrayPropertyTags(d *schema.Descriptor) []string {
	d = d.Resolve()
	if d == nil || d.Properties == nil {
		return nil
	}
	var tags []string
	for name, prop := range d.Properties {
		if p := prop.Resolve(); p != nil && p.Type == "array" {
			tags = append(tags, name)
		}
	}
	// Deterministic order for pipeline determinism.
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j] < tags[j-1]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
	return tags
}

type span struct{ start, end int }

// findRuns locates complete <tag>...</tag> spans and groups spans separated
// only by whitespace into contiguous runs.
func findRuns(s, tag string) [][]span {
	re := regexp.MustCompile(`<` + regexp.QuoteMeta(tag) + `(?:\s[^>]*)?>[\s\S]*?</` + regexp.QuoteMeta(tag) + `>`)
	locs := re.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return nil
	}
	var runs [][]span
	var current []span
	for _, loc := range locs {
		sp := span{start: loc[0], end: loc[1]}
		if len(current) > 0 {
			gap := s[current[len(current)-1].end:sp.start]
			if strings.TrimSpace(gap) != "" {
				runs = append(runs, current)
				current = nil
			}
		}
		current = append(current, sp)
	}
	runs = append(runs, current)
	return runs
}

func dedupeRuns(s string, runs [][]span, policy KeepPolicy) string {
	final := runs[len(runs)-1]
	var merged strings.Builder
	if policy == MergeAllRuns {
		for _, run := range runs {
			for _, sp := range run {
				merged.WriteString(s[sp.start:sp.end])
			}
		}
	} else {
		for _, sp := range final {
			merged.WriteString(s[sp.start:sp.end])
		}
	}

	var sb strings.Builder
	pos := 0
	for ri, run := range runs {
		for _, sp := range run {
			sb.WriteString(s[pos:sp.start])
			pos = sp.end
			if ri == len(runs)-1 && sp == final[0] {
				sb.WriteString(merged.String())
			}
		}
	}
	sb.WriteString(s[pos:])
	return sb.String()
}

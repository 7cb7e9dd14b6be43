package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efortin/streamcall/pkg/transform"
)

// streamRewriter wraps http.ResponseWriter and rewrites SSE chat completion
// chunks on the fly: tool call markup embedded in content deltas is lifted
// into native tool_calls deltas, everything else passes through. Responses
// that already carry native tool_calls disable rewriting for the rest of the
// stream.
type streamRewriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64

	transformer *transform.Transformer
	metrics     *MetricsRecorder
	tracker     *TokenTracker
	log         *zap.Logger

	lineBuf bytes.Buffer
	// template is the first chunk seen, reused for id/model/created when
	// synthesizing rewritten chunks.
	template map[string]any

	sseChecked  bool
	passthrough bool
	sawToolCall bool
	callIndex   map[string]int
	finished    bool
}

func newStreamRewriter(w http.ResponseWriter, t *transform.Transformer, metrics *MetricsRecorder, tracker *TokenTracker, log *zap.Logger) *streamRewriter {
	return &streamRewriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		transformer:    t,
		metrics:        metrics,
		tracker:        tracker,
		log:            log,
		callIndex:      make(map[string]int),
	}
}

// WriteHeader captures the status code
func (rw *streamRewriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *streamRewriter) Write(b []byte) (int, error) {
	if rw.passthrough {
		return rw.passWrite(b)
	}
	rw.lineBuf.Write(b)

	if !rw.sseChecked {
		buf := rw.lineBuf.String()
		if len(buf) >= 6 || strings.Contains(buf, "\n") {
			rw.sseChecked = true
			if !strings.HasPrefix(buf, "data: ") && !strings.HasPrefix(buf, ":") {
				rw.passthrough = true
				rest := rw.lineBuf.Bytes()
				rw.lineBuf.Reset()
				return rw.rawWrite(rest, len(b))
			}
		} else {
			return len(b), nil
		}
	}

	for {
		line, ok := rw.nextLine()
		if !ok {
			return len(b), nil
		}
		if err := rw.handleLine(line); err != nil {
			return len(b), err
		}
	}
}

func (rw *streamRewriter) nextLine() (string, bool) {
	buf := rw.lineBuf.Bytes()
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return "", false
	}
	line := string(buf[:i])
	rw.lineBuf.Next(i + 1)
	return strings.TrimSuffix(line, "\r"), true
}

func (rw *streamRewriter) handleLine(line string) error {
	if !strings.HasPrefix(line, "data: ") {
		// Comments, event fields and blank separators pass through. Blank
		// lines are re-added when we emit chunks.
		if line != "" {
			return rw.writeRaw(line + "\n")
		}
		return nil
	}

	payload := strings.TrimPrefix(line, "data: ")
	if payload == "[DONE]" {
		return rw.finishStream()
	}

	var chunk map[string]any
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return rw.writeRaw(line + "\n\n")
	}
	if rw.template == nil {
		rw.template = chunk
	}

	delta, finishReason := extractDelta(chunk)
	if delta == nil {
		return rw.writeChunk(chunk, finishReason)
	}

	if calls, ok := delta["tool_calls"].([]any); ok && len(calls) > 0 {
		// The backend emits native tool calls itself; stop rewriting.
		rw.log.Debug("native tool calls detected, rewriting disabled")
		rw.passthrough = true
		if err := rw.emit(rw.transformer.Finish()); err != nil {
			return err
		}
		rest := append([]byte(line+"\n"), rw.lineBuf.Bytes()...)
		rw.lineBuf.Reset()
		_, err := rw.rawWrite(rest, 0)
		return err
	}

	content, _ := delta["content"].(string)
	if content == "" {
		return rw.writeChunk(chunk, finishReason)
	}

	rw.tracker.AddOutputText(content)
	start := time.Now()
	events := rw.transformer.Push(content)
	rw.recordSegments(events, time.Since(start))
	return rw.emit(events)
}

// finishStream flushes transformer state, fixes the finish reason when tool
// calls were emitted, and writes the done marker.
func (rw *streamRewriter) finishStream() error {
	if rw.finished {
		return nil
	}
	rw.finished = true
	start := time.Now()
	events := rw.transformer.Finish()
	rw.recordSegments(events, time.Since(start))
	if err := rw.emit(events); err != nil {
		return err
	}
	if rw.sawToolCall {
		final := rw.newChunk(map[string]any{})
		setFinishReason(final, "tool_calls")
		if err := rw.writeChunkJSON(final); err != nil {
			return err
		}
	}
	return rw.writeRaw("data: [DONE]\n\n")
}

func (rw *streamRewriter) emit(events []transform.Event) error {
	for _, e := range events {
		switch e.Type {
		case transform.EventTextDelta:
			chunk := rw.newChunk(map[string]any{"content": e.Text})
			if err := rw.writeChunkJSON(chunk); err != nil {
				return err
			}
		case transform.EventToolCallStart, transform.EventToolCallDelta:
			// Raw body fragments never reach the wire. The whole call goes
			// out in one tool_calls chunk on tool-call-end, so a segment
			// that later degrades leaves no dangling call behind.
		case transform.EventToolCallEnd:
			args, err := json.Marshal(e.Input)
			if err != nil {
				args = []byte("{}")
			}
			idx := len(rw.callIndex)
			rw.callIndex[e.CallID] = idx
			rw.sawToolCall = true
			rw.metrics.RecordToolCall(e.ToolName)
			chunk := rw.newChunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index": idx,
					"id":    e.CallID,
					"type":  "function",
					"function": map[string]any{
						"name":      e.ToolName,
						"arguments": string(args),
					},
				}},
			})
			if err := rw.writeChunkJSON(chunk); err != nil {
				return err
			}
		case transform.EventParseFailure:
			// The raw segment already went out as a text delta.
			rw.log.Warn("tool call segment degraded to text",
				zap.String("tool", e.ToolName),
				zap.Error(e.Err))
		}
	}
	return nil
}

func (rw *streamRewriter) recordSegments(events []transform.Event, elapsed time.Duration) {
	for _, e := range events {
		switch e.Type {
		case transform.EventToolCallEnd:
			outcome := "parsed"
			if len(e.Warnings) > 0 {
				outcome = "repaired"
			}
			rw.metrics.RecordSegment(outcome, elapsed)
		case transform.EventParseFailure:
			rw.metrics.RecordSegment("degraded", elapsed)
		}
	}
}

// newChunk clones the template chunk and swaps in a new delta.
func (rw *streamRewriter) newChunk(delta map[string]any) map[string]any {
	chunk := make(map[string]any, 6)
	for k, v := range rw.template {
		if k != "choices" {
			chunk[k] = v
		}
	}
	chunk["choices"] = []map[string]any{{
		"index": 0,
		"delta": delta,
	}}
	return chunk
}

func setFinishReason(chunk map[string]any, reason string) {
	if choices, ok := chunk["choices"].([]map[string]any); ok && len(choices) > 0 {
		choices[0]["finish_reason"] = reason
	}
}

// writeChunk re-emits an original chunk, overriding the finish reason when
// the stream turned into tool calls.
func (rw *streamRewriter) writeChunk(chunk map[string]any, finishReason string) error {
	if finishReason != "" && rw.sawToolCall && finishReason != "tool_calls" {
		if choices, ok := chunk["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				choice["finish_reason"] = "tool_calls"
			}
		}
	}
	return rw.writeChunkJSON(chunk)
}

func (rw *streamRewriter) writeChunkJSON(chunk map[string]any) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return rw.writeRaw("data: " + string(data) + "\n\n")
}

func (rw *streamRewriter) writeRaw(s string) error {
	n, err := rw.ResponseWriter.Write([]byte(s))
	rw.bytesWritten += int64(n)
	rw.Flush()
	return err
}

func (rw *streamRewriter) passWrite(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return len(b), err
}

func (rw *streamRewriter) rawWrite(data []byte, reported int) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(n)
	if reported == 0 {
		reported = len(data)
	}
	return reported, err
}

func extractDelta(chunk map[string]any) (delta map[string]any, finishReason string) {
	choices, ok := chunk["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, ""
	}
	if fr, ok := choice["finish_reason"].(string); ok {
		finishReason = fr
	}
	delta, _ = choice["delta"].(map[string]any)
	return delta, finishReason
}

// Hijack implements http.Hijacker
func (rw *streamRewriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Flush implements http.Flusher
func (rw *streamRewriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Status returns the captured status code
func (rw *streamRewriter) Status() int {
	return rw.statusCode
}

// Size returns the number of bytes written
func (rw *streamRewriter) Size() int64 {
	return rw.bytesWritten
}

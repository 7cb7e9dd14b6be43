package transform

// ParseText runs a complete response body through a fresh Transformer and
// coalesces the event stream into ordered parts. Adjacent text deltas merge
// into one text part; a degraded segment becomes a text part carrying the
// diagnostic from its parse-failure event.
func ParseText(content string, cfg Config) []Part {
	t := New(cfg)
	events := t.Push(content)
	events = append(events, t.Finish()...)
	return Coalesce(events)
}

// Coalesce folds an event sequence into parts.
func Coalesce(events []Event) []Part {
	var parts []Part
	appendText := func(text string) *Part {
		if len(parts) > 0 && parts[len(parts)-1].Type == PartText && parts[len(parts)-1].Err == nil {
			parts[len(parts)-1].Text += text
			return &parts[len(parts)-1]
		}
		parts = append(parts, Part{Type: PartText, Text: text})
		return &parts[len(parts)-1]
	}

	for _, e := range events {
		switch e.Type {
		case EventTextDelta:
			appendText(e.Text)
		case EventToolCallEnd:
			parts = append(parts, Part{
				Type:     PartToolCall,
				ToolName: e.ToolName,
				CallID:   e.CallID,
				Input:    e.Input,
				Warnings: e.Warnings,
			})
		case EventParseFailure:
			// The raw segment was already emitted as the preceding text delta;
			// attach the diagnostic to that part. Marking Err also stops later
			// text from merging into the degraded segment.
			if len(parts) > 0 {
				last := &parts[len(parts)-1]
				if last.Type == PartText {
					last.ToolName = e.ToolName
					last.CallID = e.CallID
					last.Warnings = e.Warnings
					last.Err = e.Err
				}
			}
		}
	}
	return parts
}

package rxml

import "fmt"

// ParseError reports an unrecoverable structural problem. It only occurs with
// ParseOptions.Repair disabled; with repair on the parser heals instead.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rxml: %s at line %d, column %d", e.Message, e.Line, e.Column)
}

// StreamError wraps a failure of the upstream chunk source. Elements yielded
// before the failure are not rolled back.
type StreamError struct {
	Cause error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("rxml: stream source failed: %v", e.Cause)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// lineCol converts a byte offset into a 1-based line/column pair.
func lineCol(src string, pos int) (int, int) {
	line, col := 1, 1
	if pos > len(src) {
		pos = len(src)
	}
	for i := 0; i < pos; i++ {
		if src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

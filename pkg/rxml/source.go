package rxml

import (
	"context"
	"io"
)

// ChunkSource delivers text chunks of any size, down to a single character.
// Next returns io.EOF when the source is exhausted; any other error aborts
// the stream as a StreamError.
type ChunkSource interface {
	Next(ctx context.Context) (string, error)
}

// stringSource yields a fixed string in chunks of a given size. A chunkSize
// of zero or less yields the whole string at once. Mostly useful in tests to
// prove chunk invariance.
type stringSource struct {
	s         string
	pos       int
	chunkSize int
}

// NewStringSource returns a ChunkSource over s split into chunkSize pieces.
func NewStringSource(s string, chunkSize int) ChunkSource {
	if chunkSize <= 0 {
		chunkSize = len(s)
	}
	return &stringSource{s: s, chunkSize: chunkSize}
}

func (src *stringSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if src.pos >= len(src.s) {
		return "", io.EOF
	}
	end := min(src.pos+src.chunkSize, len(src.s))
	chunk := src.s[src.pos:end]
	src.pos = end
	return chunk, nil
}

// channelSource adapts a string channel, e.g. deltas fanned out from an SSE
// reader. A closed channel ends the stream.
type channelSource struct {
	ch <-chan string
}

// NewChannelSource returns a ChunkSource reading from ch until it closes.
func NewChannelSource(ch <-chan string) ChunkSource {
	return &channelSource{ch: ch}
}

func (src *channelSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case chunk, ok := <-src.ch:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	}
}

// readerSource adapts an io.Reader.
type readerSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource returns a ChunkSource reading bufSize-byte chunks from r.
func NewReaderSource(r io.Reader, bufSize int) ChunkSource {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &readerSource{r: r, buf: make([]byte, bufSize)}
}

func (src *readerSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := src.r.Read(src.buf)
	if n > 0 {
		return string(src.buf[:n]), nil
	}
	if err == nil {
		err = io.EOF
	}
	return "", err
}

// Package scan finds complete or partial occurrences of candidate delimiters
// in a streaming buffer. A partial occurrence is a buffer tail that could
// still grow into the delimiter once more chunks arrive; callers hold those
// bytes back instead of flushing them as text.
//
// The functions are pure and allocation-light; the rescan window is always
// just the caller's current buffer, never the whole response.
package scan

import "strings"

// PotentialStartIndex returns the index of the first complete occurrence of
// delimiter in buffer, else the index of the longest buffer-tail suffix that
// is a non-empty prefix of delimiter, else -1. An empty buffer or delimiter
// yields -1.
func PotentialStartIndex(buffer, delimiter string) int {
	if buffer == "" || delimiter == "" {
		return -1
	}
	if i := strings.Index(buffer, delimiter); i >= 0 {
		return i
	}
	return partialIndex(buffer, delimiter)
}

// partialIndex finds the earliest tail position whose suffix is a non-empty
// proper prefix of delimiter. Earliest position means longest suffix.
func partialIndex(buffer, delimiter string) int {
	start := len(buffer) - len(delimiter) + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(buffer); i++ {
		if strings.HasPrefix(delimiter, buffer[i:]) {
			return i
		}
	}
	return -1
}

// Match describes the best delimiter occurrence in a buffer.
type Match struct {
	// Index is the byte offset of the occurrence.
	Index int
	// Text is the delimiter that matched (complete) or the delimiter whose
	// prefix the buffer tail matches (partial).
	Text string
	// Complete reports whether the whole delimiter is present.
	Complete bool
}

// PotentialStartIndexMultiple generalizes PotentialStartIndex to several
// candidate delimiters, e.g. a protocol accepting synonymous start tags.
// Tie-break policy: any complete match outranks any partial match; among
// complete matches the earliest index wins, ties broken by list order; among
// only-partial matches the earliest index wins, ties broken by list order.
// Returns nil when nothing matches.
func PotentialStartIndexMultiple(buffer string, delimiters []string) *Match {
	if buffer == "" {
		return nil
	}
	var best *Match
	for _, d := range delimiters {
		if d == "" {
			continue
		}
		if i := strings.Index(buffer, d); i >= 0 {
			if best == nil || !best.Complete || i < best.Index {
				best = &Match{Index: i, Text: d, Complete: true}
			}
			continue
		}
		if best != nil && best.Complete {
			continue
		}
		if i := partialIndex(buffer, d); i >= 0 {
			if best == nil || i < best.Index {
				best = &Match{Index: i, Text: d, Complete: false}
			}
		}
	}
	return best
}

// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker

import "strings"

// TailState carries the incremental parse state of a marker stream across
// chunk boundaries.
//
// Feeding chunks of a stream sequentially yields the same Last line as
// feeding the concatenation of all chunks at once.
type TailState struct {
	// Last complete line that matched the prefix.
	Last string
	// Carry holds the trailing, not yet terminated line.
	Carry []byte
}

// SplitLines splits carry+chunk into complete lines.
//
// Lines may be terminated by "\r\n", "\n" or "\r". The trailing incomplete
// line is returned as the new carry. Line terminators are not part of the
// returned lines.
func SplitLines(carry, chunk []byte) ([]string, []byte) {
	data := make([]byte, 0, len(carry)+len(chunk))
	data = append(data, carry...)
	data = append(data, chunk...)

	var lines []string

	start := 0

	for idx := 0; idx < len(data); idx++ {
		chr := data[idx]
		if chr != '\n' && chr != '\r' {
			continue
		}

		lines = append(lines, string(data[start:idx]))

		if chr == '\r' && idx+1 < len(data) && data[idx+1] == '\n' {
			idx++
		}

		start = idx + 1
	}

	return lines, append([]byte(nil), data[start:]...)
}

// Feed consumes the next chunk of the stream and updates the given state.
//
// Each complete line starting with prefix becomes the new Last. The prefix
// must not be empty. A line split anywhere, even in the middle of the prefix,
// is reassembled via the carry.
func Feed(state TailState, chunk []byte, prefix string) TailState {
	lines, carry := SplitLines(state.Carry, chunk)

	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			state.Last = line
		}
	}

	state.Carry = carry

	return state
}

// ExtractLastMatching scans a complete buffer and returns the last line
// starting with prefix.
//
// Unlike [Feed] it also considers a trailing line without terminator, since a
// log file may not end with a newline.
func ExtractLastMatching(buf []byte, prefix string) (string, bool) {
	state := Feed(TailState{}, buf, prefix)

	if carry := string(state.Carry); strings.HasPrefix(carry, prefix) {
		return carry, true
	}

	if state.Last == "" {
		return "", false
	}

	return state.Last, true
}

// TailBuffer is a rolling byte buffer that keeps the most recent max bytes
// written to it.
//
// It is used to keep a bounded window of the serial stream for gate
// evaluation. Evidence that rotated out of the window must be recovered from
// the full serial log file instead.
type TailBuffer struct {
	max int
	buf []byte
}

// NewTailBuffer creates a [TailBuffer] keeping the last max bytes.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

// Write implements [io.Writer]. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)

	if len(b.buf) > b.max {
		// Keep the tail. Copy so the head can be collected.
		tail := b.buf[len(b.buf)-b.max:]
		b.buf = append(make([]byte, 0, b.max), tail...)
	}

	return len(p), nil
}

// Bytes returns the buffered window. The returned slice is only valid until
// the next Write.
func (b *TailBuffer) Bytes() []byte {
	return b.buf
}

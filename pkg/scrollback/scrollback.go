// Package scrollback implements a bounded, UTF-8-correct, ANSI-aware
// capture buffer for a child PTY's output, with back-pressure that drops
// bytes rather than blocking the producer.
package scrollback

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/acarl005/stripansi"
)

const (
	// maxRemainderBytes caps the incomplete-UTF-8 trailing-byte buffer.
	maxRemainderBytes = 16 * 1024

	// DefaultCapacityLines is the default number of retained lines.
	DefaultCapacityLines = 5000
	// DefaultMaxBytes is the default byte cap before overflow kicks in.
	DefaultMaxBytes = 2 * 1024 * 1024

	warningFraction = 0.8
)

const replacementChar = "�"

// Buffer is a bounded, ANSI-stripped, UTF-8-safe capture of one PTY
// session's output. Bound to the lifetime of one PTY session; only the
// reader goroutine should call Write.
type Buffer struct {
	mu sync.Mutex

	capacityLines int
	maxBytes      int

	lines        []string
	pendingLines []string
	partial      string
	pendingPartial string

	currentBytes int

	overflow     bool
	warningShown bool

	remainder []byte

	droppedBytes   int64
	droppedLines   int64
	unicodeErrors  int64
	unicodeDecoded int64
}

// New creates a Buffer with the given caps. A zero value for either
// argument falls back to the package defaults.
func New(capacityLines, maxBytes int) *Buffer {
	if capacityLines <= 0 {
		capacityLines = DefaultCapacityLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{
		capacityLines: capacityLines,
		maxBytes:      maxBytes,
	}
}

// Write consumes raw bytes produced by a child PTY (and an EOF flag for the
// final call of a session) and updates the buffer in place.
func (b *Buffer) Write(data []byte, eof bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	combined := data
	if len(b.remainder) > 0 {
		combined = make([]byte, 0, len(b.remainder)+len(data))
		combined = append(combined, b.remainder...)
		combined = append(combined, data...)
		b.remainder = nil
	}

	if len(combined) > maxRemainderBytes && !validAsPrefix(combined) {
		// Step 1: oversized unresolvable remainder — discard it entirely.
		b.unicodeErrors++
		b.appendText(replacementChar)
		if eof {
			b.flushPartial()
		}
		return
	}

	text := b.decode(combined, eof)
	if text == "" {
		if eof {
			b.flushPartial()
		}
		return
	}

	b.appendText(text)
	if eof {
		b.flushPartial()
	}
}

// validAsPrefix is a cheap check used only to decide whether an oversized
// combined buffer is worth attempting to decode at all.
func validAsPrefix(buf []byte) bool {
	return len(buf) <= maxRemainderBytes*2
}

// decode repeatedly attempts UTF-8 decoding of buf, pushing valid runs as
// text, replacing invalid bytes with U+FFFD, and either flushing or storing
// an incomplete trailing sequence depending on eof.
func (b *Buffer) decode(buf []byte, eof bool) string {
	var out strings.Builder
	i := 0
	n := len(buf)

	for i < n {
		r, size := utf8.DecodeRune(buf[i:])
		if r != utf8.RuneError {
			out.WriteRune(r)
			i += size
			continue
		}

		if size == 1 {
			// A genuinely invalid byte, not just a truncated sequence.
			if !couldBeIncomplete(buf[i:]) || eof {
				out.WriteString(replacementChar)
				b.unicodeErrors++
				i++
				continue
			}
			// Incomplete tail: stash for next write.
			b.remainder = append([]byte(nil), buf[i:]...)
			if len(b.remainder) > maxRemainderBytes {
				b.remainder = nil
				out.WriteString(replacementChar)
				b.unicodeErrors++
				i = n
				continue
			}
			return out.String()
		}

		// size == 0 with RuneError means we're at an incomplete multi-byte
		// sequence at the very end of buf.
		out.WriteString(replacementChar)
		b.unicodeErrors++
		i++
	}

	return out.String()
}

// couldBeIncomplete reports whether the byte at the front of buf looks like
// the start of a multi-byte UTF-8 sequence that may simply be truncated.
func couldBeIncomplete(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	lead := buf[0]
	switch {
	case lead&0xE0 == 0xC0:
		return len(buf) < 2
	case lead&0xF0 == 0xE0:
		return len(buf) < 3
	case lead&0xF8 == 0xF0:
		return len(buf) < 4
	default:
		return false
	}
}

// appendText strips ANSI control sequences (fast-pathing pure-ASCII text),
// enforces the byte-budget warning/overflow thresholds, and splits the
// result into completed lines plus a trailing partial.
func (b *Buffer) appendText(text string) {
	cleaned := text
	if !isASCII(text) {
		cleaned = stripansi.Strip(text)
	}
	b.unicodeDecoded += int64(utf8.RuneCountInString(cleaned))

	addLen := len(cleaned)
	projected := b.currentBytes + addLen

	if b.overflow {
		b.droppedBytes += int64(addLen)
		b.droppedLines += int64(strings.Count(cleaned, "\n"))
		return
	}

	if projected >= b.maxBytes {
		b.overflow = true
		b.droppedBytes += int64(addLen)
		warning := "\n[scrollback overflow: output truncated]\n"
		b.splitAndStore(warning)
		return
	}

	if !b.warningShown && float64(projected) >= float64(b.maxBytes)*warningFraction {
		b.warningShown = true
		b.splitAndStore("\n[scrollback warning: approaching capacity]\n")
	}

	b.splitAndStore(cleaned)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// splitAndStore appends text to the trailing partial, splits on '\n',
// pushes completed lines to both the active and pending queues, and keeps
// the new trailing partial in both partial fields. Capacity eviction caps
// both queues at capacityLines.
func (b *Buffer) splitAndStore(text string) {
	combined := b.partial + text
	segments := strings.Split(combined, "\n")

	b.partial = segments[len(segments)-1]
	completed := segments[:len(segments)-1]

	pendingCombined := b.pendingPartial + text
	pendingSegments := strings.Split(pendingCombined, "\n")
	b.pendingPartial = pendingSegments[len(pendingSegments)-1]
	pendingCompleted := pendingSegments[:len(pendingSegments)-1]

	for _, line := range completed {
		b.currentBytes += len(line) + 1
		b.lines = append(b.lines, line)
	}
	for _, line := range pendingCompleted {
		b.pendingLines = append(b.pendingLines, line)
	}

	b.evict()
}

// flushPartial pushes a non-empty trailing partial as a final line on EOF.
func (b *Buffer) flushPartial() {
	if b.partial != "" {
		b.currentBytes += len(b.partial)
		b.lines = append(b.lines, b.partial)
		b.partial = ""
		b.evict()
	}
	if b.pendingPartial != "" {
		b.pendingLines = append(b.pendingLines, b.pendingPartial)
		b.pendingPartial = ""
	}
}

func (b *Buffer) evict() {
	for len(b.lines) > b.capacityLines {
		evicted := b.lines[0]
		b.lines = b.lines[1:]
		b.currentBytes -= len(evicted) + 1
	}
	if b.currentBytes < 0 {
		b.currentBytes = 0
	}
	for len(b.pendingLines) > b.capacityLines {
		b.pendingLines = b.pendingLines[1:]
	}
}

// Snapshot returns the concatenation of all retained lines plus the
// trailing partial.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return joinWithPartial(b.lines, b.partial)
}

// Pending returns the same shape as Snapshot but over the pending queue,
// without draining it.
func (b *Buffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return joinWithPartial(b.pendingLines, b.pendingPartial)
}

// TakePending returns Pending's result and drains the pending queue. A
// second immediate call returns an empty string.
func (b *Buffer) TakePending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := joinWithPartial(b.pendingLines, b.pendingPartial)
	b.pendingLines = nil
	b.pendingPartial = ""
	return out
}

func joinWithPartial(lines []string, partial string) string {
	if len(lines) == 0 {
		return partial
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString(partial)
	return sb.String()
}

// CurrentBytes returns the byte count of the stored completed lines, each
// with its newline. The trailing partial is not counted until an EOF write
// pushes it as a final line.
func (b *Buffer) CurrentBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentBytes
}

// Overflowed reports whether the buffer has ever hit its byte cap. Once
// set, this is monotonic for the buffer's lifetime.
func (b *Buffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Stats is a read-only view of the buffer's drop/error counters.
type Stats struct {
	DroppedBytes  int64
	DroppedLines  int64
	UnicodeErrors int64
}

// Stats returns the current drop/error counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		DroppedBytes:  b.droppedBytes,
		DroppedLines:  b.droppedLines,
		UnicodeErrors: b.unicodeErrors,
	}
}

package worker

import "bytes"

// LineAssembler reassembles newline-delimited records from arbitrary byte
// chunks. Lines longer than the limit are discarded up to their terminating
// newline.
type LineAssembler struct {
	buf        []byte
	max        int
	discarding bool

	// Dropped counts the oversize lines discarded so far.
	Dropped int
}

// NewLineAssembler creates an assembler that keeps at most maxLine bytes of a
// pending line. A non-positive maxLine means no limit.
func NewLineAssembler(maxLine int) *LineAssembler {
	return &LineAssembler{max: maxLine}
}

// Feed consumes a chunk and calls emit for every complete line, without its
// trailing newline. The slice passed to emit is only valid during the call.
func (a *LineAssembler) Feed(chunk []byte, emit func(line []byte)) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			a.appendPending(chunk)
			return
		}

		part := chunk[:idx]
		chunk = chunk[idx+1:]

		if a.discarding {
			a.discarding = false
			continue
		}

		if len(a.buf) == 0 {
			if a.max > 0 && len(part) > a.max {
				a.Dropped++
				continue
			}
			emit(trimCR(part))
			continue
		}

		a.appendPending(part)
		if a.discarding {
			a.discarding = false
			continue
		}
		emit(trimCR(a.buf))
		a.buf = a.buf[:0]
	}
}

// Flush emits any unterminated trailing line. Call it once the stream ends.
func (a *LineAssembler) Flush(emit func(line []byte)) {
	if !a.discarding && len(a.buf) > 0 {
		emit(trimCR(a.buf))
	}
	a.buf = a.buf[:0]
	a.discarding = false
}

// Pending returns the number of buffered bytes waiting for a newline.
func (a *LineAssembler) Pending() int {
	return len(a.buf)
}

func (a *LineAssembler) appendPending(p []byte) {
	if a.discarding {
		return
	}
	if a.max > 0 && len(a.buf)+len(p) > a.max {
		a.buf = a.buf[:0]
		a.discarding = true
		a.Dropped++
		return
	}
	a.buf = append(a.buf, p...)
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

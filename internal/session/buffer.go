package session

import (
	"bytes"

	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

// EventBuffer accumulates raw reads from the event socket and splits them
// into newline-terminated records. A trailing partial record is kept until
// the rest of it arrives.
type EventBuffer struct {
	data      []byte
	limit     int
	overflows int
	logger    *util.Logger
	metrics   metrics.Sink
}

// NewEventBuffer returns an empty buffer bounded by limit bytes.
func NewEventBuffer(limit int, logger *util.Logger, sink metrics.Sink) *EventBuffer {
	if sink == nil {
		sink = metrics.Discard
	}
	return &EventBuffer{limit: limit, logger: logger, metrics: sink}
}

// SetLimit changes the size bound. It applies from the next Append.
func (b *EventBuffer) SetLimit(limit int) {
	b.limit = limit
}

// Append adds p to the buffer. When the result exceeds the limit the whole
// buffer is discarded, including any complete records it held, and Append
// reports false.
func (b *EventBuffer) Append(p []byte) bool {
	b.data = append(b.data, p...)
	if b.limit <= 0 || len(b.data) <= b.limit {
		return true
	}
	b.logger.Warnf("event buffer exceeded %d bytes (was %d bytes), clearing to prevent memory issues", b.limit, len(b.data))
	metrics.Inc(b.metrics, metrics.BufferSizeExceeded)
	b.overflows++
	b.data = nil
	return false
}

// Lines removes and returns every complete record, without the newline.
// Empty records are skipped. The returned slices stay valid after later
// calls.
func (b *EventBuffer) Lines() [][]byte {
	idx := bytes.LastIndexByte(b.data, '\n')
	if idx < 0 {
		return nil
	}
	complete := b.data[:idx]
	rest := b.data[idx+1:]
	if len(rest) > 0 {
		b.data = append([]byte(nil), rest...)
	} else {
		b.data = nil
	}

	var lines [][]byte
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Len reports the number of buffered bytes.
func (b *EventBuffer) Len() int {
	return len(b.data)
}

// Overflows reports how many times the buffer was discarded for exceeding
// its limit.
func (b *EventBuffer) Overflows() int {
	return b.overflows
}

// Reset drops all buffered data.
func (b *EventBuffer) Reset() {
	b.data = nil
}

// Package framing recovers complete JSON objects from an unframed text stream.
//
// The agent CLI writes one JSON object after another with no delimiter the
// transport respects, and the provider hands its output back in chunks cut
// at arbitrary byte offsets. Decoder buffers those chunks and yields each
// object once, in order, no matter where the cuts fall.
package framing

import (
	"bytes"
	"encoding/json"
)

// DefaultMaxBuffer bounds how much unresolved input a Decoder keeps.
const DefaultMaxBuffer = 100 * 1024

// Decoder is not safe for concurrent use. Each stream owns one.
type Decoder struct {
	// MaxBuffer is the largest unresolved tail kept between writes.
	// Zero means DefaultMaxBuffer.
	MaxBuffer int

	buf []byte

	// Scan state for the object in progress, kept across writes so a chunk
	// boundary never forces a rescan.
	inObject bool
	start    int // offset of the opening brace while inObject
	pos      int // next offset to examine
	depth    int
	inString bool
	escaped  bool

	malformed int
	overflows int
}

// NewDecoder returns a Decoder with the default buffer limit.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends chunk to the stream and returns every object it completed.
// Spans that balance but are not valid JSON are dropped.
func (d *Decoder) Write(chunk string) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	var out []json.RawMessage
	for {
		if !d.inObject {
			i := bytes.IndexByte(d.buf[d.pos:], '{')
			if i < 0 {
				d.pos = len(d.buf)
				break
			}
			d.inObject = true
			d.start = d.pos + i
			d.pos = d.start
			d.depth = 0
			d.inString = false
			d.escaped = false
		}

		end, ok := d.scan()
		if !ok {
			break
		}

		span := d.buf[d.start : end+1]
		if json.Valid(span) {
			obj := make(json.RawMessage, len(span))
			copy(obj, span)
			out = append(out, obj)
		} else {
			d.malformed++
		}
		d.inObject = false
		d.pos = end + 1
	}

	d.compact()
	return out
}

// scan walks forward from d.pos until the object opened at d.start closes.
// It returns the offset of the closing brace.
func (d *Decoder) scan() (int, bool) {
	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}
		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				return d.pos, true
			}
		}
	}
	return 0, false
}

// compact drops consumed input and enforces the buffer limit.
func (d *Decoder) compact() {
	if !d.inObject {
		// Nothing before pos can begin an object.
		d.buf = d.buf[:0]
		d.pos = 0
		return
	}
	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.pos -= d.start
		d.start = 0
	}

	limit := d.MaxBuffer
	if limit <= 0 {
		limit = DefaultMaxBuffer
	}
	if len(d.buf) > limit {
		d.overflows++
		d.Reset()
	}
}

// Buffered returns the number of bytes held for an incomplete object.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partial object.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.inObject = false
	d.start = 0
	d.pos = 0
	d.depth = 0
	d.inString = false
	d.escaped = false
}

// Stats reports how many spans were dropped as malformed and how many times
// the buffer limit discarded a partial object.
func (d *Decoder) Stats() (malformed, overflows int) {
	return d.malformed, d.overflows
}

package translate

import (
	"bytes"
	"strings"
)

// sseDecoder incrementally splits an SSE byte stream into event data
// payloads. Chunks may cut events anywhere; partial lines are buffered until
// the rest arrives. Only data fields are surfaced; event/id/retry fields and
// comments are dropped. Multi-line data fields are joined with newlines, per
// the SSE spec.
type sseDecoder struct {
	buf  []byte
	data []string
}

// Feed consumes the next chunk and returns the payloads of every event
// completed by it.
func (d *sseDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	var events []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(d.buf[:i]), "\r")
		d.buf = d.buf[i+1:]
		if payload, done := d.consumeLine(line); done {
			events = append(events, payload)
		}
	}
	return events
}

// Flush drains any event left unterminated at end of stream.
func (d *sseDecoder) Flush() []string {
	var events []string
	if len(d.buf) > 0 {
		line := strings.TrimSuffix(string(d.buf), "\r")
		d.buf = nil
		if payload, done := d.consumeLine(line); done {
			events = append(events, payload)
		}
	}
	if len(d.data) > 0 {
		events = append(events, strings.Join(d.data, "\n"))
		d.data = nil
	}
	return events
}

func (d *sseDecoder) consumeLine(line string) (string, bool) {
	if line == "" {
		if len(d.data) == 0 {
			return "", false
		}
		payload := strings.Join(d.data, "\n")
		d.data = nil
		return payload, true
	}
	if value, ok := strings.CutPrefix(line, "data:"); ok {
		d.data = append(d.data, strings.TrimPrefix(value, " "))
	}
	return "", false
}

// encodeSSEData frames a payload as a data-only SSE event.
func encodeSSEData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

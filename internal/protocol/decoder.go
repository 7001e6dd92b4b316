package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// dataPrefix marks protocol frames; anything else on the stream is noise
// (keep-alive blank lines, comments) and is skipped.
const dataPrefix = "data:"

// Decoder turns a raw byte stream into a sequence of StreamEvents.
//
// Frames are newline-delimited. Only lines carrying the "data:" prefix
// belong to the protocol; the remainder of such a line, trimmed, is the
// JSON payload. Frames split across reads are handled by the underlying
// buffered scanner - a frame boundary never has to align with a read
// boundary. Unparseable frames are dropped, not fatal.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder wraps a byte source. The source is typically an HTTP
// response body; closing it is the caller's responsibility.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next protocol event, or io.EOF when the stream is
// exhausted. After a done event has been returned the decoder is spent
// and every subsequent call returns io.EOF.
func (d *Decoder) Next() (StreamEvent, error) {
	if d.done {
		return StreamEvent{}, io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if raw == "" {
			continue
		}

		event, ok := decodeFrame(raw)
		if !ok {
			logging.StreamDebug("dropping malformed frame: %d bytes", len(raw))
			continue
		}

		if event.Type == EventDone {
			d.done = true
		}
		return event, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

// decodeFrame parses one frame payload. Events with an unparseable JSON
// envelope are dropped; events whose inner structured content is bad are
// still surfaced (the consumer degrades them to payload-less events).
func decodeFrame(raw string) (StreamEvent, bool) {
	var event StreamEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return StreamEvent{}, false
	}
	if event.Type == "" {
		return StreamEvent{}, false
	}
	return event, true
}

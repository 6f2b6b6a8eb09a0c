package esl

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Frame is a single decoded Event Socket frame: an ordered list of
// Header: value pairs plus an optional raw body. Header names are the
// protocol's exact wire vocabulary (e.g. "Event-Name", "Unique-ID").
type Frame struct {
	names  []string
	values map[string]string
	Body   []byte
}

// NewFrame creates an empty frame.
func NewFrame() *Frame {
	return &Frame{values: make(map[string]string)}
}

// Add appends a header, keeping first-seen wire order.
func (f *Frame) Add(name, value string) {
	if _, ok := f.values[name]; !ok {
		f.names = append(f.names, name)
	}
	f.values[name] = value
}

// Get returns the value for an exact header name, or "" if absent.
func (f *Frame) Get(name string) string {
	return f.values[name]
}

// Has reports whether the header is present, even with an empty value.
func (f *Frame) Has(name string) bool {
	_, ok := f.values[name]
	return ok
}

// Names returns header names in wire order.
func (f *Frame) Names() []string {
	return f.names
}

// Len returns the number of headers.
func (f *Frame) Len() int {
	return len(f.names)
}

// EventName is shorthand for the Event-Name header.
func (f *Frame) EventName() string {
	return f.Get("Event-Name")
}

// Subclass is shorthand for the Event-Subclass header.
func (f *Frame) Subclass() string {
	return f.Get("Event-Subclass")
}

// ContentType is shorthand for the Content-Type header.
func (f *Frame) ContentType() string {
	return f.Get("Content-Type")
}

// Decoder decodes blank-line-delimited Event Socket frames from a stream.
// Partial frames spanning multiple reads stay buffered verbatim until
// complete; consumed bytes are dropped and never re-scanned.
type Decoder struct {
	r      io.Reader
	buffer []byte
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buffer: make([]byte, 0)}
}

// Decode reads and decodes the next frame from the stream. Whitespace-only
// frames are discarded without emission.
func (d *Decoder) Decode() (*Frame, error) {
	for {
		if frame, remaining, ok := d.tryParse(); ok {
			d.buffer = remaining
			if frame == nil {
				continue
			}
			return frame, nil
		}

		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buffer = append(d.buffer, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// tryParse attempts to parse one complete frame from the buffer. It returns
// (frame, remaining buffer, success); a nil frame with success set means a
// whitespace-only block was consumed.
func (d *Decoder) tryParse() (*Frame, []byte, bool) {
	end := bytes.Index(d.buffer, []byte("\n\n"))
	if end == -1 {
		return nil, nil, false
	}

	block := d.buffer[:end]
	consumed := end + 2

	frame := parseHeaders(block)

	// A Content-Length header means the frame carries a body of exactly
	// that many bytes after the blank line.
	if frame != nil {
		if cl := frame.Get("Content-Length"); cl != "" {
			length, err := strconv.Atoi(strings.TrimSpace(cl))
			if err == nil && length > 0 {
				if len(d.buffer) < consumed+length {
					return nil, nil, false
				}
				body := make([]byte, length)
				copy(body, d.buffer[consumed:consumed+length])
				frame.Body = body
				consumed += length
			}
		}
	}

	remaining := d.buffer[consumed:]
	return frame, remaining, true
}

// parseHeaders parses a header block. Lines split at the first colon; name
// and value are trimmed. Lines without a colon are skipped, never fatal.
// Returns nil for a whitespace-only block.
func parseHeaders(block []byte) *Frame {
	if len(bytes.TrimSpace(block)) == 0 {
		return nil
	}

	frame := NewFrame()
	for _, line := range bytes.Split(block, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx == -1 {
			continue
		}
		name := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		if name == "" {
			continue
		}
		frame.Add(name, value)
	}

	if frame.Len() == 0 {
		return nil
	}
	return frame
}

package esl

import (
	"io"
	"strconv"
	"strings"
	"testing"
)

// chunkReader delivers the underlying stream n bytes at a time, to
// exercise frames split across socket reads.
type chunkReader struct {
	data []byte
	n    int
	pos  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.n
	if end > len(r.data) {
		end = len(r.data)
	}
	if end-r.pos > len(p) {
		end = r.pos + len(p)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func decodeAll(t *testing.T, r io.Reader) []*Frame {
	t.Helper()
	dec := NewDecoder(r)
	var frames []*Frame
	for {
		frame, err := dec.Decode()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		frames = append(frames, frame)
	}
}

const sampleStream = "Event-Name: CUSTOM\n" +
	"Event-Subclass: sofia::register\n" +
	"from-user: 1001\n" +
	"\n" +
	"Event-Name: CHANNEL_HANGUP_COMPLETE\n" +
	"Unique-ID: abc-123\n" +
	"Bill-Sec: 42\n" +
	"\n"

func TestDecodeTwoFrames(t *testing.T) {
	frames := decodeAll(t, strings.NewReader(sampleStream))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if got := frames[0].EventName(); got != "CUSTOM" {
		t.Errorf("frame 0 Event-Name = %q, want CUSTOM", got)
	}
	if got := frames[0].Subclass(); got != "sofia::register" {
		t.Errorf("frame 0 Event-Subclass = %q, want sofia::register", got)
	}
	if got := frames[1].Get("Bill-Sec"); got != "42" {
		t.Errorf("frame 1 Bill-Sec = %q, want 42", got)
	}
}

func TestDecodeChunkingInvariance(t *testing.T) {
	whole := decodeAll(t, strings.NewReader(sampleStream))

	for _, size := range []int{1, 2, 3, 5, 7, 16, 64} {
		chunked := decodeAll(t, &chunkReader{data: []byte(sampleStream), n: size})
		if len(chunked) != len(whole) {
			t.Fatalf("chunk size %d: got %d frames, want %d", size, len(chunked), len(whole))
		}
		for i := range whole {
			for _, name := range whole[i].Names() {
				if chunked[i].Get(name) != whole[i].Get(name) {
					t.Errorf("chunk size %d frame %d header %s = %q, want %q",
						size, i, name, chunked[i].Get(name), whole[i].Get(name))
				}
			}
			if chunked[i].Len() != whole[i].Len() {
				t.Errorf("chunk size %d frame %d has %d headers, want %d",
					size, i, chunked[i].Len(), whole[i].Len())
			}
		}
	}
}

func TestDecodeIdempotent(t *testing.T) {
	first := decodeAll(t, strings.NewReader(sampleStream))
	second := decodeAll(t, strings.NewReader(sampleStream))
	for i := range first {
		if first[i].Len() != second[i].Len() {
			t.Fatalf("frame %d header counts differ", i)
		}
		for _, name := range first[i].Names() {
			if first[i].Get(name) != second[i].Get(name) {
				t.Errorf("frame %d header %s differs across decodes", i, name)
			}
		}
	}
}

func TestDecodeSkipsMalformedLines(t *testing.T) {
	stream := "Event-Name: HEARTBEAT\n" +
		"this line has no colon\n" +
		"Up-Time: 12\n" +
		"\n"
	frames := decodeAll(t, strings.NewReader(stream))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Len() != 2 {
		t.Errorf("got %d headers, want 2 (malformed line skipped)", frames[0].Len())
	}
	if got := frames[0].Get("Up-Time"); got != "12" {
		t.Errorf("Up-Time = %q, want 12", got)
	}
}

func TestDecodeDiscardsWhitespaceOnlyFrames(t *testing.T) {
	stream := "\n\n  \n\nEvent-Name: HEARTBEAT\n\n"
	frames := decodeAll(t, strings.NewReader(stream))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if got := frames[0].EventName(); got != "HEARTBEAT" {
		t.Errorf("Event-Name = %q, want HEARTBEAT", got)
	}
}

func TestDecodeTrimsNamesAndValues(t *testing.T) {
	stream := "  Event-Name :  HEARTBEAT  \n\n"
	frames := decodeAll(t, strings.NewReader(stream))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if got := frames[0].Get("Event-Name"); got != "HEARTBEAT" {
		t.Errorf("Event-Name = %q, want HEARTBEAT", got)
	}
}

func TestDecodeSplitsAtFirstColon(t *testing.T) {
	stream := "Event-Subclass: sofia::register\n\n"
	frames := decodeAll(t, strings.NewReader(stream))
	if got := frames[0].Get("Event-Subclass"); got != "sofia::register" {
		t.Errorf("Event-Subclass = %q, want sofia::register", got)
	}
}

func TestDecodeContentLengthBody(t *testing.T) {
	body := "<user>1001</user>\n<user>1002</user>"
	stream := "Content-Type: api/response\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\n" +
		"\n" + body +
		"Event-Name: HEARTBEAT\n\n"

	frames := decodeAll(t, strings.NewReader(stream))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if got := string(frames[0].Body); got != body {
		t.Errorf("body = %q, want %q", got, body)
	}
	if got := frames[1].EventName(); got != "HEARTBEAT" {
		t.Errorf("follow-on Event-Name = %q, want HEARTBEAT", got)
	}
}

func TestDecodeContentLengthBodyChunked(t *testing.T) {
	body := "registration listing body"
	stream := "Content-Type: api/response\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\n" +
		"\n" + body

	for _, size := range []int{1, 3, 8} {
		frames := decodeAll(t, &chunkReader{data: []byte(stream), n: size})
		if len(frames) != 1 {
			t.Fatalf("chunk size %d: got %d frames, want 1", size, len(frames))
		}
		if got := string(frames[0].Body); got != body {
			t.Errorf("chunk size %d: body = %q, want %q", size, got, body)
		}
	}
}


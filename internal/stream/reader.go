package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// DoneMarker is the literal terminator some vendors send as a data payload.
const DoneMarker = "[DONE]"

// Reader reads SSE data payloads from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new SSE reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*MaxToolArgBufSize)
	return &Reader{scanner: scanner}
}

// Next returns the next JSON data payload. Comment, event and id lines are
// skipped, as are payloads that are not valid JSON. The terminator marker is
// skipped too; the stream ends at io.EOF of the underlying reader.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[5:])
		if data == "" || data == DoneMarker {
			continue
		}
		if !gjson.Valid(data) {
			continue
		}
		return &Event{
			Type: gjson.Get(data, "type").String(),
			Raw:  []byte(data),
		}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

package upstream

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Bliod-Cook/drome/internal/stream"
)

func (c *Client) dumpOut() io.Writer {
	if c.DumpOut != nil {
		return c.DumpOut
	}
	return os.Stderr
}

// dump writes one framed block. Blocks from concurrent requests never
// interleave.
func (c *Client) dump(title string, data []byte) {
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()

	var buf bytes.Buffer
	title = strings.TrimSpace(title)
	fmt.Fprintf(&buf, "===== %s BEGIN =====\n", title)
	buf.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "===== %s END =====\n", title)
	if _, err := c.dumpOut().Write(buf.Bytes()); err != nil {
		c.logger().Error("upstream.dump.write.failed", "title", title, "error", err)
	}
}

func (c *Client) dumpUpstreamRequest(req *http.Request, body []byte) {
	headerDump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		c.logger().Error("upstream.request.dump.failed", "error", err)
		return
	}
	headerDump = redactHeaders(headerDump)
	c.dump("UPSTREAM REQUEST", append(headerDump, body...))
}

// redactHeaders masks credential header values in a request dump.
func redactHeaders(dump []byte) []byte {
	lines := bytes.Split(dump, []byte("\r\n"))
	for i, line := range lines {
		name, _, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		switch strings.ToLower(string(name)) {
		case "authorization", "x-api-key", "x-goog-api-key":
			lines[i] = append(append([]byte{}, name...), []byte(": [redacted]")...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

// dumpUpstreamResponse writes the response headers and wraps the body so
// that it is dumped as it is consumed. Event streams only contribute their
// summary frames; other bodies are dumped whole.
func (c *Client) dumpUpstreamResponse(resp *http.Response) {
	if c == nil || !c.Debug || resp == nil {
		return
	}
	if head, err := httputil.DumpResponse(resp, false); err != nil {
		c.logger().Error("upstream.response.dump.failed", "error", err)
	} else {
		c.dump("UPSTREAM RESPONSE", head)
	}
	if resp.Body == nil {
		return
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	resp.Body = &dumpBody{
		ReadCloser: resp.Body,
		client:     c,
		title:      fmt.Sprintf("UPSTREAM RESPONSE BODY status=%d", resp.StatusCode),
		events:     strings.Contains(contentType, "text/event-stream"),
	}
}

// dumpBody tees a response body into the debug dump. The dump is written
// once, when the body hits EOF or is closed.
type dumpBody struct {
	io.ReadCloser
	client *Client
	title  string
	events bool

	pending []byte // partial line of an event stream
	out     bytes.Buffer
	done    bool
}

func (d *dumpBody) Read(p []byte) (int, error) {
	n, err := d.ReadCloser.Read(p)
	if n > 0 {
		d.consume(p[:n])
	}
	if err == io.EOF {
		d.finish()
	}
	return n, err
}

func (d *dumpBody) Close() error {
	err := d.ReadCloser.Close()
	d.finish()
	return err
}

func (d *dumpBody) consume(chunk []byte) {
	if !d.events {
		d.out.Write(chunk)
		return
	}
	d.pending = append(d.pending, chunk...)
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			return
		}
		d.line(d.pending[:i])
		d.pending = d.pending[i+1:]
	}
}

func (d *dumpBody) line(raw []byte) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(raw), []byte("data:"))
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, []byte(stream.DoneMarker)) || !gjson.ValidBytes(payload) {
		return
	}
	if summaryFrame(gjson.ParseBytes(payload)) {
		d.out.WriteString("data: ")
		d.out.Write(payload)
		d.out.WriteString("\n\n")
	}
}

func (d *dumpBody) finish() {
	if d.done {
		return
	}
	d.done = true
	if len(d.pending) > 0 {
		d.line(d.pending)
		d.pending = nil
	}
	d.client.dump(d.title, d.out.Bytes())
}

// summaryFrame reports whether a streamed payload is worth dumping: terminal
// and error frames of every vendor, plus frames carrying usage counters.
func summaryFrame(root gjson.Result) bool {
	switch root.Get("type").String() {
	case "response.completed", "response.failed", "response.incomplete", "message_stop", "message_delta", "error":
		return true
	}
	return root.Get("error").Exists() || root.Get("usage").IsObject() || root.Get("usageMetadata").Exists()
}

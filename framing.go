package bridge

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// LineFramer extracts newline-delimited frames from a byte stream that
// arrives in arbitrary chunks. Bytes after the last delimiter stay
// buffered for the next Feed. Blank lines are consumed and skipped.
type LineFramer struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns every complete frame
// now available, in order. Returned slices do not alias the buffer.
func (f *LineFramer) Feed(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[:i])
		if len(line) > 0 {
			frame := make([]byte, len(line))
			copy(frame, line)
			frames = append(frames, frame)
		}
		f.buf = f.buf[i+1:]
	}
	return frames
}

// Pending returns the number of buffered bytes not yet framed.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// HTTPRequest is one fully framed request from the proxy socket.
type HTTPRequest struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string]string // keys lowercased
	Body    []byte
}

// Header returns a header value by case-insensitive name.
func (r *HTTPRequest) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// HTTPFramer extracts complete HTTP/1.1 requests from a byte stream. A
// request is emitted only once the double-CRLF header terminator and, when
// a Content-Length header is present, the full body are buffered. A body
// with no Content-Length is treated as no body. Exactly headers plus
// Content-Length bytes are consumed per request; trailing bytes remain
// buffered.
type HTTPFramer struct {
	buf []byte
}

var crlfcrlf = []byte("\r\n\r\n")

// Feed appends p and returns every complete request now available. A
// malformed request head is unrecoverable for the connection and is
// returned as an error.
func (f *HTTPFramer) Feed(p []byte) ([]*HTTPRequest, error) {
	f.buf = append(f.buf, p...)

	var reqs []*HTTPRequest
	for {
		end := bytes.Index(f.buf, crlfcrlf)
		if end < 0 {
			return reqs, nil
		}

		req, err := parseRequestHead(f.buf[:end])
		if err != nil {
			return reqs, err
		}

		bodyStart := end + len(crlfcrlf)
		bodyLen := 0
		if cl := req.Header("content-length"); cl != "" {
			n, err := strconv.Atoi(strings.TrimSpace(cl))
			if err != nil || n < 0 {
				return reqs, fmt.Errorf("invalid Content-Length %q", cl)
			}
			bodyLen = n
		}

		if len(f.buf) < bodyStart+bodyLen {
			return reqs, nil
		}

		if bodyLen > 0 {
			req.Body = make([]byte, bodyLen)
			copy(req.Body, f.buf[bodyStart:bodyStart+bodyLen])
		}
		f.buf = f.buf[bodyStart+bodyLen:]
		reqs = append(reqs, req)
	}
}

// Pending returns the number of buffered bytes not yet framed.
func (f *HTTPFramer) Pending() int {
	return len(f.buf)
}

func parseRequestHead(head []byte) (*HTTPRequest, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty request head")
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	req := &HTTPRequest{
		Method:  parts[0],
		Path:    parts[1],
		Proto:   parts[2],
		Headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		req.Headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return req, nil
}

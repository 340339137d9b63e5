package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrEmptyRequest    = errors.New("empty request")
	ErrEmptyResponse   = errors.New("empty response")
	ErrInvalidRequest  = errors.New("invalid request line")
	ErrInvalidResponse = errors.New("invalid status line")
)

// wireReader reads HTTP/1.x message framing leniently. bareLF records whether
// any line of the message ended in LF alone.
type wireReader struct {
	br     *bufio.Reader
	bareLF bool
}

func newWireReader(r io.Reader) *wireReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &wireReader{br: br}
}

// line returns the next line without its terminator and whether it ended in
// a bare LF. A final unterminated line is returned together with io.EOF.
func (r *wireReader) line() ([]byte, bool, error) {
	b, err := r.br.ReadBytes('\n')
	if err != nil {
		return bytes.TrimSuffix(b, []byte("\r")), false, err
	}
	b = b[:len(b)-1]
	if trimmed, ok := bytes.CutSuffix(b, []byte("\r")); ok {
		return trimmed, false, nil
	}
	r.bareLF = true
	return b, true, nil
}

// startLine reads the first line, mapping a clean EOF to empty.
func (r *wireReader) startLine(empty error) (string, error) {
	b, _, err := r.line()
	if len(b) == 0 && err != nil {
		if errors.Is(err, io.EOF) {
			return "", empty
		}
		return "", err
	}
	return string(b), nil
}

// headers reads fields up to the blank line. Raw keeps the original bytes,
// obs-fold continuation lines included, so untouched fields re-encode exactly.
func (r *wireReader) headers() (Headers, error) {
	var hs Headers
	for {
		b, bareLF, err := r.line()
		if err != nil && !errors.Is(err, io.EOF) {
			return hs, err
		}
		if len(b) == 0 {
			return hs, nil
		}

		if n := len(hs); n > 0 && (b[0] == ' ' || b[0] == '\t') {
			prev := &hs[n-1]
			if bareLF {
				prev.Raw = append(prev.Raw, '\n')
			} else {
				prev.Raw = append(prev.Raw, '\r', '\n')
			}
			prev.Raw = append(prev.Raw, b...)
			prev.Value += " " + strings.TrimLeft(string(b), " \t")
		} else {
			name, value, _ := bytes.Cut(b, []byte(":"))
			hs = append(hs, Header{
				Name:  string(name),
				Value: strings.TrimSpace(string(value)),
				Raw:   bytes.Clone(b),
			})
		}

		if err != nil {
			return hs, nil
		}
	}
}

// body reads a chunked or Content-Length framed payload. Unframed responses
// run to EOF (untilEOF); unframed requests have no body.
func (r *wireReader) body(hs Headers, untilEOF bool) (body, trailers []byte, chunked bool, err error) {
	if strings.Contains(strings.ToLower(hs.Get("Transfer-Encoding")), "chunked") {
		body, trailers, err = r.chunks()
		return body, trailers, true, err
	}

	if v := hs.Get("Content-Length"); v != "" {
		if n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64); perr == nil && n >= 0 {
			if n == 0 {
				return nil, nil, false, nil
			}
			body = make([]byte, n)
			_, err = io.ReadFull(r.br, body)
			return body, nil, false, err
		}
	}
	if !untilEOF {
		return nil, nil, false, nil
	}
	body, err = io.ReadAll(r.br)
	return body, nil, false, err
}

// chunks reassembles a chunked payload and returns the trailer section as
// CRLF terminated lines. A bad chunk size ends the payload early.
func (r *wireReader) chunks() (body, trailers []byte, err error) {
	var out bytes.Buffer
	for {
		b, _, err := r.line()
		if err != nil && !errors.Is(err, io.EOF) {
			return out.Bytes(), nil, err
		}
		sizeField, _, _ := strings.Cut(string(b), ";")
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if perr != nil {
			return out.Bytes(), nil, nil
		}
		if size == 0 {
			break
		}
		if _, err := io.CopyN(&out, r.br, size); err != nil {
			return out.Bytes(), nil, err
		}
		_, _, _ = r.line()
	}

	var tb bytes.Buffer
	for {
		b, _, err := r.line()
		if len(b) > 0 {
			tb.Write(b)
			tb.WriteString("\r\n")
		}
		if len(b) == 0 || err != nil {
			return out.Bytes(), tb.Bytes(), nil
		}
	}
}

func (r *wireReader) format(chunked bool) *WireFormat {
	if !r.bareLF && !chunked {
		return nil
	}
	return &WireFormat{WasChunked: chunked, UsedBareLF: r.bareLF}
}

// parseRequest reads one request. Anything past a usable request line is
// accepted as-is so odd traffic is still captured.
func parseRequest(r io.Reader) (*WireRequest, error) {
	wr := newWireReader(r)
	line, err := wr.startLine(ErrEmptyRequest)
	if err != nil {
		return nil, err
	}

	// METHOD target [VERSION]; proxy-form targets keep scheme and authority
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || fields[0] == "" {
		return nil, ErrInvalidRequest
	}
	req := &WireRequest{Method: fields[0], Version: "HTTP/1.1"}
	if len(fields) == 3 {
		req.Version = strings.TrimSpace(fields[2])
	}
	req.Path, req.Query, _ = strings.Cut(fields[1], "?")

	if req.Headers, err = wr.headers(); err != nil {
		return nil, err
	}
	var chunked bool
	req.Body, req.Trailers, chunked, err = wr.body(req.Headers, false)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	req.Wire = wr.format(chunked)
	return req, nil
}

// parseResponse reads one response to a request made with method.
func parseResponse(r io.Reader, method string) (*WireResponse, error) {
	wr := newWireReader(r)
	line, err := wr.startLine(ErrEmptyResponse)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return nil, ErrInvalidResponse
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrInvalidResponse
	}
	resp := &WireResponse{Version: fields[0], StatusCode: code}
	if len(fields) == 3 {
		resp.StatusText = fields[2]
	}

	if resp.Headers, err = wr.headers(); err != nil {
		return nil, err
	}
	var chunked bool
	if hasResponseBody(method, code) {
		resp.Body, resp.Trailers, chunked, err = wr.body(resp.Headers, true)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	resp.Wire = wr.format(chunked)
	return resp, nil
}

func hasResponseBody(method string, code int) bool {
	return method != "HEAD" && code >= 200 && code != 204 && code != 304
}

// Encode renders the request for the upstream. Untouched header lines and
// line endings are reproduced; a chunked body is sent with Content-Length.
func (r *WireRequest) Encode() []byte {
	target := r.Path
	if r.Query != "" {
		target += "?" + r.Query
	}
	return encodeMessage(r.Method+" "+target+" "+r.Version, r.Headers, r.Body, r.Wire)
}

// Encode renders the response for the client. See WireRequest.Encode.
func (r *WireResponse) Encode() []byte {
	status := r.Version + " " + strconv.Itoa(r.StatusCode)
	if r.StatusText != "" {
		status += " " + r.StatusText
	}
	return encodeMessage(status, r.Headers, r.Body, r.Wire)
}

func encodeMessage(start string, hs Headers, body []byte, wire *WireFormat) []byte {
	eol := "\r\n"
	if wire != nil && wire.UsedBareLF {
		eol = "\n"
	}
	dechunked := wire != nil && wire.WasChunked

	var buf bytes.Buffer
	buf.Grow(len(start) + len(body) + 64*len(hs))
	buf.WriteString(start + eol)
	for _, h := range hs {
		// framing headers are restated below once the body is reassembled
		if dechunked && (strings.EqualFold(h.Name, "Transfer-Encoding") || strings.EqualFold(h.Name, "Content-Length")) {
			continue
		}
		if len(h.Raw) > 0 {
			buf.Write(h.Raw)
		} else {
			buf.WriteString(h.Name + ": " + h.Value)
		}
		buf.WriteString(eol)
	}
	if len(body) > 0 && (dechunked || hs.Get("Content-Length") == "") {
		buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + eol)
	}
	buf.WriteString(eol)
	buf.Write(body)
	return buf.Bytes()
}
